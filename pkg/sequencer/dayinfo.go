package sequencer

import (
	"strconv"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/protocol"

	"github.com/shopspring/decimal"
)

// parseDayInfo converts a DayInfo response into the tracked day
func parseDayInfo(f *protocol.Frame) (fiscal.DayState, error) {
	echo, err := protocol.DecodeEcho(f.Data)
	if err != nil {
		return fiscal.DayState{}, err
	}

	day := fiscal.DayState{
		IsOpen: echo["open"] == "1",
		Total:  decimal.Zero,
	}
	if day.DayNumber, err = strconv.Atoi(echo["day"]); err != nil {
		return fiscal.DayState{}, err
	}
	if v := echo["receipts"]; v != "" {
		if day.Transactions, err = strconv.Atoi(v); err != nil {
			return fiscal.DayState{}, err
		}
	}
	if v := echo["total"]; v != "" {
		if day.Total, err = decimal.NewFromString(v); err != nil {
			return fiscal.DayState{}, err
		}
	}
	day.OpenedAt = parseTime(echo["openedAt"])
	day.LastZReportAt = parseTime(echo["lastZ"])
	day.LastXReportAt = parseTime(echo["lastX"])
	return day, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
