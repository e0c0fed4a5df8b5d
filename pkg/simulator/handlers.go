package simulator

import (
	"strconv"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/protocol"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// statusHandler answers the keepalive ping
type statusHandler struct{}

func (h *statusHandler) Command() byte      { return protocol.CmdStatus }
func (h *statusHandler) RequiresAuth() bool { return false }

func (h *statusHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	return protocol.StatusOK, map[string]string{
		"status": "ready",
		"serial": st.SerialNumber,
		"model":  st.Model,
	}
}

// loginHandler authenticates an operator and opens the fiscal day when it is closed
type loginHandler struct{}

func (h *loginHandler) Command() byte      { return protocol.CmdOperatorLogin }
func (h *loginHandler) RequiresAuth() bool { return false }

func (h *loginHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	fields, err := protocol.DecodeFields(req.Data)
	if err != nil || len(fields) != 3 {
		return protocol.StatusSyntax, errorEcho("login needs code, password and till")
	}
	code, password, till := fields[0], fields[1], fields[2]

	st.mutex.Lock()
	defer st.mutex.Unlock()

	want, known := st.Operators[code]
	if !known || want != password {
		log.Debugf("Simulator: login refused for operator %s", code)
		st.Authenticated = false
		return protocol.StatusBadCredentials, errorEcho("wrong operator code or password")
	}

	st.Authenticated = true
	st.OperatorCode = code
	st.Till = till
	st.Logins++

	if !st.DayOpen {
		st.DayOpen = true
		st.OpenedAt = time.Now()
		log.Infof("Simulator: fiscal day %d opened by operator %s", st.DayNumber, code)
	}

	return protocol.StatusOK, map[string]string{
		"operator": code,
		"till":     till,
		"day":      strconv.Itoa(st.DayNumber),
	}
}

// drawerHandler kicks the cash drawer
type drawerHandler struct{}

func (h *drawerHandler) Command() byte      { return protocol.CmdDrawer }
func (h *drawerHandler) RequiresAuth() bool { return false }

func (h *drawerHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	st.DrawerKicks++
	return protocol.StatusOK, map[string]string{"drawer": "open"}
}

// reportHandler prints X and Z reports. A Z report closes the day and opens
// the next one.
type reportHandler struct{}

func (h *reportHandler) Command() byte      { return protocol.CmdDailyReport }
func (h *reportHandler) RequiresAuth() bool { return true }

func (h *reportHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	fields, err := protocol.DecodeFields(req.Data)
	if err != nil || len(fields) == 0 {
		return protocol.StatusSyntax, errorEcho("report type required")
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	echo := map[string]string{
		"report":   fields[0],
		"day":      strconv.Itoa(st.DayNumber),
		"receipts": strconv.Itoa(st.Receipts),
		"total":    st.DayTotal.StringFixed(2),
	}

	switch fields[0] {
	case protocol.ReportX:
		st.XReports++
		st.LastXReport = time.Now()
		// the last receipt can no longer be voided once a report follows it
		st.LastReceipt = nil
		return protocol.StatusOK, echo

	case protocol.ReportZ:
		if !st.DayOpen {
			return protocol.StatusInvalidState, errorEcho("fiscal day is not open")
		}
		st.ZReports++
		st.LastZReport = time.Now()
		st.DayNumber++
		st.Receipts = 0
		st.DayTotal = decimal.Zero
		st.LastReceipt = nil
		st.OpenedAt = st.LastZReport
		log.Infof("Simulator: Z report printed, fiscal day %d opened", st.DayNumber)
		return protocol.StatusOK, echo

	default:
		return protocol.StatusSyntax, errorEcho("unknown report type " + fields[0])
	}
}

// saleHandler prints a fiscal receipt
type saleHandler struct{}

func (h *saleHandler) Command() byte      { return protocol.CmdSale }
func (h *saleHandler) RequiresAuth() bool { return true }

func (h *saleHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	ref, sale, err := protocol.DecodeSale(req.Data)
	if err != nil {
		log.Debugf("Simulator: bad sale frame: %v", err)
		return protocol.StatusSyntax, errorEcho(err.Error())
	}
	if len(sale.Items) == 0 {
		return protocol.StatusSyntax, errorEcho("receipt has no items")
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	if !st.DayOpen {
		return protocol.StatusInvalidState, errorEcho("fiscal day is not open")
	}

	total := sale.Total()
	st.ReceiptCount++
	st.Receipts++
	st.Sales++
	st.DayTotal = st.DayTotal.Add(total)
	st.LastReceipt = &Receipt{
		Number:   st.ReceiptCount,
		Total:    total,
		MemberID: sale.MemberID,
		Ref:      ref,
		Printed:  time.Now(),
	}

	if ref != "" {
		log.Infof("Simulator: receipt %d printed as repeat of %s", st.ReceiptCount, ref)
	}

	return protocol.StatusOK, map[string]string{
		"receipt": strconv.Itoa(st.ReceiptCount),
		"total":   total.StringFixed(2),
		"day":     strconv.Itoa(st.DayNumber),
	}
}

// voidHandler cancels the last receipt
type voidHandler struct{}

func (h *voidHandler) Command() byte      { return protocol.CmdVoid }
func (h *voidHandler) RequiresAuth() bool { return true }

func (h *voidHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	last := st.LastReceipt
	if last == nil || last.Voided {
		return protocol.StatusNothingToVoid, errorEcho("no receipt to void")
	}

	last.Voided = true
	st.Voids++
	st.Receipts++
	st.DayTotal = st.DayTotal.Sub(last.Total)

	return protocol.StatusOK, map[string]string{
		"receipt": strconv.Itoa(last.Number),
		"voided":  last.Total.StringFixed(2),
		"day":     strconv.Itoa(st.DayNumber),
	}
}

// dayInfoHandler reports the fiscal day so the host can resynchronize
type dayInfoHandler struct{}

func (h *dayInfoHandler) Command() byte      { return protocol.CmdDayInfo }
func (h *dayInfoHandler) RequiresAuth() bool { return false }

func (h *dayInfoHandler) Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	echo := map[string]string{
		"open":     "0",
		"day":      strconv.Itoa(st.DayNumber),
		"receipts": strconv.Itoa(st.Receipts),
		"total":    st.DayTotal.StringFixed(2),
		"openedAt": formatTime(st.OpenedAt),
		"lastZ":    formatTime(st.LastZReport),
		"lastX":    formatTime(st.LastXReport),
	}
	if st.DayOpen {
		echo["open"] = "1"
	}
	return protocol.StatusOK, echo
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
