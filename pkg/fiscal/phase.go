package fiscal

import (
	"fmt"
	"strings"
)

// Phase is the fiscal phase of the device as tracked by the bridge
type Phase int

const (
	PhaseDayClosed Phase = iota
	PhaseDayOpen
	PhaseSaleInProgress
	PhaseReportInProgress
)

var phaseNames = map[Phase]string{
	PhaseDayClosed:        "DayClosed",
	PhaseDayOpen:          "DayOpen",
	PhaseSaleInProgress:   "SaleInProgress",
	PhaseReportInProgress: "ReportInProgress",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText encodes the phase by name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase from its name
func (p *Phase) UnmarshalText(text []byte) error {
	for phase, name := range phaseNames {
		if name == string(text) {
			*p = phase
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(text))
}

// EmptyDayPolicy decides whether a Z report may close a day without transactions
type EmptyDayPolicy string

const (
	EmptyDayAllow  EmptyDayPolicy = "allow"
	EmptyDayReject EmptyDayPolicy = "reject"
)

// ParseEmptyDayPolicy parses a policy name
func ParseEmptyDayPolicy(s string) (EmptyDayPolicy, error) {
	switch EmptyDayPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case EmptyDayAllow:
		return EmptyDayAllow, nil
	case EmptyDayReject:
		return EmptyDayReject, nil
	default:
		return "", fmt.Errorf("unknown empty day policy %q (valid: allow, reject)", s)
	}
}
