package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// DeviceState is the fiscal memory of the simulated device
type DeviceState struct {
	// Identity
	SerialNumber string
	Model        string

	// Operators known to the device: code -> password
	Operators map[string]string

	// Session
	OperatorCode  string
	Till          string
	Authenticated bool

	// Fiscal day
	DayOpen      bool
	DayNumber    int
	OpenedAt     time.Time
	Receipts     int
	DayTotal     decimal.Decimal
	LastReceipt  *Receipt
	LastZReport  time.Time
	LastXReport  time.Time
	ReceiptCount int // lifetime receipt counter, never reset

	// Counters used by tests and the status API
	Logins      int
	DrawerKicks int
	XReports    int
	ZReports    int
	Sales       int
	Voids       int

	mutex sync.RWMutex
}

// Receipt is the last printed receipt
type Receipt struct {
	Number   int
	Total    decimal.Decimal
	MemberID string
	Ref      string
	Voided   bool
	Printed  time.Time
}

// NewDeviceState creates a device with a closed fiscal day and the default
// operator table
func NewDeviceState() *DeviceState {
	return &DeviceState{
		SerialNumber: "DT000001",
		Model:        "FP-700X (simulated)",
		Operators:    DefaultOperators(),
		DayNumber:    1,
		DayTotal:     decimal.Zero,
	}
}

// DefaultOperators returns operators 0001..0016 with passwords "1".."16"
func DefaultOperators() map[string]string {
	ops := make(map[string]string, 16)
	for i := 1; i <= 16; i++ {
		ops[fmt.Sprintf("%04d", i)] = fmt.Sprintf("%d", i)
	}
	return ops
}

// Logout drops the authenticated operator, as the device does when the host
// connection closes
func (ds *DeviceState) Logout() {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	if ds.Authenticated {
		log.Debugf("Simulator: operator %s logged out", ds.OperatorCode)
	}
	ds.Authenticated = false
	ds.OperatorCode = ""
	ds.Till = ""
}

// Snapshot is a copy of the device state safe to hand out
type Snapshot struct {
	SerialNumber  string          `json:"serialNumber"`
	Model         string          `json:"model"`
	OperatorCode  string          `json:"operatorCode,omitempty"`
	Authenticated bool            `json:"authenticated"`
	DayOpen       bool            `json:"dayOpen"`
	DayNumber     int             `json:"dayNumber"`
	Receipts      int             `json:"receipts"`
	DayTotal      decimal.Decimal `json:"dayTotal"`
	Logins        int             `json:"logins"`
	DrawerKicks   int             `json:"drawerKicks"`
	XReports      int             `json:"xReports"`
	ZReports      int             `json:"zReports"`
	Sales         int             `json:"sales"`
	Voids         int             `json:"voids"`
}

// Snapshot returns a copy of the current state
func (ds *DeviceState) Snapshot() Snapshot {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()

	return Snapshot{
		SerialNumber:  ds.SerialNumber,
		Model:         ds.Model,
		OperatorCode:  ds.OperatorCode,
		Authenticated: ds.Authenticated,
		DayOpen:       ds.DayOpen,
		DayNumber:     ds.DayNumber,
		Receipts:      ds.Receipts,
		DayTotal:      ds.DayTotal,
		Logins:        ds.Logins,
		DrawerKicks:   ds.DrawerKicks,
		XReports:      ds.XReports,
		ZReports:      ds.ZReports,
		Sales:         ds.Sales,
		Voids:         ds.Voids,
	}
}

// IsAuthenticated reports whether an operator is logged in
func (ds *DeviceState) IsAuthenticated() bool {
	ds.mutex.RLock()
	defer ds.mutex.RUnlock()
	return ds.Authenticated
}
