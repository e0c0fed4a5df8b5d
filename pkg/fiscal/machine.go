package fiscal

import (
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// DayState is the fiscal day as seen by the bridge
type DayState struct {
	IsOpen        bool            `json:"isOpen"`
	DayNumber     int             `json:"dayNumber"`
	OpenedAt      time.Time       `json:"openedAt,omitempty"`
	LastXReportAt time.Time       `json:"lastXReportAt,omitempty"`
	LastZReportAt time.Time       `json:"lastZReportAt,omitempty"`
	Transactions  int             `json:"transactions"`
	Total         decimal.Decimal `json:"total"`
}

// Ambiguity records a non-idempotent command whose outcome is unknown
type Ambiguity struct {
	CommandID string       `json:"commandId"`
	Kind      command.Kind `json:"kind"`
	At        time.Time    `json:"at"`
}

// Admission is returned by Begin for an accepted command
type Admission struct {
	// OriginalID is the id of the ambiguous command a forced command repeats
	OriginalID string
}

// Snapshot is a point-in-time view of the machine
type Snapshot struct {
	Phase     Phase          `json:"phase"`
	Day       DayState       `json:"day"`
	Voidable  bool           `json:"voidable"`
	Ambiguity *Ambiguity     `json:"ambiguity,omitempty"`
	Policy    EmptyDayPolicy `json:"emptyDayPolicy"`
}

// Observer is told about every change of the fiscal state
type Observer interface {
	NotifyDayChange(snap Snapshot)
}

// Machine enforces the fiscal command preconditions. Commands are admitted
// one at a time with Begin and settled with Complete, Abort or MarkAmbiguous.
type Machine struct {
	policy    EmptyDayPolicy
	phase     Phase
	resume    Phase
	inFlight  *command.BridgeCommand
	day       DayState
	voidable  bool
	lastSale  decimal.Decimal
	ambiguity *Ambiguity
	observers []Observer
	mutex     sync.Mutex
}

// NewMachine creates a machine with the day closed
func NewMachine(policy EmptyDayPolicy) *Machine {
	return &Machine{
		policy: policy,
		phase:  PhaseDayClosed,
		day:    DayState{Total: decimal.Zero},
	}
}

// AddObserver registers an observer of state changes
func (m *Machine) AddObserver(o Observer) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.observers = append(m.observers, o)
}

// Begin checks the preconditions of cmd and moves into the in-progress phase
// for receipt and report commands
func (m *Machine) Begin(cmd command.BridgeCommand) (Admission, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.inFlight != nil {
		return Admission{}, command.Errorf(command.ErrInvalidState,
			"%s is still in progress", m.inFlight.Kind)
	}

	var adm Admission
	forced := false
	if !cmd.Kind.Idempotent() && m.ambiguity != nil {
		if !cmd.Force {
			return Admission{}, command.Errorf(command.ErrAmbiguousFailure,
				"outcome of %s %s is unknown; check the device and resend with force",
				m.ambiguity.Kind, m.ambiguity.CommandID)
		}
		forced = true
		// only a repeat of the same kind refers to the ambiguous command
		if cmd.Kind == m.ambiguity.Kind {
			adm.OriginalID = m.ambiguity.CommandID
		}
	}

	next := m.phase
	switch cmd.Kind {
	case command.KindProcessSale:
		if m.phase != PhaseDayOpen {
			return Admission{}, command.Errorf(command.ErrInvalidState, "cannot sell while %s", m.phase)
		}
		next = PhaseSaleInProgress

	case command.KindVoidReceipt:
		if m.phase != PhaseDayOpen {
			return Admission{}, command.Errorf(command.ErrInvalidState, "cannot void while %s", m.phase)
		}
		if !m.voidable {
			return Admission{}, command.Errorf(command.ErrNothingToVoid,
				"void is only allowed directly after a sale")
		}
		next = PhaseSaleInProgress

	case command.KindPrintXReport:
		next = PhaseReportInProgress

	case command.KindPrintZReport:
		if m.phase != PhaseDayOpen {
			return Admission{}, command.Errorf(command.ErrInvalidState, "cannot close the day while %s", m.phase)
		}
		if m.policy == EmptyDayReject && m.day.Transactions == 0 {
			return Admission{}, command.Errorf(command.ErrInvalidState,
				"day %d has no transactions and empty Z reports are rejected", m.day.DayNumber)
		}
		next = PhaseReportInProgress
	}

	if forced {
		log.Warnf("Fiscal: %s %s forced after ambiguous %s %s",
			cmd.Kind, cmd.ID, m.ambiguity.Kind, m.ambiguity.CommandID)
		m.ambiguity = nil
	}

	c := cmd
	m.inFlight = &c
	m.resume = m.phase
	m.phase = next
	return adm, nil
}

// Complete applies the effect of a command the device confirmed. amount is
// the receipt total for sales.
func (m *Machine) Complete(cmd command.BridgeCommand, amount decimal.Decimal) {
	m.mutex.Lock()
	now := time.Now()

	switch cmd.Kind {
	case command.KindProcessSale:
		m.day.Transactions++
		m.day.Total = m.day.Total.Add(amount)
		m.voidable = true
		m.lastSale = amount
		m.phase = PhaseDayOpen

	case command.KindVoidReceipt:
		m.day.Transactions++
		m.day.Total = m.day.Total.Sub(m.lastSale)
		m.voidable = false
		m.phase = PhaseDayOpen

	case command.KindPrintXReport:
		m.day.LastXReportAt = now
		m.voidable = false
		m.phase = m.resume

	case command.KindPrintZReport:
		log.Infof("Fiscal: day %d closed with %d transactions, total %s",
			m.day.DayNumber, m.day.Transactions, m.day.Total.StringFixed(2))
		m.day = DayState{
			IsOpen:        true,
			DayNumber:     m.day.DayNumber + 1,
			OpenedAt:      now,
			LastXReportAt: m.day.LastXReportAt,
			LastZReportAt: now,
			Total:         decimal.Zero,
		}
		m.voidable = false
		m.phase = PhaseDayOpen

	case command.KindSetOperator:
		if m.phase == PhaseDayClosed {
			m.openDay(now)
		}
	}

	m.inFlight = nil
	m.unlockAndNotify()
}

// Abort settles a command the device definitely did not carry out
func (m *Machine) Abort(cmd command.BridgeCommand) {
	m.mutex.Lock()
	if m.inFlight != nil && m.inFlight.ID == cmd.ID {
		m.phase = m.resume
		m.inFlight = nil
	}
	m.unlockAndNotify()
}

// MarkAmbiguous settles a command whose outcome is unknown. Voiding is no
// longer allowed and non-idempotent commands need force until an operator
// confirms the device state.
func (m *Machine) MarkAmbiguous(cmd command.BridgeCommand) {
	m.mutex.Lock()
	if m.inFlight != nil && m.inFlight.ID == cmd.ID {
		m.phase = m.resume
		m.inFlight = nil
	}
	m.voidable = false
	if !cmd.Kind.Idempotent() {
		m.ambiguity = &Ambiguity{CommandID: cmd.ID, Kind: cmd.Kind, At: time.Now()}
		log.Warnf("Fiscal: %s %s has unknown outcome", cmd.Kind, cmd.ID)
	}
	m.unlockAndNotify()
}

// ResolveAmbiguity clears the unresolved ambiguity of command id after an
// operator has checked the device. No command is sent.
func (m *Machine) ResolveAmbiguity(id string) error {
	m.mutex.Lock()
	if m.ambiguity == nil || m.ambiguity.CommandID != id {
		m.mutex.Unlock()
		return command.Errorf(command.ErrNotFound, "no unresolved ambiguity for command %q", id)
	}
	log.Infof("Fiscal: ambiguity of %s %s resolved by operator", m.ambiguity.Kind, id)
	m.ambiguity = nil
	m.unlockAndNotify()
	return nil
}

func (m *Machine) openDay(now time.Time) {
	if m.day.DayNumber == 0 {
		m.day.DayNumber = 1
	}
	m.day.IsOpen = true
	m.day.OpenedAt = now
	m.phase = PhaseDayOpen
	log.Infof("Fiscal: day %d open", m.day.DayNumber)
}

// OpenDay opens the fiscal day if it is closed
func (m *Machine) OpenDay() {
	m.mutex.Lock()
	if m.phase == PhaseDayClosed {
		m.openDay(time.Now())
	}
	m.unlockAndNotify()
}

// Restore replaces the tracked day with what the device reports. It is used
// once after start, before the first command.
func (m *Machine) Restore(day DayState) {
	m.mutex.Lock()
	m.day = day
	if m.day.Total.IsZero() {
		m.day.Total = decimal.Zero
	}
	m.voidable = false
	if day.IsOpen {
		m.phase = PhaseDayOpen
	} else {
		m.phase = PhaseDayClosed
	}
	log.Infof("Fiscal: restored day %d from device (open=%v, transactions=%d)",
		day.DayNumber, day.IsOpen, day.Transactions)
	m.unlockAndNotify()
}

// Shutdown closes the tracked day; no further commands are admitted
func (m *Machine) Shutdown() {
	m.mutex.Lock()
	m.phase = PhaseDayClosed
	m.day.IsOpen = false
	m.voidable = false
	m.unlockAndNotify()
}

// Snapshot returns the current view
func (m *Machine) Snapshot() Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:    m.phase,
		Day:      m.day,
		Voidable: m.voidable,
		Policy:   m.policy,
	}
	if m.ambiguity != nil {
		a := *m.ambiguity
		snap.Ambiguity = &a
	}
	return snap
}

func (m *Machine) unlockAndNotify() {
	snap := m.snapshotLocked()
	observers := append([]Observer(nil), m.observers...)
	m.mutex.Unlock()

	for _, o := range observers {
		o.NotifyDayChange(snap)
	}
}
