package fiscal

import (
	"encoding/json"
	"testing"

	"github.com/jwoglom/fiscalbridge/pkg/command"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMachine(t *testing.T, policy EmptyDayPolicy) *Machine {
	t.Helper()
	m := NewMachine(policy)
	run(t, m, command.NewSetOperator(command.Operator{Code: "0001", Password: "1", Till: "I"}), decimal.Zero)
	require.Equal(t, PhaseDayOpen, m.Snapshot().Phase)
	return m
}

func run(t *testing.T, m *Machine, cmd command.BridgeCommand, amount decimal.Decimal) {
	t.Helper()
	_, err := m.Begin(cmd)
	require.NoError(t, err)
	m.Complete(cmd, amount)
}

func sale() command.BridgeCommand {
	return command.NewSale(command.SaleRequest{PaymentType: command.PaymentCash})
}

var eight = decimal.RequireFromString("8.00")

// TestSaleRequiresOpenDay checks the DayClosed precondition
func TestSaleRequiresOpenDay(t *testing.T) {
	m := NewMachine(EmptyDayAllow)

	_, err := m.Begin(sale())
	assert.Equal(t, command.ErrInvalidState, command.KindOf(err))
}

// TestPingDoesNotChangeDay checks that repeated pings leave the day untouched
func TestPingDoesNotChangeDay(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)
	run(t, m, sale(), eight)
	before := m.Snapshot()

	for i := 0; i < 10; i++ {
		run(t, m, command.New(command.KindPing), decimal.Zero)
	}

	after := m.Snapshot()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.Day.Transactions, after.Day.Transactions)
	assert.True(t, before.Day.Total.Equal(after.Day.Total))
	assert.True(t, after.Voidable)
}

// TestVoidWindow checks that void is allowed only directly after a sale
func TestVoidWindow(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)

	_, err := m.Begin(command.New(command.KindVoidReceipt))
	assert.Equal(t, command.ErrNothingToVoid, command.KindOf(err))

	run(t, m, sale(), eight)
	run(t, m, command.New(command.KindVoidReceipt), decimal.Zero)
	assert.True(t, m.Snapshot().Day.Total.IsZero())

	_, err = m.Begin(command.New(command.KindVoidReceipt))
	assert.Equal(t, command.ErrNothingToVoid, command.KindOf(err))

	run(t, m, sale(), eight)
	run(t, m, command.New(command.KindPrintXReport), decimal.Zero)
	_, err = m.Begin(command.New(command.KindVoidReceipt))
	assert.Equal(t, command.ErrNothingToVoid, command.KindOf(err))
}

// TestZReportResetsDay checks the Z boundary
func TestZReportResetsDay(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)
	run(t, m, sale(), eight)
	day := m.Snapshot().Day.DayNumber

	run(t, m, command.New(command.KindPrintZReport), decimal.Zero)

	snap := m.Snapshot()
	assert.Equal(t, PhaseDayOpen, snap.Phase)
	assert.Equal(t, day+1, snap.Day.DayNumber)
	assert.Equal(t, 0, snap.Day.Transactions)
	assert.True(t, snap.Day.Total.IsZero())
	assert.False(t, snap.Day.LastZReportAt.IsZero())
	assert.False(t, snap.Voidable)
}

// TestEmptyDayPolicy checks two Z reports in a row under both policies
func TestEmptyDayPolicy(t *testing.T) {
	allow := openMachine(t, EmptyDayAllow)
	run(t, allow, sale(), eight)
	run(t, allow, command.New(command.KindPrintZReport), decimal.Zero)
	run(t, allow, command.New(command.KindPrintZReport), decimal.Zero)
	assert.Equal(t, 3, allow.Snapshot().Day.DayNumber)

	reject := openMachine(t, EmptyDayReject)
	run(t, reject, sale(), eight)
	run(t, reject, command.New(command.KindPrintZReport), decimal.Zero)
	_, err := reject.Begin(command.New(command.KindPrintZReport))
	assert.Equal(t, command.ErrInvalidState, command.KindOf(err))
	assert.Equal(t, 2, reject.Snapshot().Day.DayNumber)
}

// TestOneCommandAtATime checks that a second command is refused while one is in progress
func TestOneCommandAtATime(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)

	first := sale()
	_, err := m.Begin(first)
	require.NoError(t, err)
	assert.Equal(t, PhaseSaleInProgress, m.Snapshot().Phase)

	_, err = m.Begin(command.New(command.KindPrintXReport))
	assert.Equal(t, command.ErrInvalidState, command.KindOf(err))

	m.Abort(first)
	assert.Equal(t, PhaseDayOpen, m.Snapshot().Phase)
	assert.Equal(t, 0, m.Snapshot().Day.Transactions)
}

// TestAmbiguousRequiresForce checks the force gate after an unknown outcome
func TestAmbiguousRequiresForce(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)

	lost := sale()
	_, err := m.Begin(lost)
	require.NoError(t, err)
	m.MarkAmbiguous(lost)

	snap := m.Snapshot()
	require.NotNil(t, snap.Ambiguity)
	assert.Equal(t, lost.ID, snap.Ambiguity.CommandID)
	assert.Equal(t, PhaseDayOpen, snap.Phase)

	_, err = m.Begin(command.New(command.KindVoidReceipt))
	assert.Equal(t, command.ErrAmbiguousFailure, command.KindOf(err))
	_, err = m.Begin(sale())
	assert.Equal(t, command.ErrAmbiguousFailure, command.KindOf(err))

	// idempotent commands are unaffected
	run(t, m, command.New(command.KindPing), decimal.Zero)

	retry := sale()
	retry.Force = true
	adm, err := m.Begin(retry)
	require.NoError(t, err)
	assert.Equal(t, lost.ID, adm.OriginalID)
	m.Complete(retry, eight)

	assert.Nil(t, m.Snapshot().Ambiguity)
	_, err = m.Begin(sale())
	assert.NoError(t, err)
}

// TestRestore checks resynchronization from device day info
func TestRestore(t *testing.T) {
	m := NewMachine(EmptyDayReject)
	m.Restore(DayState{IsOpen: true, DayNumber: 41, Transactions: 3, Total: decimal.RequireFromString("24.50")})

	snap := m.Snapshot()
	assert.Equal(t, PhaseDayOpen, snap.Phase)
	assert.Equal(t, 41, snap.Day.DayNumber)
	assert.False(t, snap.Voidable)

	_, err := m.Begin(command.New(command.KindPrintZReport))
	assert.NoError(t, err)
}

type countingObserver struct {
	calls int
	last  Snapshot
}

func (o *countingObserver) NotifyDayChange(snap Snapshot) {
	o.calls++
	o.last = snap
}

// TestObserver checks that observers see settled states
func TestObserver(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)
	o := &countingObserver{}
	m.AddObserver(o)

	run(t, m, sale(), eight)
	assert.Equal(t, 1, o.calls)
	assert.Equal(t, 1, o.last.Day.Transactions)

	m.Shutdown()
	assert.Equal(t, PhaseDayClosed, o.last.Phase)
}

// TestParseEmptyDayPolicy checks policy names
func TestParseEmptyDayPolicy(t *testing.T) {
	p, err := ParseEmptyDayPolicy(" Reject ")
	require.NoError(t, err)
	assert.Equal(t, EmptyDayReject, p)

	_, err = ParseEmptyDayPolicy("sometimes")
	assert.Error(t, err)
}

// TestForcedOtherKindDoesNotClaimOriginal checks that a forced command of a
// different kind clears the ambiguity without referring to the lost command
func TestForcedOtherKindDoesNotClaimOriginal(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)
	run(t, m, sale(), eight)

	lost := sale()
	_, err := m.Begin(lost)
	require.NoError(t, err)
	m.MarkAmbiguous(lost)

	z := command.New(command.KindPrintZReport)
	_, err = m.Begin(z)
	assert.Equal(t, command.ErrAmbiguousFailure, command.KindOf(err))

	z.Force = true
	adm, err := m.Begin(z)
	require.NoError(t, err)
	assert.Empty(t, adm.OriginalID)
	assert.Nil(t, m.Snapshot().Ambiguity)
	m.Complete(z, decimal.Zero)
}

// TestResolveAmbiguity clears the gate without sending anything
func TestResolveAmbiguity(t *testing.T) {
	m := openMachine(t, EmptyDayAllow)

	lost := sale()
	_, err := m.Begin(lost)
	require.NoError(t, err)
	m.MarkAmbiguous(lost)

	assert.Equal(t, command.ErrNotFound, command.KindOf(m.ResolveAmbiguity("other")))
	require.NotNil(t, m.Snapshot().Ambiguity)

	require.NoError(t, m.ResolveAmbiguity(lost.ID))
	assert.Nil(t, m.Snapshot().Ambiguity)

	adm, err := m.Begin(sale())
	require.NoError(t, err)
	assert.Empty(t, adm.OriginalID)

	assert.Equal(t, command.ErrNotFound, command.KindOf(m.ResolveAmbiguity(lost.ID)))
}

// TestSnapshotJSON decodes a snapshot back into its own type
func TestSnapshotJSON(t *testing.T) {
	m := openMachine(t, EmptyDayReject)

	data, err := json.Marshal(m.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase":"DayOpen"`)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, PhaseDayOpen, snap.Phase)
	assert.Equal(t, EmptyDayReject, snap.Policy)

	for phase := range phaseNames {
		text, err := phase.MarshalText()
		require.NoError(t, err)
		var back Phase
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, phase, back)
	}

	var bad Phase
	assert.Error(t, bad.UnmarshalText([]byte("Lunch")))
}
