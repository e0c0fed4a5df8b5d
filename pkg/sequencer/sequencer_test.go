package sequencer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/session"
	"github.com/jwoglom/fiscalbridge/pkg/simulator"
	"github.com/jwoglom/fiscalbridge/pkg/transport"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	operator = command.Operator{Code: "0001", Password: "1", Till: "I"}
	rates    = command.VATRates{
		command.VATClassA: decimal.NewFromInt(20),
		command.VATClassB: decimal.NewFromInt(20),
		command.VATClassC: decimal.NewFromInt(9),
	}
	fastRetry = session.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
		BackoffMultiplier: 2,
	}
)

type bridge struct {
	seq     *Sequencer
	session *session.Session
	device  *simulator.Device
	machine *fiscal.Machine
}

func newBridge(t *testing.T, policy fiscal.EmptyDayPolicy, latency time.Duration, depth int) *bridge {
	t.Helper()

	device := simulator.NewDevice(latency)
	sess := session.New(transport.NewSim(device, time.Second), session.Config{
		IOTimeout: 500 * time.Millisecond,
		Reconnect: fastRetry,
	})
	machine := fiscal.NewMachine(policy)
	seq := New(sess, machine, Config{
		QueueDepth:        depth,
		IdempotentRetries: 2,
		Retry:             fastRetry,
		ResultTTL:         time.Minute,
		VATRates:          rates,
	})
	seq.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		seq.Stop(ctx)
	})

	return &bridge{seq: seq, session: sess, device: device, machine: machine}
}

func (b *bridge) run(t *testing.T, cmd command.BridgeCommand) command.CommandResult {
	t.Helper()

	p, err := b.seq.Submit(cmd)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := p.Wait(ctx)
	require.NoError(t, err)
	return r
}

func (b *bridge) login(t *testing.T) {
	t.Helper()
	r := b.run(t, command.NewSetOperator(operator))
	require.True(t, r.Success, r.Message)
}

func kave() command.BridgeCommand {
	return command.NewSale(command.SaleRequest{
		Items: []command.SaleItem{{
			Name:      "Kave",
			UnitPrice: decimal.RequireFromString("8.00"),
			Qty:       decimal.NewFromInt(1),
			VATClass:  command.VATClassC,
		}},
		PaymentType: command.PaymentCash,
	})
}

type orderObserver struct {
	mutex sync.Mutex
	ids   []string
}

func (o *orderObserver) NotifyQueued(cmd command.BridgeCommand, depth int) {}

func (o *orderObserver) NotifyResult(result command.CommandResult, elapsed time.Duration) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.ids = append(o.ids, result.CommandID)
}

// TestFullScenario runs setOperator, a sale and a Z report
func TestFullScenario(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)

	b.login(t)

	r := b.run(t, kave())
	require.True(t, r.Success, r.Message)
	assert.Equal(t, "8.00", r.Data["total"])

	r = b.run(t, command.New(command.KindPrintZReport))
	require.True(t, r.Success, r.Message)

	snap := b.machine.Snapshot()
	assert.Equal(t, fiscal.PhaseDayOpen, snap.Phase)
	assert.Equal(t, 2, snap.Day.DayNumber)
	assert.Equal(t, 0, snap.Day.Transactions)
	assert.True(t, snap.Day.Total.IsZero())

	dev := b.device.State().Snapshot()
	assert.Equal(t, 1, dev.ZReports)
	assert.Equal(t, 2, dev.DayNumber)
}

// TestSubmissionOrder checks that queued commands resolve in submission order
func TestSubmissionOrder(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 2*time.Millisecond, 16)
	o := &orderObserver{}
	b.seq.AddObserver(o)

	var pending []*Pending
	var want []string
	for i := 0; i < 10; i++ {
		kind := command.KindPing
		if i%3 == 0 {
			kind = command.KindOpenDrawer
		}
		p, err := b.seq.Submit(command.New(kind))
		require.NoError(t, err)
		pending = append(pending, p)
		want = append(want, p.Command.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range pending {
		r, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.True(t, r.Success, r.Message)
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()
	assert.Equal(t, want, o.ids)
}

// TestPingsKeepDayState checks that pings have no fiscal effect
func TestPingsKeepDayState(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)
	require.True(t, b.run(t, kave()).Success)

	before := b.machine.Snapshot()
	devBefore := b.device.State().Snapshot()

	for i := 0; i < 20; i++ {
		r := b.run(t, command.New(command.KindPing))
		require.True(t, r.Success, r.Message)
	}

	after := b.machine.Snapshot()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.Day.Transactions, after.Day.Transactions)
	assert.True(t, before.Day.Total.Equal(after.Day.Total))
	assert.Equal(t, before.Voidable, after.Voidable)

	devAfter := b.device.State().Snapshot()
	assert.Equal(t, devBefore.Receipts, devAfter.Receipts)
	assert.True(t, devBefore.DayTotal.Equal(devAfter.DayTotal))
}

// TestSalesAreNeverDeduplicated checks that identical sales print twice
func TestSalesAreNeverDeduplicated(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)

	first := b.run(t, kave())
	second := b.run(t, kave())
	require.True(t, first.Success)
	require.True(t, second.Success)

	assert.NotEqual(t, first.Data["receipt"], second.Data["receipt"])
	assert.Equal(t, 2, b.device.State().Snapshot().Sales)
	assert.Equal(t, 2, b.machine.Snapshot().Day.Transactions)
}

// TestSameIDReturnsCachedResult checks the result window
func TestSameIDReturnsCachedResult(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)

	cmd := kave().WithID("sale-1")
	first := b.run(t, cmd)
	again := b.run(t, cmd)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, b.device.State().Snapshot().Sales)

	r, inFlight, found := b.seq.Lookup("sale-1")
	assert.True(t, found)
	assert.False(t, inFlight)
	assert.Equal(t, first.Data["receipt"], r.Data["receipt"])
}

// TestTwoZReports checks the empty-day policies
func TestTwoZReports(t *testing.T) {
	allow := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	allow.login(t)
	require.True(t, allow.run(t, command.New(command.KindPrintZReport)).Success)
	require.True(t, allow.run(t, command.New(command.KindPrintZReport)).Success)
	assert.Equal(t, 2, allow.device.State().Snapshot().ZReports)

	reject := newBridge(t, fiscal.EmptyDayReject, 0, 16)
	reject.login(t)
	require.True(t, reject.run(t, kave()).Success)
	require.True(t, reject.run(t, command.New(command.KindPrintZReport)).Success)

	r := reject.run(t, command.New(command.KindPrintZReport))
	assert.False(t, r.Success)
	assert.Equal(t, command.ErrInvalidState, r.ErrorKind)
	assert.Equal(t, 1, reject.device.State().Snapshot().ZReports)
}

// TestVoidWithoutSale checks that a void with nothing to void never reaches the device
func TestVoidWithoutSale(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)

	r := b.run(t, command.New(command.KindVoidReceipt))
	assert.False(t, r.Success)
	assert.Equal(t, command.ErrNothingToVoid, r.ErrorKind)
	assert.Equal(t, 0, r.Attempts)
	assert.Equal(t, 0, b.device.State().Snapshot().Voids)

	require.True(t, b.run(t, kave()).Success)
	r = b.run(t, command.New(command.KindVoidReceipt))
	assert.True(t, r.Success, r.Message)
}

// TestDropMidSale checks the ambiguous path and the automatic reconnect
func TestDropMidSale(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)

	require.NoError(t, b.device.Faults().Once("Sale", simulator.Behavior{Action: simulator.ActionDrop}))

	lost := kave()
	r := b.run(t, lost)
	assert.False(t, r.Success)
	assert.Equal(t, command.ErrAmbiguousFailure, r.ErrorKind)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, 1, b.device.State().Snapshot().Sales)

	// ping reconnects and replays the operator without a new setOperator
	r = b.run(t, command.New(command.KindPing))
	require.True(t, r.Success, r.Message)
	assert.Equal(t, session.StateIdle, b.session.State())
	assert.Equal(t, 2, b.device.State().Snapshot().Logins)
	assert.True(t, b.device.State().IsAuthenticated())

	// a new sale needs confirmation
	r = b.run(t, kave())
	assert.Equal(t, command.ErrAmbiguousFailure, r.ErrorKind)
	assert.Equal(t, 1, b.device.State().Snapshot().Sales)

	forced := kave()
	forced.Force = true
	r = b.run(t, forced)
	require.True(t, r.Success, r.Message)
	assert.Equal(t, lost.ID, r.Data["originalId"])
	assert.Equal(t, 2, b.device.State().Snapshot().Sales)
}

// TestIdempotentCommandIsResent checks automatic retry after an ambiguous ping
func TestIdempotentCommandIsResent(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)

	require.NoError(t, b.device.Faults().Once("Status", simulator.Behavior{Action: simulator.ActionCorrupt}))

	r := b.run(t, command.New(command.KindPing))
	require.True(t, r.Success, r.Message)
	assert.Equal(t, 2, r.Attempts)
}

// TestOperatorRequired checks that operator commands fail before login
func TestOperatorRequired(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)

	r := b.run(t, kave())
	assert.Equal(t, command.ErrAuth, r.ErrorKind)

	r = b.run(t, command.NewSetOperator(command.Operator{Code: "0001", Password: "wrong", Till: "I"}))
	assert.Equal(t, command.ErrAuth, r.ErrorKind)

	r = b.run(t, command.New(command.KindPing))
	assert.True(t, r.Success, r.Message)
}

// TestDeviceOffline checks that an unreachable device is a ConnectError
func TestDeviceOffline(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.device.SetOnline(false)

	r := b.run(t, command.New(command.KindPing))
	assert.False(t, r.Success)
	assert.Equal(t, command.ErrConnect, r.ErrorKind)

	b.device.SetOnline(true)
	r = b.run(t, command.New(command.KindPing))
	assert.True(t, r.Success, r.Message)
}

// TestQueueFull checks that a full queue rejects immediately
func TestQueueFull(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 200*time.Millisecond, 2)

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		_, err = b.seq.Submit(command.New(command.KindPing))
	}
	require.Error(t, err)
	assert.Equal(t, command.ErrQueueFull, command.KindOf(err))
	assert.Equal(t, 1, b.seq.GetStats()["rejected"])
}

// TestWaitGivesUpWithoutCanceling checks the in-flight path
func TestWaitGivesUpWithoutCanceling(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)
	b.login(t)
	b.device.SetLatency(200 * time.Millisecond)

	p, err := b.seq.Submit(kave())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, ErrStillInFlight)

	_, inFlight, found := b.seq.Lookup(p.Command.ID)
	assert.True(t, found)
	assert.True(t, inFlight)

	r, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Success, r.Message)
	assert.Equal(t, 1, b.device.State().Snapshot().Sales)
}

// TestInvalidSaleRejected checks validation at submission
func TestInvalidSaleRejected(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 0, 16)

	cmd := kave()
	cmd.Sale.Items[0].VATClass = command.VATClassH
	_, err := b.seq.Submit(cmd)
	assert.Equal(t, command.ErrInvalidRequest, command.KindOf(err))
}

// TestStopResolvesQueued checks shutdown behavior
func TestStopResolvesQueued(t *testing.T) {
	b := newBridge(t, fiscal.EmptyDayAllow, 50*time.Millisecond, 16)

	var pending []*Pending
	for i := 0; i < 4; i++ {
		p, err := b.seq.Submit(command.New(command.KindPing))
		require.NoError(t, err)
		pending = append(pending, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b.seq.Stop(ctx)

	last, ok := pending[3].Result()
	require.True(t, ok)
	assert.Equal(t, command.ErrShuttingDown, last.ErrorKind)

	_, err := b.seq.Submit(command.New(command.KindPing))
	assert.Equal(t, command.ErrShuttingDown, command.KindOf(err))
}
