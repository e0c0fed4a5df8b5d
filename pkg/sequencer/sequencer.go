package sequencer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/protocol"
	"github.com/jwoglom/fiscalbridge/pkg/session"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Device is the session the sequencer drives
type Device interface {
	Send(ctx context.Context, req protocol.Request) (*protocol.Frame, error)
	Login(ctx context.Context, op command.Operator) (*protocol.Frame, error)
	Recover(ctx context.Context) error
	Operator() (command.Operator, bool)
}

// Observer is told about queued and resolved commands
type Observer interface {
	NotifyQueued(cmd command.BridgeCommand, depth int)
	NotifyResult(result command.CommandResult, elapsed time.Duration)
}

// Config holds sequencer limits
type Config struct {
	// QueueDepth is the number of commands that may wait behind the running one
	QueueDepth int
	// IdempotentRetries is how often an idempotent command is resent after an
	// ambiguous failure
	IdempotentRetries int
	// Retry spaces the resends
	Retry session.RetryConfig
	// ResultTTL is how long results stay available by command id
	ResultTTL time.Duration
	// VATRates are the configured tax group rates sales are validated against
	VATRates command.VATRates
}

type job struct {
	pending  *Pending
	queuedAt time.Time
}

type cachedResult struct {
	result command.CommandResult
	expiry time.Time
}

// Sequencer serializes commands to one device. A single consumer takes
// commands in submission order, so at most one is on the wire.
type Sequencer struct {
	config  Config
	device  Device
	machine *fiscal.Machine

	queue     chan *job
	inflight  map[string]*Pending
	results   map[string]cachedResult
	observers []Observer
	synced    bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mutex  sync.Mutex

	submitted int
	succeeded int
	failed    int
	ambiguous int
	rejected  int
}

// New creates a sequencer; call Start to begin processing
func New(device Device, machine *fiscal.Machine, config Config) *Sequencer {
	if config.QueueDepth < 1 {
		config.QueueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		config:   config,
		device:   device,
		machine:  machine,
		queue:    make(chan *job, config.QueueDepth),
		inflight: make(map[string]*Pending),
		results:  make(map[string]cachedResult),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddObserver registers an observer; call before Start
func (s *Sequencer) AddObserver(o Observer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.observers = append(s.observers, o)
}

// Start launches the consumer
func (s *Sequencer) Start() {
	log.Infof("Sequencer started (queue depth %d)", cap(s.queue))
	s.wg.Add(1)
	go s.run()
}

// Stop refuses new commands, resolves queued ones with ShuttingDown and waits
// for the running command to finish. When ctx expires first, the running
// command's context is canceled.
func (s *Sequencer) Stop(ctx context.Context) {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Sequencer: shutdown deadline passed, abandoning running command")
		s.cancel()
		<-done
	}
	s.cancel()
	log.Info("Sequencer stopped")
}

// Submit validates cmd and queues it. Submitting an id that is queued or
// running returns the same Pending; an id resolved within the result window
// returns the cached result. A full queue fails with QueueFull immediately.
func (s *Sequencer) Submit(cmd command.BridgeCommand) (*Pending, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Kind == command.KindProcessSale {
		if err := cmd.Sale.Validate(s.config.VATRates); err != nil {
			return nil, err
		}
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return nil, command.Errorf(command.ErrShuttingDown, "bridge is shutting down")
	}
	if p, ok := s.inflight[cmd.ID]; ok {
		s.mutex.Unlock()
		log.Debugf("Sequencer: %s %s already in flight", cmd.Kind, cmd.ID)
		return p, nil
	}
	if r, ok := s.cachedLocked(cmd.ID); ok {
		s.mutex.Unlock()
		log.Debugf("Sequencer: %s %s answered from result cache", cmd.Kind, cmd.ID)
		return resolvedPending(cmd, r), nil
	}

	p := newPending(cmd)
	select {
	case s.queue <- &job{pending: p, queuedAt: time.Now()}:
	default:
		s.rejected++
		s.mutex.Unlock()
		log.Warnf("Sequencer: queue full, rejecting %s %s", cmd.Kind, cmd.ID)
		return nil, command.Errorf(command.ErrQueueFull, "command queue is full (%d waiting)", cap(s.queue))
	}
	s.inflight[cmd.ID] = p
	s.submitted++
	depth := len(s.queue)
	observers := s.observers
	s.mutex.Unlock()

	log.Debugf("Sequencer: queued %s %s (depth %d)", cmd.Kind, cmd.ID, depth)
	for _, o := range observers {
		o.NotifyQueued(cmd, depth)
	}
	return p, nil
}

// Lookup returns the state of a command by id
func (s *Sequencer) Lookup(id string) (result command.CommandResult, inFlight bool, found bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.inflight[id]; ok {
		return command.CommandResult{}, true, true
	}
	if r, ok := s.cachedLocked(id); ok {
		return r, false, true
	}
	return command.CommandResult{}, false, false
}

func (s *Sequencer) cachedLocked(id string) (command.CommandResult, bool) {
	c, ok := s.results[id]
	if !ok {
		return command.CommandResult{}, false
	}
	if time.Now().After(c.expiry) {
		delete(s.results, id)
		return command.CommandResult{}, false
	}
	return c.result, true
}

// QueueLen returns the number of waiting commands
func (s *Sequencer) QueueLen() int {
	return len(s.queue)
}

// GetStats returns sequencer counters
func (s *Sequencer) GetStats() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return map[string]interface{}{
		"queued":    len(s.queue),
		"capacity":  cap(s.queue),
		"inflight":  len(s.inflight),
		"cached":    len(s.results),
		"submitted": s.submitted,
		"succeeded": s.succeeded,
		"failed":    s.failed,
		"ambiguous": s.ambiguous,
		"rejected":  s.rejected,
		"synced":    s.synced,
	}
}

func (s *Sequencer) run() {
	defer s.wg.Done()

	for j := range s.queue {
		s.mutex.Lock()
		stopped := s.stopped
		s.mutex.Unlock()

		cmd := j.pending.Command
		var result command.CommandResult
		if stopped {
			result = command.Failed(cmd, command.Errorf(command.ErrShuttingDown, "bridge shut down before %s ran", cmd.Kind), 0)
		} else {
			result = s.process(cmd)
		}
		s.finish(j, result)
	}
}

func (s *Sequencer) finish(j *job, result command.CommandResult) {
	now := time.Now()

	s.mutex.Lock()
	delete(s.inflight, result.CommandID)
	for id, c := range s.results {
		if now.After(c.expiry) {
			delete(s.results, id)
		}
	}
	s.results[result.CommandID] = cachedResult{result: result, expiry: now.Add(s.config.ResultTTL)}
	switch {
	case result.Success:
		s.succeeded++
	case result.ErrorKind == command.ErrAmbiguousFailure:
		s.ambiguous++
		s.failed++
	default:
		s.failed++
	}
	observers := s.observers
	s.mutex.Unlock()

	j.pending.resolve(result)

	elapsed := now.Sub(j.queuedAt)
	if result.Success {
		log.Infof("Sequencer: %s %s succeeded in %v (%d attempt(s))", result.Kind, result.CommandID, elapsed, result.Attempts)
	} else {
		log.Warnf("Sequencer: %s %s failed with %s: %s", result.Kind, result.CommandID, result.ErrorKind, result.Message)
	}
	for _, o := range observers {
		o.NotifyResult(result, elapsed)
	}
}

// process runs one command to completion
func (s *Sequencer) process(cmd command.BridgeCommand) command.CommandResult {
	ctx := s.ctx

	if cmd.Kind.RequiresOperator() {
		if _, ok := s.device.Operator(); !ok {
			return command.Failed(cmd, command.Errorf(command.ErrAuth, "no operator logged in; send setOperator first"), 0)
		}
	}

	if err := s.sync(ctx); err != nil {
		return command.Failed(cmd, err, 0)
	}

	adm, err := s.machine.Begin(cmd)
	if err != nil {
		return command.Failed(cmd, err, 0)
	}
	if adm.OriginalID != "" {
		cmd.OriginalID = adm.OriginalID
	}

	send, err := s.sender(cmd)
	if err != nil {
		s.machine.Abort(cmd)
		return command.Failed(cmd, err, 0)
	}

	f, attempts, err := s.execute(ctx, cmd.Kind.Idempotent(), send)
	if err != nil {
		if session.IsAmbiguous(err) && !cmd.Kind.Idempotent() {
			s.machine.MarkAmbiguous(cmd)
			return command.Failed(cmd, command.Wrap(command.ErrAmbiguousFailure, err,
				"outcome unknown; check the device, then resend with force"), attempts)
		}
		s.machine.Abort(cmd)
		return command.Failed(cmd, err, attempts)
	}

	total := decimal.Zero
	if cmd.Kind == command.KindProcessSale {
		total = cmd.Sale.Total()
	}
	s.machine.Complete(cmd, total)

	data, err := protocol.DecodeEcho(f.Data)
	if err != nil {
		log.Warnf("Sequencer: undecodable response data for %s: %v", cmd.Kind, err)
		data = map[string]string{}
	}
	if cmd.OriginalID != "" {
		data["originalId"] = cmd.OriginalID
	}
	return command.Succeeded(cmd, data, attempts)
}

type sendFunc func(ctx context.Context) (*protocol.Frame, error)

func (s *Sequencer) sender(cmd command.BridgeCommand) (sendFunc, error) {
	if cmd.Kind == command.KindSetOperator {
		op := *cmd.Operator
		return func(ctx context.Context) (*protocol.Frame, error) {
			return s.device.Login(ctx, op)
		}, nil
	}

	req, err := protocol.BuildRequest(cmd)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (*protocol.Frame, error) {
		return s.device.Send(ctx, req)
	}, nil
}

// execute sends with the retry policy: failures where nothing reached the
// device are retried for every command, ambiguous failures only for
// idempotent ones
func (s *Sequencer) execute(ctx context.Context, idempotent bool, send sendFunc) (*protocol.Frame, int, error) {
	maxAttempts := 1 + s.config.IdempotentRetries
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.config.Retry.Sleep(ctx, attempt-1); err != nil {
				return nil, attempt - 1, lastErr
			}
		}

		if err := s.device.Recover(ctx); err != nil {
			if lastErr != nil && session.IsAmbiguous(lastErr) {
				return nil, attempt - 1, lastErr
			}
			return nil, attempt - 1, err
		}

		f, err := send(ctx)
		if err == nil {
			return f, attempt, nil
		}
		lastErr = err

		switch {
		case session.IsAmbiguous(err):
			if !idempotent {
				return nil, attempt, err
			}
			log.Warnf("Sequencer: ambiguous failure on attempt %d/%d, resending: %v", attempt, maxAttempts, err)
		case isNotSent(err):
			log.Debugf("Sequencer: nothing sent on attempt %d/%d: %v", attempt, maxAttempts, err)
		default:
			return nil, attempt, err
		}
	}

	return nil, maxAttempts, lastErr
}

func isNotSent(err error) bool {
	var se *session.SendError
	if errors.As(err, &se) && !se.Sent {
		return true
	}
	return errors.Is(err, session.ErrDeviceBusy) ||
		errors.Is(err, session.ErrDeviceFaulted) ||
		errors.Is(err, session.ErrNotConnected)
}

// sync restores the fiscal day from the device before the first command
func (s *Sequencer) sync(ctx context.Context) error {
	s.mutex.Lock()
	synced := s.synced
	s.mutex.Unlock()
	if synced {
		return nil
	}

	f, _, err := s.execute(ctx, true, func(ctx context.Context) (*protocol.Frame, error) {
		return s.device.Send(ctx, protocol.DayInfoRequest())
	})
	if err != nil {
		var se *protocol.StatusError
		if !errors.As(err, &se) {
			return err
		}
		log.Warnf("Sequencer: device does not report day info, starting with day closed: %v", err)
	} else if day, perr := parseDayInfo(f); perr != nil {
		log.Warnf("Sequencer: cannot parse day info, starting with day closed: %v", perr)
	} else {
		s.machine.Restore(day)
	}

	s.mutex.Lock()
	s.synced = true
	s.mutex.Unlock()
	return nil
}
