package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/protocol"
	"github.com/jwoglom/fiscalbridge/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Fail-fast errors returned before anything is written
var (
	ErrDeviceBusy    = command.Errorf(command.ErrDeviceBusy, "device session is busy")
	ErrDeviceFaulted = command.Errorf(command.ErrDeviceFaulted, "device session is faulted")
	ErrNotConnected  = command.Errorf(command.ErrConnect, "device is not connected")
)

// SendError is an I/O or framing failure during an exchange. When Sent is
// true the request may have reached the device and its outcome is unknown.
type SendError struct {
	Req  protocol.Request
	Sent bool
	Err  error
}

func (e *SendError) Error() string {
	if e.Sent {
		return fmt.Sprintf("%s: outcome unknown: %v", e.Req, e.Err)
	}
	return fmt.Sprintf("%s: not sent: %v", e.Req, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ErrorKind reports framing failures as FrameError and the rest as DeviceFaulted
func (e *SendError) ErrorKind() command.ErrorKind {
	var fe *protocol.FrameError
	if errors.As(e.Err, &fe) {
		return command.ErrFrame
	}
	if !e.Sent {
		return command.ErrConnect
	}
	return command.ErrDeviceFaulted
}

// IsAmbiguous reports whether err leaves the outcome of a request unknown
func IsAmbiguous(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Sent
}

// Config holds session timing
type Config struct {
	// IOTimeout bounds one request/response exchange
	IOTimeout time.Duration
	// Reconnect drives Recover
	Reconnect RetryConfig
}

// Session owns the connection to one device. Only one request is on the
// wire at a time; a caller that finds the session Busy gets ErrDeviceBusy
// instead of waiting.
type Session struct {
	transport transport.Transport
	seq       *protocol.Sequence
	config    Config
	notifier  EventNotifier

	state          State
	operator       *command.Operator
	lastActivityAt time.Time
	lastError      string
	reconnects     int
	mutex          sync.Mutex
}

// New creates a disconnected session over t
func New(t transport.Transport, config Config) *Session {
	return &Session{
		transport: t,
		seq:       protocol.NewSequence(1),
		config:    config,
		notifier:  &NoOpEventNotifier{},
		state:     StateDisconnected,
	}
}

// SetEventNotifier sets the receiver of lifecycle events
func (s *Session) SetEventNotifier(notifier EventNotifier) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.notifier = notifier
}

// State returns the current state
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Operator returns the authenticated operator, if any
func (s *Session) Operator() (command.Operator, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.operator == nil {
		return command.Operator{}, false
	}
	return *s.operator, true
}

func (s *Session) transition(to State) {
	s.mutex.Lock()
	from := s.state
	s.state = to
	notifier := s.notifier
	s.mutex.Unlock()

	if from != to {
		log.Debugf("Session %s: %s -> %s", s.transport, from, to)
		notifier.NotifyStateChange(from, to)
	}
}

func (s *Session) setOperator(op *command.Operator) {
	s.mutex.Lock()
	s.operator = op
	notifier := s.notifier
	s.mutex.Unlock()

	if op != nil {
		notifier.NotifyOperator(op.Code, op.Till, true)
	} else {
		notifier.NotifyOperator("", "", false)
	}
}

// Connect makes one connection attempt from Disconnected or Faulted
func (s *Session) Connect(ctx context.Context) error {
	s.mutex.Lock()
	switch s.state {
	case StateIdle:
		s.mutex.Unlock()
		return nil
	case StateBusy, StateConnecting:
		s.mutex.Unlock()
		return ErrDeviceBusy
	}
	s.mutex.Unlock()

	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	s.transition(StateConnecting)
	s.transport.Disconnect()

	if err := s.transport.Connect(ctx); err != nil {
		s.fail(StateDisconnected, err)
		return command.Wrap(command.ErrConnect, err, "cannot connect to "+s.transport.String())
	}

	s.mutex.Lock()
	s.lastError = ""
	s.lastActivityAt = time.Now()
	s.mutex.Unlock()

	s.transition(StateIdle)
	return nil
}

func (s *Session) fail(to State, err error) {
	s.mutex.Lock()
	s.lastError = err.Error()
	s.mutex.Unlock()
	s.transition(to)
}

// Send performs one request/response exchange. Device refusals come back as
// *protocol.StatusError with the session still Idle; I/O and framing
// failures come back as *SendError and leave the session Faulted.
func (s *Session) Send(ctx context.Context, req protocol.Request) (*protocol.Frame, error) {
	s.mutex.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateBusy
	case StateBusy, StateConnecting:
		s.mutex.Unlock()
		return nil, ErrDeviceBusy
	case StateFaulted:
		s.mutex.Unlock()
		return nil, ErrDeviceFaulted
	default:
		s.mutex.Unlock()
		return nil, ErrNotConnected
	}
	notifier := s.notifier
	s.mutex.Unlock()
	notifier.NotifyStateChange(StateIdle, StateBusy)

	seq := s.seq.Next()
	raw, err := protocol.Encode(req, seq)
	if err != nil {
		s.transition(StateIdle)
		return nil, command.Wrap(command.ErrInvalidRequest, err, "cannot encode "+req.String())
	}

	ioCtx, cancel := context.WithTimeout(ctx, s.config.IOTimeout)
	defer cancel()

	log.Debugf("Session %s: sending %s seq=%d", s.transport, req, seq)
	resp, err := s.transport.Send(ioCtx, raw)
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			s.fail(StateDisconnected, err)
			return nil, &SendError{Req: req, Sent: false, Err: err}
		}
		log.Warnf("Session %s: %s seq=%d failed: %v", s.transport, req, seq, err)
		s.fail(StateFaulted, err)
		return nil, &SendError{Req: req, Sent: true, Err: err}
	}

	f, _, err := protocol.Decode(resp, seq)
	if err != nil {
		log.Warnf("Session %s: bad response to %s seq=%d: %v", s.transport, req, seq, err)
		s.fail(StateFaulted, err)
		return nil, &SendError{Req: req, Sent: true, Err: err}
	}

	s.mutex.Lock()
	s.lastActivityAt = time.Now()
	s.mutex.Unlock()
	s.transition(StateIdle)

	if err := protocol.CheckStatus(f); err != nil {
		log.Debugf("Session %s: %s refused: %v", s.transport, req, err)
		return f, err
	}
	return f, nil
}

// Login authenticates op on the device. The operator is remembered only when
// the device accepts it; a refusal is an AuthError.
func (s *Session) Login(ctx context.Context, op command.Operator) (*protocol.Frame, error) {
	req, err := protocol.BuildRequest(command.NewSetOperator(op))
	if err != nil {
		return nil, err
	}

	f, err := s.Send(ctx, req)
	if err != nil {
		var se *protocol.StatusError
		if errors.As(err, &se) {
			return f, command.Wrap(command.ErrAuth, se, "device refused "+op.Redacted())
		}
		return nil, err
	}

	s.setOperator(&op)
	log.Infof("Session %s: logged in %s", s.transport, op.Redacted())
	return f, nil
}

// Logout forgets the operator context; the next operator command needs a new login
func (s *Session) Logout() {
	if _, ok := s.Operator(); !ok {
		return
	}
	s.setOperator(nil)
	log.Infof("Session %s: operator logged out", s.transport)
}

// Recover brings a Disconnected or Faulted session back to Idle, retrying
// with exponential backoff, and replays the operator login. It returns nil
// immediately when the session is already Idle.
func (s *Session) Recover(ctx context.Context) error {
	s.mutex.Lock()
	state := s.state
	s.mutex.Unlock()

	switch state {
	case StateIdle:
		return nil
	case StateBusy, StateConnecting:
		return ErrDeviceBusy
	}

	cfg := s.config.Reconnect
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := cfg.Sleep(ctx, attempt-1); err != nil {
				return command.Wrap(command.ErrConnect, err, "reconnect abandoned")
			}
		}

		s.mutex.Lock()
		s.reconnects++
		notifier := s.notifier
		s.mutex.Unlock()

		lastErr = s.reconnect(ctx)
		notifier.NotifyReconnect(attempt, lastErr)
		if lastErr == nil {
			return nil
		}
		if command.KindOf(lastErr) == command.ErrAuth {
			return lastErr
		}
		log.Warnf("Session %s: reconnect attempt %d/%d failed: %v", s.transport, attempt, attempts, lastErr)
	}

	s.transition(StateDisconnected)
	return command.Wrap(command.ErrConnect, lastErr, fmt.Sprintf("device unreachable after %d attempts", attempts))
}

func (s *Session) reconnect(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}

	op, ok := s.Operator()
	if !ok {
		log.Infof("Session %s: reconnected", s.transport)
		return nil
	}

	if _, err := s.Login(ctx, op); err != nil {
		if command.KindOf(err) == command.ErrAuth {
			s.setOperator(nil)
			log.Warnf("Session %s: device refused replayed %s", s.transport, op.Redacted())
			return err
		}
		return err
	}

	log.Infof("Session %s: reconnected and replayed %s", s.transport, op.Redacted())
	return nil
}

// Disconnect closes the transport. The operator context is kept for replay.
func (s *Session) Disconnect() error {
	err := s.transport.Disconnect()
	s.transition(StateDisconnected)
	return err
}

// Snapshot is a point-in-time view of the session
type Snapshot struct {
	State          State     `json:"state"`
	Transport      string    `json:"transport"`
	OperatorCode   string    `json:"operatorCode,omitempty"`
	Till           string    `json:"till,omitempty"`
	LoggedIn       bool      `json:"loggedIn"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	Reconnects     int       `json:"reconnects"`
	NextSeq        uint8     `json:"nextSeq"`
}

// Snapshot returns the current session view
func (s *Session) Snapshot() Snapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snap := Snapshot{
		State:          s.state,
		Transport:      s.transport.String(),
		LastActivityAt: s.lastActivityAt,
		LastError:      s.lastError,
		Reconnects:     s.reconnects,
		NextSeq:        s.seq.Peek(),
	}
	if s.operator != nil {
		snap.OperatorCode = s.operator.Code
		snap.Till = s.operator.Till
		snap.LoggedIn = true
	}
	return snap
}
