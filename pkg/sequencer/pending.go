package sequencer

import (
	"context"
	"errors"

	"github.com/jwoglom/fiscalbridge/pkg/command"
)

// ErrStillInFlight is returned by Wait when the caller gives up before the
// command resolves. The command keeps running.
var ErrStillInFlight = errors.New("command still in flight")

// Pending is a submitted command awaiting its result
type Pending struct {
	Command command.BridgeCommand

	done   chan struct{}
	result command.CommandResult
}

func newPending(cmd command.BridgeCommand) *Pending {
	return &Pending{Command: cmd, done: make(chan struct{})}
}

func resolvedPending(cmd command.BridgeCommand, result command.CommandResult) *Pending {
	p := newPending(cmd)
	p.resolve(result)
	return p
}

// resolve must be called exactly once
func (p *Pending) resolve(result command.CommandResult) {
	p.result = result
	close(p.done)
}

// Done is closed once the result is available
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the result if the command has resolved
func (p *Pending) Result() (command.CommandResult, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return command.CommandResult{}, false
	}
}

// Wait blocks until the command resolves or ctx is done. Giving up never
// cancels the device operation.
func (p *Pending) Wait(ctx context.Context) (command.CommandResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return command.CommandResult{}, ErrStillInFlight
	}
}
