package command

import "time"

// CommandResult is the outcome of one BridgeCommand. It is never modified
// after the sequencer resolves it.
type CommandResult struct {
	CommandID  string            `json:"commandId"`
	Kind       Kind              `json:"kind"`
	Success    bool              `json:"success"`
	ErrorKind  ErrorKind         `json:"errorKind,omitempty"`
	Message    string            `json:"message,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Attempts   int               `json:"attempts"`
	ResolvedAt time.Time         `json:"resolvedAt"`
}

// Succeeded builds a successful result
func Succeeded(cmd BridgeCommand, data map[string]string, attempts int) CommandResult {
	return CommandResult{
		CommandID:  cmd.ID,
		Kind:       cmd.Kind,
		Success:    true,
		Data:       data,
		Attempts:   attempts,
		ResolvedAt: time.Now(),
	}
}

// Failed builds a failed result from err
func Failed(cmd BridgeCommand, err error, attempts int) CommandResult {
	return CommandResult{
		CommandID:  cmd.ID,
		Kind:       cmd.Kind,
		Success:    false,
		ErrorKind:  KindOf(err),
		Message:    MessageOf(err),
		Attempts:   attempts,
		ResolvedAt: time.Now(),
	}
}

// Err returns the result's failure as an *Error, or nil on success
func (r CommandResult) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.ErrorKind, Message: r.Message}
}
