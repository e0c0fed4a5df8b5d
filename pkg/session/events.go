package session

// EventNotifier receives session lifecycle events. It lets the gateway and
// metrics observe the session without the session depending on them.
type EventNotifier interface {
	// NotifyStateChange is called after every state transition
	NotifyStateChange(from, to State)

	// NotifyOperator is called when the operator context is set or cleared
	NotifyOperator(code, till string, loggedIn bool)

	// NotifyReconnect is called after each reconnect attempt
	NotifyReconnect(attempt int, err error)
}

// NoOpEventNotifier is a no-op implementation of EventNotifier
type NoOpEventNotifier struct{}

// NotifyStateChange is a no-op implementation
func (n *NoOpEventNotifier) NotifyStateChange(from, to State) {}

// NotifyOperator is a no-op implementation
func (n *NoOpEventNotifier) NotifyOperator(code, till string, loggedIn bool) {}

// NotifyReconnect is a no-op implementation
func (n *NoOpEventNotifier) NotifyReconnect(attempt int, err error) {}

// Notifiers fans events out to several notifiers
type Notifiers []EventNotifier

// NotifyStateChange forwards to every notifier
func (ns Notifiers) NotifyStateChange(from, to State) {
	for _, n := range ns {
		n.NotifyStateChange(from, to)
	}
}

// NotifyOperator forwards to every notifier
func (ns Notifiers) NotifyOperator(code, till string, loggedIn bool) {
	for _, n := range ns {
		n.NotifyOperator(code, till, loggedIn)
	}
}

// NotifyReconnect forwards to every notifier
func (ns Notifiers) NotifyReconnect(attempt int, err error) {
	for _, n := range ns {
		n.NotifyReconnect(attempt, err)
	}
}
