package command

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable error identifier returned to POS clients
type ErrorKind string

const (
	ErrConnect          ErrorKind = "ConnectError"
	ErrAuth             ErrorKind = "AuthError"
	ErrFrame            ErrorKind = "FrameError"
	ErrDeviceBusy       ErrorKind = "DeviceBusy"
	ErrDeviceFaulted    ErrorKind = "DeviceFaulted"
	ErrQueueFull        ErrorKind = "QueueFull"
	ErrInvalidState     ErrorKind = "InvalidState"
	ErrNothingToVoid    ErrorKind = "NothingToVoid"
	ErrAmbiguousFailure ErrorKind = "AmbiguousFailure"
	ErrUnknownCommand   ErrorKind = "UnknownCommand"

	// Kinds below extend the core taxonomy
	ErrInvalidRequest ErrorKind = "InvalidRequest"
	ErrDeviceError    ErrorKind = "DeviceError"
	ErrInFlight       ErrorKind = "InFlight"
	ErrShuttingDown   ErrorKind = "ShuttingDown"
	ErrRateLimited    ErrorKind = "RateLimited"
	ErrNotFound       ErrorKind = "NotFound"
)

// Error is an error carrying a stable ErrorKind
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error of the given kind
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error
func Wrap(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// kinded is implemented by errors from other packages that know their kind
type kinded interface {
	ErrorKind() ErrorKind
}

// KindOf extracts the ErrorKind from err. Errors without a kind are reported
// as DeviceFaulted.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ErrDeviceFaulted
}

// MessageOf returns the human-readable part of err
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
