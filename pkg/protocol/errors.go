package protocol

import (
	"fmt"

	"github.com/jwoglom/fiscalbridge/pkg/command"
)

// FrameErrorKind classifies a frame decoding failure
type FrameErrorKind int

const (
	FrameCorrupt FrameErrorKind = iota
	FrameIncomplete
	FrameSequenceMismatch
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameCorrupt:
		return "Corrupt"
	case FrameIncomplete:
		return "Incomplete"
	case FrameSequenceMismatch:
		return "SequenceMismatch"
	default:
		return fmt.Sprintf("FrameErrorKind(%d)", int(k))
	}
}

// FrameError reports an invalid or partial frame
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return "frame " + e.Kind.String()
	}
	return fmt.Sprintf("frame %s: %s", e.Kind, e.Detail)
}

// Is matches any FrameError of the same kind, so errors.Is(err, ErrCorrupt) works
func (e *FrameError) Is(target error) bool {
	t, ok := target.(*FrameError)
	return ok && t.Kind == e.Kind
}

// ErrorKind reports every frame failure as FrameError
func (e *FrameError) ErrorKind() command.ErrorKind {
	return command.ErrFrame
}

var (
	ErrCorrupt          = &FrameError{Kind: FrameCorrupt}
	ErrIncomplete       = &FrameError{Kind: FrameIncomplete}
	ErrSequenceMismatch = &FrameError{Kind: FrameSequenceMismatch}
)

func corrupt(format string, args ...interface{}) *FrameError {
	return &FrameError{Kind: FrameCorrupt, Detail: fmt.Sprintf(format, args...)}
}
