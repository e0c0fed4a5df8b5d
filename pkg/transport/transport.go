package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Send before anything is written when the
// transport has no open link
var ErrNotConnected = errors.New("transport not connected")

// ErrTimeout is returned when no complete response arrives in time
var ErrTimeout = errors.New("timed out waiting for device response")

// Transport carries raw frames to the device. Implementations are used by a
// single session and need not be safe for concurrent Send calls.
type Transport interface {
	// Connect opens the link
	Connect(ctx context.Context) error

	// Send writes one request frame and returns one complete raw response
	// frame. Any error other than ErrNotConnected means the request may have
	// reached the device.
	Send(ctx context.Context, frame []byte) ([]byte, error)

	// Disconnect closes the link; it is safe to call when not connected
	Disconnect() error

	String() string
}

// stream is the subset of net.Conn and serial.Port used by exchange
type stream interface {
	io.ReadWriter
}

// exchange writes frame to rw and reads until the reassembler yields one
// frame or the deadline passes. setDeadline is applied before reading when
// the stream supports read deadlines.
func exchange(ctx context.Context, rw stream, frame []byte, deadline time.Time, setDeadline func(time.Time) error) ([]byte, error) {
	protocol.LogFrame("TX", frame)

	if setDeadline != nil {
		if err := setDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	if _, err := rw.Write(frame); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	reasm := protocol.NewReassembler()
	buf := make([]byte, 512)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := rw.Read(buf)
		if n > 0 {
			reasm.Write(buf[:n])
			raw, ok, ferr := reasm.Next()
			if ferr != nil {
				return nil, ferr
			}
			if ok {
				if reasm.Buffered() > 0 {
					log.Warnf("Discarding %d bytes trailing the response frame", reasm.Buffered())
				}
				protocol.LogFrame("RX", raw)
				return raw, nil
			}
		}

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("read failed: %w", err)
		}

		// serial ports report a read timeout as (0, nil)
		if n == 0 && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
	}
}

// deadlineFor picks the earlier of the context deadline and now+timeout
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}
