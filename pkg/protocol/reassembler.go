package protocol

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// Reassembler collects bytes read from a stream transport until they form a
// complete frame. It is not safe for concurrent use; each exchange owns one.
type Reassembler struct {
	buf []byte
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{buf: make([]byte, 0, 256)}
}

// Write appends a chunk read from the transport
func (r *Reassembler) Write(chunk []byte) {
	r.buf = append(r.buf, chunk...)
	log.Tracef("Reassembler buffered %d bytes (total %d)", len(chunk), len(r.buf))
}

// Next returns the next complete raw frame, if one is buffered. A false
// return with a nil error means more bytes are needed.
func (r *Reassembler) Next() ([]byte, bool, error) {
	total, err := FrameLength(r.buf)
	if errors.Is(err, ErrIncomplete) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(r.buf) < total {
		return nil, false, nil
	}

	frame := make([]byte, total)
	copy(frame, r.buf[:total])
	r.buf = append(r.buf[:0], r.buf[total:]...)

	return frame, true, nil
}

// Buffered returns the number of bytes held
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset drops all buffered bytes
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	log.Trace("Reassembler buffer cleared")
}
