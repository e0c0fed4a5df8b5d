package protocol

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Sequence allocates frame sequence numbers. Numbers increase monotonically
// and wrap around at 256; the device echoes them so stale responses can be
// told apart from the pending one.
type Sequence struct {
	next  uint8
	mutex sync.Mutex
}

// NewSequence creates a sequence starting at start
func NewSequence(start uint8) *Sequence {
	return &Sequence{next: start}
}

// Next allocates a sequence number
func (s *Sequence) Next() uint8 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	seq := s.next
	s.next++

	log.Tracef("Allocated frame sequence: %d", seq)
	return seq
}

// Peek returns the next sequence number without allocating it
func (s *Sequence) Peek() uint8 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.next
}
