package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/protocol"
	"github.com/jwoglom/fiscalbridge/pkg/simulator"

	log "github.com/sirupsen/logrus"
)

// Sim connects to an in-process simulated device. It is the demo mode
// transport; the rest of the bridge cannot tell it from TCP.
type Sim struct {
	device    *simulator.Device
	ioTimeout time.Duration

	connected bool
	mutex     sync.Mutex
}

// NewSim creates a transport bound to device
func NewSim(device *simulator.Device, ioTimeout time.Duration) *Sim {
	return &Sim{
		device:    device,
		ioTimeout: ioTimeout,
	}
}

// Connect fails when the simulated device is offline
func (s *Sim) Connect(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.connected {
		s.device.ConnectionClosed()
		s.connected = false
	}
	if !s.device.Online() {
		return fmt.Errorf("simulated device is offline")
	}
	s.connected = true
	log.Info("Connected to simulated device")
	return nil
}

// Send hands the frame to the simulated device and waits out its latency
func (s *Sim) Send(ctx context.Context, frame []byte) ([]byte, error) {
	s.mutex.Lock()
	connected := s.connected
	s.mutex.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	protocol.LogFrame("TX", frame)
	reply := s.device.Handle(frame)

	remaining := time.Until(deadlineFor(ctx, s.ioTimeout))
	timedOut := (reply.Frame == nil && !reply.Close) || reply.Delay > remaining
	wait := reply.Delay
	if timedOut {
		wait = remaining
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		if !timedOut {
			return nil, ctx.Err()
		}
	}

	if timedOut {
		return nil, ErrTimeout
	}
	if reply.Close {
		s.Disconnect()
		return nil, io.ErrUnexpectedEOF
	}

	protocol.LogFrame("RX", reply.Frame)
	return reply.Frame, nil
}

// Disconnect closes the simulated link; the device logs the operator out
func (s *Sim) Disconnect() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.connected {
		s.connected = false
		s.device.ConnectionClosed()
	}
	return nil
}

func (s *Sim) String() string {
	return "sim://demo"
}
