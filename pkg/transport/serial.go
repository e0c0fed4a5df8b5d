package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// pollInterval bounds each blocking read so deadlines are honored
const pollInterval = 50 * time.Millisecond

// Serial talks to a device attached to a serial port
type Serial struct {
	portName  string
	mode      *serial.Mode
	ioTimeout time.Duration

	port  serial.Port
	mutex sync.Mutex
}

// NewSerial creates a serial transport for portName at baudRate, 8N1
func NewSerial(portName string, baudRate int, ioTimeout time.Duration) *Serial {
	return &Serial{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		ioTimeout: ioTimeout,
	}
}

// Connect opens the port
func (s *Serial) Connect(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port != nil {
		s.port.Close()
		s.port = nil
	}

	port, err := serial.Open(s.portName, s.mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.portName, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", s.portName, err)
	}

	s.port = port
	log.Infof("Opened serial port %s at %d baud", s.portName, s.mode.BaudRate)
	return nil
}

// Send drops stale input, writes frame and waits for one response frame
func (s *Serial) Send(ctx context.Context, frame []byte) ([]byte, error) {
	s.mutex.Lock()
	port := s.port
	s.mutex.Unlock()

	if port == nil {
		return nil, ErrNotConnected
	}

	if err := port.ResetInputBuffer(); err != nil {
		log.Warnf("Failed to reset input buffer on %s: %v", s.portName, err)
	}

	return exchange(ctx, port, frame, deadlineFor(ctx, s.ioTimeout), nil)
}

// Disconnect closes the port
func (s *Serial) Disconnect() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	log.Debugf("Closed serial port %s", s.portName)
	return err
}

func (s *Serial) String() string {
	return "serial://" + s.portName
}

// Ports lists the serial ports present on the host
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
