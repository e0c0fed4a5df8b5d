package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TCP talks to a device over a TCP socket
type TCP struct {
	addr           string
	connectTimeout time.Duration
	ioTimeout      time.Duration

	conn  net.Conn
	mutex sync.Mutex
}

// NewTCP creates a TCP transport for addr (host:port)
func NewTCP(addr string, connectTimeout, ioTimeout time.Duration) *TCP {
	return &TCP{
		addr:           addr,
		connectTimeout: connectTimeout,
		ioTimeout:      ioTimeout,
	}
}

// Connect dials the device, replacing any previous connection
func (t *TCP) Connect(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
	}

	t.conn = conn
	log.Infof("Connected to device at %s", t.addr)
	return nil
}

// Send writes frame and waits for one response frame
func (t *TCP) Send(ctx context.Context, frame []byte) ([]byte, error) {
	t.mutex.Lock()
	conn := t.conn
	t.mutex.Unlock()

	if conn == nil {
		return nil, ErrNotConnected
	}

	deadline := deadlineFor(ctx, t.ioTimeout)
	resp, err := exchange(ctx, conn, frame, deadline, conn.SetDeadline)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return resp, nil
}

// Disconnect closes the socket
func (t *TCP) Disconnect() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	log.Debugf("Disconnected from %s", t.addr)
	return err
}

func (t *TCP) String() string {
	return "tcp://" + t.addr
}
