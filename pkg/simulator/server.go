package simulator

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

// Server exposes a simulated device over TCP, one host connection at a time
// per accepted socket
type Server struct {
	device   *Device
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mutex    sync.Mutex
}

// NewServer creates a TCP server for device
func NewServer(device *Device) *Server {
	return &Server{
		device:   device,
		conns:    make(map[net.Conn]struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start listens on addr and serves connections in the background
func (s *Server) Start(addr string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running = true

	log.Infof("Simulator: listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection
func (s *Server) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	s.wg.Wait()
	log.Info("Simulator: server stopped")
}

// DropConnections closes every open host connection
func (s *Server) DropConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("Simulator: accept failed: %v", err)
			continue
		}

		if !s.device.Online() {
			log.Debugf("Simulator: refusing connection from %s, device offline", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.mutex.Lock()
		s.conns[conn] = struct{}{}
		s.mutex.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		s.device.ConnectionClosed()
		log.Debugf("Simulator: connection from %s closed", conn.RemoteAddr())
	}()

	log.Debugf("Simulator: connection from %s", conn.RemoteAddr())

	reasm := protocol.NewReassembler()
	buf := make([]byte, 1024)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		reasm.Write(buf[:n])

		for {
			raw, ok, err := reasm.Next()
			if err != nil {
				log.Warnf("Simulator: discarding garbage from %s: %v", conn.RemoteAddr(), err)
				reasm.Reset()
				break
			}
			if !ok {
				break
			}

			reply := s.device.Handle(raw)
			if reply.Delay > 0 {
				select {
				case <-time.After(reply.Delay):
				case <-s.stopChan:
					return
				}
			}
			if reply.Frame != nil {
				if _, err := conn.Write(reply.Frame); err != nil {
					return
				}
			}
			if reply.Close {
				return
			}
		}
	}
}
