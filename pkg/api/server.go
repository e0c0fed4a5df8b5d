//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/metrics"
	"github.com/jwoglom/fiscalbridge/pkg/sequencer"
	"github.com/jwoglom/fiscalbridge/pkg/session"
	"github.com/jwoglom/fiscalbridge/pkg/simulator"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Sequencer accepts commands for the device
type Sequencer interface {
	Submit(cmd command.BridgeCommand) (*sequencer.Pending, error)
	Lookup(id string) (command.CommandResult, bool, bool)
	GetStats() map[string]interface{}
}

// Session exposes the device session
type Session interface {
	Snapshot() session.Snapshot
	Logout()
}

// Machine exposes the fiscal state
type Machine interface {
	Snapshot() fiscal.Snapshot
	ResolveAmbiguity(id string) error
}

// Options configures the gateway
type Options struct {
	// RequestTimeout bounds how long a request waits for its command
	RequestTimeout time.Duration
	// RateLimit is requests per second per client on command routes; 0 disables it
	RateLimit float64
	RateBurst int
	// Metrics enables /metrics and request instrumentation when set
	Metrics *metrics.Metrics
	// Simulator enables the demo device control routes when set
	Simulator *simulator.Device
}

// Server is the HTTP/JSON and WebSocket gateway for POS clients
type Server struct {
	router    *mux.Router
	sequencer Sequencer
	session   Session
	machine   Machine
	hub       *Hub
	opts      Options

	httpServer *http.Server
	listener   net.Listener
	mutex      sync.Mutex
}

// New creates the gateway
func New(seq Sequencer, sess Session, machine Machine, opts Options) *Server {
	s := &Server{
		sequencer: seq,
		session:   sess,
		machine:   machine,
		hub:       NewHub(sess.Snapshot),
		opts:      opts,
	}
	s.setupRoutes()
	return s
}

// Hub returns the websocket hub so it can be registered as an observer
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)
	if s.opts.Metrics != nil {
		r.Use(MetricsMiddleware(s.opts.Metrics))
		r.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.serveWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/commands/{id}", s.handleLookup).Methods(http.MethodGet)
	api.HandleFunc("/ambiguity/{id}/resolve", s.handleResolveAmbiguity).Methods(http.MethodPost)

	if s.opts.Simulator != nil {
		api.HandleFunc("/simulator", s.handleSimulatorState).Methods(http.MethodGet)
		sim := api.PathPrefix("/simulator").Subrouter()
		sim.HandleFunc("/online", s.handleSimulatorOnline).Methods(http.MethodPost)
		sim.HandleFunc("/faults", s.handleGetAllFaults).Methods(http.MethodGet)
		sim.HandleFunc("/faults", s.handleResetAllFaults).Methods(http.MethodDelete)
		sim.HandleFunc("/faults/{command}", s.handleGetFault).Methods(http.MethodGet)
		sim.HandleFunc("/faults/{command}", s.handleUpdateFault).Methods(http.MethodPut)
		sim.HandleFunc("/faults/{command}", s.handleClearFault).Methods(http.MethodDelete)
		sim.HandleFunc("/faults/{command}/reset", s.handleResetFault).Methods(http.MethodPost)
	}

	cmds := api.NewRoute().Subrouter()
	if s.opts.RateLimit > 0 {
		cmds.Use(NewRateLimiter(s.opts.RateLimit, s.opts.RateBurst).Handler)
	}
	cmds.HandleFunc("/command", s.handleCommand).Methods(http.MethodPost)
	cmds.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	cmds.HandleFunc("/{kind}", s.handleKindCommand).Methods(http.MethodPost)

	s.router = r
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mutex.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mutex.Unlock()

	log.Infof("Fiscal bridge API listening on %s", ln.Addr())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()

	s.mutex.Lock()
	srv := s.httpServer
	s.mutex.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, "Fiscal bridge API\n\n"+
		"Commands:\n"+
		"  POST   /api/command            {kind, id?, force?, ...payload}\n"+
		"  POST   /api/{kind}             payload only\n"+
		"  GET    /api/commands/{id}\n"+
		"  POST   /api/logout\n"+
		"  POST   /api/ambiguity/{id}/resolve\n\n"+
		"State:\n"+
		"  GET    /api/status\n"+
		"  GET    /healthz\n"+
		"  GET    /metrics\n"+
		"  WS     /ws\n")
	if s.opts.Simulator != nil {
		fmt.Fprint(w, "\nSimulator:\n"+
			"  GET    /api/simulator\n"+
			"  POST   /api/simulator/online\n"+
			"  GET    /api/simulator/faults\n"+
			"  GET    /api/simulator/faults/{command}\n"+
			"  PUT    /api/simulator/faults/{command}\n"+
			"  DELETE /api/simulator/faults/{command}\n"+
			"  POST   /api/simulator/faults/{command}/reset\n")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"device": snap.State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"session":   s.session.Snapshot(),
		"fiscal":    s.machine.Snapshot(),
		"sequencer": s.sequencer.GetStats(),
		"clients":   s.hub.ClientCount(),
	}
	if s.opts.Simulator != nil {
		status["simulator"] = s.opts.Simulator.State().Snapshot()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.session.Logout()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	log.Infof("WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	c := s.hub.add(ws)
	go s.hub.writer(c)

	s.sendState(c)
	s.reader(c)
}

func (s *Server) sendState(c *client) {
	sess := s.session.Snapshot()
	fisc := s.machine.Snapshot()
	data, err := json.Marshal(Event{Type: "state", Session: &sess, Fiscal: &fisc, At: time.Now()})
	if err != nil {
		log.Errorf("Failed to marshal state: %v", err)
		return
	}

	s.hub.mutex.Lock()
	defer s.hub.mutex.Unlock()
	if _, ok := s.hub.clients[c]; ok {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (s *Server) reader(c *client) {
	defer s.hub.remove(c)

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			log.Infof("WebSocket read error: %v", err)
			return
		}
		log.Debugf("Received WebSocket message: %d bytes", len(p))
		s.handleMessage(c, p)
	}
}

// wsMessage is a client message on the websocket
type wsMessage struct {
	Command string          `json:"command"`
	Payload *commandRequest `json:"payload,omitempty"`
}

func (s *Server) handleMessage(c *client, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Errorf("Failed to parse websocket message: %v", err)
		return
	}

	switch msg.Command {
	case "getState":
		s.sendState(c)

	case "submit":
		if msg.Payload == nil {
			s.hub.Broadcast(Event{Type: "rejected", Error: &errorBody{Kind: command.ErrInvalidRequest, Message: "submit needs a payload"}})
			return
		}
		cmd, err := msg.Payload.toCommand(msg.Payload.Kind)
		if err == nil {
			_, err = s.sequencer.Submit(cmd)
		}
		if err != nil {
			s.hub.Broadcast(Event{Type: "rejected", CommandID: cmd.ID, Error: errorBodyOf(err)})
		}

	default:
		log.Warnf("Unknown websocket command %q", msg.Command)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}
