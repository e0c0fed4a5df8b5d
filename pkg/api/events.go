package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/session"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

// Event is pushed to websocket clients
type Event struct {
	Type      string                 `json:"type"`
	Session   *session.Snapshot      `json:"session,omitempty"`
	Fiscal    *fiscal.Snapshot       `json:"fiscal,omitempty"`
	Result    *command.CommandResult `json:"result,omitempty"`
	CommandID string                 `json:"commandId,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Depth     *int                   `json:"depth,omitempty"`
	Error     *errorBody             `json:"error,omitempty"`
	At        time.Time              `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bridge events out to websocket clients. A client that cannot keep
// up is disconnected rather than slowing the bridge down.
type Hub struct {
	sessionSnapshot func() session.Snapshot

	clients map[*client]struct{}
	closed  bool
	mutex   sync.Mutex
}

// NewHub creates a hub; snapshot supplies the session view sent on state changes
func NewHub(snapshot func() session.Snapshot) *Hub {
	return &Hub{
		sessionSnapshot: snapshot,
		clients:         make(map[*client]struct{}),
	}
}

// Broadcast sends an event to every client without blocking
func (h *Hub) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("Failed to marshal event: %v", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warnf("WebSocket client %s too slow, disconnecting", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		close(c.send)
		return c
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) remove(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// writer is the only goroutine writing to the connection
func (h *Hub) writer(c *client) {
	defer func() {
		if err := c.conn.Close(); err != nil {
			log.Debugf("Error closing websocket: %v", err)
		}
	}()

	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debugf("Failed to send websocket message: %v", err)
			h.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// NotifyStateChange pushes the session view
func (h *Hub) NotifyStateChange(from, to session.State) {
	snap := h.sessionSnapshot()
	h.Broadcast(Event{Type: "session", Session: &snap})
}

// NotifyOperator pushes the session view
func (h *Hub) NotifyOperator(code, till string, loggedIn bool) {
	snap := h.sessionSnapshot()
	h.Broadcast(Event{Type: "session", Session: &snap})
}

// NotifyReconnect reports failed reconnect attempts
func (h *Hub) NotifyReconnect(attempt int, err error) {
	if err == nil {
		return
	}
	h.Broadcast(Event{Type: "reconnect", Error: &errorBody{Kind: command.ErrConnect, Message: err.Error()}})
}

// NotifyDayChange pushes the fiscal view
func (h *Hub) NotifyDayChange(snap fiscal.Snapshot) {
	h.Broadcast(Event{Type: "fiscal", Fiscal: &snap})
}

// NotifyQueued reports a queued command
func (h *Hub) NotifyQueued(cmd command.BridgeCommand, depth int) {
	h.Broadcast(Event{Type: "queued", CommandID: cmd.ID, Kind: cmd.Kind.String(), Depth: &depth})
}

// NotifyResult pushes a resolved command
func (h *Hub) NotifyResult(result command.CommandResult, elapsed time.Duration) {
	h.Broadcast(Event{Type: "result", CommandID: result.CommandID, Kind: result.Kind.String(), Result: &result})
}
