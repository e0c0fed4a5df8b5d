package simulator

import (
	"github.com/jwoglom/fiscalbridge/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

// CommandHandler handles one device command
type CommandHandler interface {
	// Handle processes a request and returns the status byte and the
	// key=value fields of the response
	Handle(req *protocol.Frame, st *DeviceState) (byte, map[string]string)

	// Command returns the device command code this handler processes
	Command() byte

	// RequiresAuth returns true if an operator must be logged in
	RequiresAuth() bool
}

// Router dispatches requests to command handlers
type Router struct {
	handlers map[byte]CommandHandler
	state    *DeviceState
}

// NewRouter creates a router with every device command registered
func NewRouter(st *DeviceState) *Router {
	r := &Router{
		handlers: make(map[byte]CommandHandler),
		state:    st,
	}

	r.RegisterHandler(&statusHandler{})
	r.RegisterHandler(&loginHandler{})
	r.RegisterHandler(&drawerHandler{})
	r.RegisterHandler(&reportHandler{})
	r.RegisterHandler(&saleHandler{})
	r.RegisterHandler(&voidHandler{})
	r.RegisterHandler(&dayInfoHandler{})

	log.Debugf("Simulator: registered %d command handlers", len(r.handlers))
	return r
}

// RegisterHandler registers a command handler
func (r *Router) RegisterHandler(h CommandHandler) {
	r.handlers[h.Command()] = h
	log.Tracef("Simulator: registered handler %s (auth required: %v)", protocol.CommandName(h.Command()), h.RequiresAuth())
}

// Route processes a request frame and builds the response frame
func (r *Router) Route(req *protocol.Frame) protocol.Frame {
	status, echo := r.dispatch(req)

	data, err := protocol.EncodeEcho(echo)
	if err != nil {
		log.Errorf("Simulator: cannot encode %s response: %v", protocol.CommandName(req.Cmd), err)
		status, data = protocol.StatusFailed, nil
	}

	return protocol.Frame{Seq: req.Seq, Cmd: req.Cmd, Status: status, Data: data}
}

func (r *Router) dispatch(req *protocol.Frame) (byte, map[string]string) {
	h, exists := r.handlers[req.Cmd]
	if !exists {
		log.Warnf("Simulator: no handler for command %s", protocol.CommandName(req.Cmd))
		return protocol.StatusSyntax, errorEcho("unknown command")
	}

	if h.RequiresAuth() && !r.state.IsAuthenticated() {
		log.Debugf("Simulator: %s rejected, no operator logged in", protocol.CommandName(req.Cmd))
		return protocol.StatusNoOperator, errorEcho("operator not logged in")
	}

	return h.Handle(req, r.state)
}

func errorEcho(msg string) map[string]string {
	return map[string]string{"error": msg}
}
