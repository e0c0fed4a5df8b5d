package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jwoglom/fiscalbridge/pkg/command"
	"github.com/jwoglom/fiscalbridge/pkg/sequencer"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const maxRequestBody = 64 << 10

// commandRequest is the flat JSON body POS clients send. Only the fields the
// kind needs are read.
type commandRequest struct {
	ID    string `json:"id,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Force bool   `json:"force,omitempty"`

	Code     string `json:"code,omitempty"`
	Password string `json:"password,omitempty"`
	Till     string `json:"till,omitempty"`

	Items           []command.SaleItem  `json:"items,omitempty"`
	DiscountPercent decimal.Decimal     `json:"discountPercent"`
	PaymentType     command.PaymentType `json:"paymentType,omitempty"`
	MemberID        string              `json:"memberId,omitempty"`
}

type errorBody struct {
	Kind    command.ErrorKind `json:"kind"`
	Message string            `json:"message"`
}

type commandResponse struct {
	Success   bool              `json:"success"`
	CommandID string            `json:"commandId,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Error     *errorBody        `json:"error,omitempty"`
	InFlight  bool              `json:"inFlight,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
}

func errorBodyOf(err error) *errorBody {
	return &errorBody{Kind: command.KindOf(err), Message: command.MessageOf(err)}
}

// toCommand builds the BridgeCommand for kind from the request fields
func (req *commandRequest) toCommand(kindName string) (command.BridgeCommand, error) {
	kind, err := command.ParseKind(kindName)
	if err != nil {
		return command.BridgeCommand{ID: req.ID}, err
	}

	var cmd command.BridgeCommand
	switch kind {
	case command.KindSetOperator:
		cmd = command.NewSetOperator(command.Operator{Code: req.Code, Password: req.Password, Till: req.Till})
	case command.KindProcessSale:
		cmd = command.NewSale(command.SaleRequest{
			Items:           req.Items,
			DiscountPercent: req.DiscountPercent,
			PaymentType:     req.PaymentType,
			MemberID:        req.MemberID,
		})
	default:
		cmd = command.New(kind)
	}
	cmd = cmd.WithID(req.ID)
	cmd.Force = req.Force
	return cmd, nil
}

func decodeRequest(r *http.Request) (*commandRequest, error) {
	var req commandRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var cmdErr *command.Error
		if errors.As(err, &cmdErr) {
			return nil, cmdErr
		}
		return nil, command.Wrap(command.ErrInvalidRequest, err, "invalid JSON body")
	}
	return &req, nil
}

// handleCommand accepts {kind, ...payload} on /api/command
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Kind == "" {
		writeError(w, command.Errorf(command.ErrInvalidRequest, "kind is required"))
		return
	}
	s.runCommand(w, r, req, req.Kind)
}

// handleKindCommand accepts the payload on /api/{kind}
func (s *Server) handleKindCommand(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.runCommand(w, r, req, kind)
}

func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, req *commandRequest, kind string) {
	cmd, err := req.toCommand(kind)
	if err != nil {
		writeError(w, err)
		return
	}

	pending, err := s.sequencer.Submit(cmd)
	if err != nil {
		log.Warnf("Rejected %s %s: %v", kind, cmd.ID, err)
		writeJSON(w, statusFor(command.KindOf(err)), commandResponse{
			CommandID: cmd.ID,
			Kind:      cmd.Kind.String(),
			Error:     errorBodyOf(err),
		})
		return
	}

	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	result, err := pending.Wait(ctx)
	if errors.Is(err, sequencer.ErrStillInFlight) {
		log.Infof("%s %s still in flight after %s", cmd.Kind, cmd.ID, s.opts.RequestTimeout)
		writeJSON(w, http.StatusAccepted, inFlightResponse(pending.Command))
		return
	}
	writeResult(w, result)
}

// handleLookup reports a command's result or that it is still in flight
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, inFlight, found := s.sequencer.Lookup(id)
	switch {
	case !found:
		writeError(w, command.Errorf(command.ErrNotFound, "no command with id %q", id))
	case inFlight:
		writeJSON(w, http.StatusAccepted, commandResponse{CommandID: id, InFlight: true})
	default:
		writeResult(w, result)
	}
}

// handleResolveAmbiguity records that an operator checked the device after
// an ambiguous failure, so non-idempotent commands no longer need force
func (s *Server) handleResolveAmbiguity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.machine.ResolveAmbiguity(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Success: true, CommandID: id})
}

func inFlightResponse(cmd command.BridgeCommand) commandResponse {
	return commandResponse{
		CommandID: cmd.ID,
		Kind:      cmd.Kind.String(),
		InFlight:  true,
		Error:     &errorBody{Kind: command.ErrInFlight, Message: "command is still running; poll /api/commands/" + cmd.ID},
	}
}

func writeResult(w http.ResponseWriter, result command.CommandResult) {
	resp := commandResponse{
		Success:   result.Success,
		CommandID: result.CommandID,
		Kind:      result.Kind.String(),
		Data:      result.Data,
		Attempts:  result.Attempts,
	}
	status := http.StatusOK
	if !result.Success {
		resp.Error = &errorBody{Kind: result.ErrorKind, Message: result.Message}
		status = statusFor(result.ErrorKind)
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, err error) {
	kind := command.KindOf(err)
	writeJSON(w, statusFor(kind), commandResponse{Error: errorBodyOf(err)})
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind command.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case command.ErrInFlight:
		return http.StatusAccepted
	case command.ErrUnknownCommand, command.ErrInvalidRequest:
		return http.StatusBadRequest
	case command.ErrAuth:
		return http.StatusUnauthorized
	case command.ErrNotFound:
		return http.StatusNotFound
	case command.ErrInvalidState, command.ErrNothingToVoid, command.ErrAmbiguousFailure:
		return http.StatusConflict
	case command.ErrDeviceError:
		return http.StatusUnprocessableEntity
	case command.ErrQueueFull, command.ErrRateLimited:
		return http.StatusTooManyRequests
	case command.ErrFrame:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}
