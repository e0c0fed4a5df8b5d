package command

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BridgeCommand is one command submitted to the bridge. It is not modified
// once handed to the sequencer.
type BridgeCommand struct {
	ID       string       `json:"id"`
	Kind     Kind         `json:"kind"`
	Operator *Operator    `json:"operator,omitempty"`
	Sale     *SaleRequest `json:"sale,omitempty"`

	// Force confirms a non-idempotent command after an ambiguous failure
	Force bool `json:"force,omitempty"`
	// OriginalID is the id of the ambiguous command a forced repeat refers to
	OriginalID string `json:"originalId,omitempty"`

	IssuedAt time.Time `json:"issuedAt"`
}

// New creates a command of the given kind with a fresh id
func New(kind Kind) BridgeCommand {
	return BridgeCommand{
		ID:       uuid.NewString(),
		Kind:     kind,
		IssuedAt: time.Now(),
	}
}

// NewSetOperator creates a SetOperator command
func NewSetOperator(op Operator) BridgeCommand {
	cmd := New(KindSetOperator)
	cmd.Operator = &op
	return cmd
}

// NewSale creates a ProcessSale command
func NewSale(sale SaleRequest) BridgeCommand {
	cmd := New(KindProcessSale)
	cmd.Sale = &sale
	return cmd
}

// WithID returns a copy of the command using id, or a generated id when id is empty
func (c BridgeCommand) WithID(id string) BridgeCommand {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	c.ID = id
	return c
}

// Validate checks that the payload required by the command kind is present
// and well formed. VAT checks are done by SaleRequest.Validate.
func (c BridgeCommand) Validate() error {
	if c.ID == "" {
		return Errorf(ErrInvalidRequest, "command id is required")
	}
	switch c.Kind {
	case KindSetOperator:
		if c.Operator == nil {
			return Errorf(ErrInvalidRequest, "setOperator requires code, password and till")
		}
		return c.Operator.Validate()
	case KindProcessSale:
		if c.Sale == nil {
			return Errorf(ErrInvalidRequest, "processSale requires items")
		}
	case KindPing, KindOpenDrawer, KindPrintXReport, KindPrintZReport, KindVoidReceipt:
	default:
		return Errorf(ErrUnknownCommand, "unknown command kind %d", int(c.Kind))
	}
	return nil
}

// Operator is the OperatorContext used to authenticate on the device
type Operator struct {
	Code     string `json:"code"`
	Password string `json:"password"`
	Till     string `json:"till"`
}

// Validate checks that all operator fields are present
func (o Operator) Validate() error {
	if strings.TrimSpace(o.Code) == "" {
		return Errorf(ErrInvalidRequest, "operator code is required")
	}
	if o.Password == "" {
		return Errorf(ErrInvalidRequest, "operator password is required")
	}
	if strings.TrimSpace(o.Till) == "" {
		return Errorf(ErrInvalidRequest, "operator till is required")
	}
	return nil
}

// Redacted returns a loggable description of the operator without the password
func (o Operator) Redacted() string {
	return "operator " + o.Code + " till " + o.Till
}
