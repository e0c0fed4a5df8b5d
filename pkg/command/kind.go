package command

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a bridge command
type Kind int

const (
	KindPing Kind = iota
	KindSetOperator
	KindOpenDrawer
	KindPrintXReport
	KindPrintZReport
	KindProcessSale
	KindVoidReceipt
)

var kindNames = map[Kind]string{
	KindPing:         "ping",
	KindSetOperator:  "setOperator",
	KindOpenDrawer:   "openDrawer",
	KindPrintXReport: "printXReport",
	KindPrintZReport: "printZReport",
	KindProcessSale:  "processSale",
	KindVoidReceipt:  "voidReceipt",
}

// AllKinds lists every command kind in declaration order
var AllKinds = []Kind{
	KindPing,
	KindSetOperator,
	KindOpenDrawer,
	KindPrintXReport,
	KindPrintZReport,
	KindProcessSale,
	KindVoidReceipt,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind resolves the JSON name of a command kind
func ParseKind(name string) (Kind, error) {
	for kind, n := range kindNames {
		if n == name {
			return kind, nil
		}
	}
	return 0, Errorf(ErrUnknownCommand, "unknown command kind %q", name)
}

// Idempotent reports whether the command may be resent automatically after an
// ambiguous failure. A repeated operator login or drawer kick is harmless; a
// repeated sale, void or Z-report is not.
func (k Kind) Idempotent() bool {
	switch k {
	case KindPing, KindSetOperator, KindOpenDrawer, KindPrintXReport:
		return true
	default:
		return false
	}
}

// RequiresOperator reports whether an OperatorContext must be set before the
// command is accepted
func (k Kind) RequiresOperator() bool {
	switch k {
	case KindPrintXReport, KindPrintZReport, KindProcessSale, KindVoidReceipt:
		return true
	default:
		return false
	}
}

// MarshalJSON writes the kind as its JSON name
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a kind from its JSON name
func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return Errorf(ErrInvalidRequest, "command kind must be a string")
	}
	parsed, err := ParseKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
