package protocol

import (
	"fmt"
	"strconv"

	"github.com/jwoglom/fiscalbridge/pkg/command"

	"github.com/shopspring/decimal"
)

// Device command codes
const (
	CmdSale          byte = 0x30
	CmdVoid          byte = 0x3C
	CmdDailyReport   byte = 0x45
	CmdStatus        byte = 0x4A
	CmdOperatorLogin byte = 0x65
	CmdDrawer        byte = 0x6A
	CmdDayInfo       byte = 0x6E
)

var commandNames = map[byte]string{
	CmdSale:          "Sale",
	CmdVoid:          "Void",
	CmdDailyReport:   "DailyReport",
	CmdStatus:        "Status",
	CmdOperatorLogin: "OperatorLogin",
	CmdDrawer:        "Drawer",
	CmdDayInfo:       "DayInfo",
}

// CommandName returns a readable name for a device command code
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", cmd)
}

// CommandByName resolves a device command code from its name
func CommandByName(name string) (byte, bool) {
	for code, n := range commandNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}

// Report types carried by CmdDailyReport
const (
	ReportX = "X"
	ReportZ = "Z"
)

// BuildRequest maps a bridge command onto a device request. Non-idempotent
// commands carry the id of the ambiguous command they repeat as their first
// field (empty unless forced).
func BuildRequest(cmd command.BridgeCommand) (Request, error) {
	var (
		code   byte
		fields []string
	)

	switch cmd.Kind {
	case command.KindPing:
		code = CmdStatus

	case command.KindSetOperator:
		if cmd.Operator == nil {
			return Request{}, command.Errorf(command.ErrInvalidRequest, "setOperator without operator")
		}
		code = CmdOperatorLogin
		fields = []string{cmd.Operator.Code, cmd.Operator.Password, cmd.Operator.Till}

	case command.KindOpenDrawer:
		code = CmdDrawer

	case command.KindPrintXReport:
		code = CmdDailyReport
		fields = []string{ReportX}

	case command.KindPrintZReport:
		code = CmdDailyReport
		fields = []string{ReportZ, cmd.OriginalID}

	case command.KindProcessSale:
		if cmd.Sale == nil {
			return Request{}, command.Errorf(command.ErrInvalidRequest, "processSale without sale")
		}
		code = CmdSale
		fields = saleFields(cmd.OriginalID, *cmd.Sale)

	case command.KindVoidReceipt:
		code = CmdVoid
		fields = []string{cmd.OriginalID}

	default:
		return Request{}, command.Errorf(command.ErrUnknownCommand, "no device mapping for %s", cmd.Kind)
	}

	data, err := EncodeFields(fields...)
	if err != nil {
		return Request{}, command.Wrap(command.ErrInvalidRequest, err, "cannot encode "+cmd.Kind.String())
	}
	return Request{Cmd: code, Data: data}, nil
}

// DayInfoRequest asks the device for its fiscal day state
func DayInfoRequest() Request {
	return Request{Cmd: CmdDayInfo}
}

// Sale frame fields: ref, payment, discount, member, item count, then
// name, vat class, unit price, qty for every item
func saleFields(ref string, sale command.SaleRequest) []string {
	fields := []string{
		ref,
		string(sale.PaymentType),
		sale.DiscountPercent.String(),
		sale.MemberID,
		strconv.Itoa(len(sale.Items)),
	}
	for _, item := range sale.Items {
		fields = append(fields,
			item.Name,
			strconv.Itoa(int(item.VATClass)),
			item.UnitPrice.StringFixed(2),
			item.Qty.String(),
		)
	}
	return fields
}

// DecodeSale parses the fields of a CmdSale request
func DecodeSale(data []byte) (ref string, sale command.SaleRequest, err error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return "", sale, err
	}
	if len(fields) < 5 {
		return "", sale, fmt.Errorf("sale frame has %d fields, need at least 5", len(fields))
	}

	ref = fields[0]
	sale.PaymentType = command.PaymentType(fields[1])
	if sale.DiscountPercent, err = decimal.NewFromString(fields[2]); err != nil {
		return "", sale, fmt.Errorf("bad discount %q: %w", fields[2], err)
	}
	sale.MemberID = fields[3]

	count, err := strconv.Atoi(fields[4])
	if err != nil || count < 0 {
		return "", sale, fmt.Errorf("bad item count %q", fields[4])
	}
	if len(fields) != 5+4*count {
		return "", sale, fmt.Errorf("sale frame declares %d items but has %d fields", count, len(fields))
	}

	for i := 0; i < count; i++ {
		f := fields[5+4*i : 9+4*i]
		class, err := strconv.Atoi(f[1])
		if err != nil {
			return "", sale, fmt.Errorf("item %d: bad vat class %q", i, f[1])
		}
		price, err := decimal.NewFromString(f[2])
		if err != nil {
			return "", sale, fmt.Errorf("item %d: bad price %q", i, f[2])
		}
		qty, err := decimal.NewFromString(f[3])
		if err != nil {
			return "", sale, fmt.Errorf("item %d: bad qty %q", i, f[3])
		}
		sale.Items = append(sale.Items, command.SaleItem{
			Name:      f[0],
			VATClass:  command.VATClass(class),
			UnitPrice: price,
			Qty:       qty,
		})
	}
	return ref, sale, nil
}

// Device status codes returned in the STATUS byte
const (
	StatusOK             byte = 0x00
	StatusFailed         byte = 0x01
	StatusNoOperator     byte = 0x02
	StatusBadCredentials byte = 0x03
	StatusInvalidState   byte = 0x04
	StatusNothingToVoid  byte = 0x05
	StatusSyntax         byte = 0x06
)

// StatusError is a definite refusal reported by the device
type StatusError struct {
	Cmd     byte
	Status  byte
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "rejected"
	}
	return fmt.Sprintf("device %s status 0x%02X: %s", CommandName(e.Cmd), e.Status, msg)
}

// ErrorKind maps the device status onto the bridge error taxonomy
func (e *StatusError) ErrorKind() command.ErrorKind {
	switch e.Status {
	case StatusNoOperator, StatusBadCredentials:
		return command.ErrAuth
	case StatusInvalidState:
		return command.ErrInvalidState
	case StatusNothingToVoid:
		return command.ErrNothingToVoid
	case StatusSyntax:
		return command.ErrInvalidRequest
	default:
		return command.ErrDeviceError
	}
}

// CheckStatus returns a *StatusError when the response frame reports a failure
func CheckStatus(f *Frame) error {
	if f.Status == StatusOK {
		return nil
	}
	msg := ""
	if echo, err := DecodeEcho(f.Data); err == nil {
		msg = echo["error"]
	}
	return &StatusError{Cmd: f.Cmd, Status: f.Status, Message: msg}
}
