package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRates = VATRates{
	VATClassA: decimal.Zero,
	VATClassB: decimal.NewFromInt(20),
	VATClassC: decimal.NewFromInt(9),
}

func kaveSale() SaleRequest {
	return SaleRequest{
		Items: []SaleItem{{
			Name:      "Kave",
			UnitPrice: decimal.RequireFromString("8.00"),
			Qty:       decimal.NewFromInt(1),
			VATClass:  VATClassC,
		}},
		PaymentType: PaymentCash,
	}
}

// TestKindClassification checks which kinds may be resent and which need an operator
func TestKindClassification(t *testing.T) {
	idempotent := map[Kind]bool{
		KindPing:         true,
		KindSetOperator:  true,
		KindOpenDrawer:   true,
		KindPrintXReport: true,
		KindPrintZReport: false,
		KindProcessSale:  false,
		KindVoidReceipt:  false,
	}
	for kind, want := range idempotent {
		assert.Equal(t, want, kind.Idempotent(), kind.String())
	}

	assert.False(t, KindPing.RequiresOperator())
	assert.False(t, KindSetOperator.RequiresOperator())
	assert.False(t, KindOpenDrawer.RequiresOperator())
	assert.True(t, KindProcessSale.RequiresOperator())
	assert.True(t, KindPrintZReport.RequiresOperator())
}

// TestParseKind round-trips every kind through its name
func TestParseKind(t *testing.T) {
	for _, kind := range AllKinds {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseKind("reboot")
	assert.Equal(t, ErrUnknownCommand, KindOf(err))
}

// TestCommandJSON decodes a sale the way POS clients send it
func TestCommandJSON(t *testing.T) {
	raw := `{"id":"c1","kind":"processSale","sale":{"items":[{"name":"Kave","unitPrice":8.00,"qty":1,"vatClass":2}],"paymentType":"cash"}}`

	var cmd BridgeCommand
	require.NoError(t, json.Unmarshal([]byte(raw), &cmd))
	assert.Equal(t, KindProcessSale, cmd.Kind)
	require.NotNil(t, cmd.Sale)
	assert.Equal(t, PaymentCash, cmd.Sale.PaymentType)
	assert.Equal(t, VATClassC, cmd.Sale.Items[0].VATClass)
	assert.NoError(t, cmd.Validate())

	out, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"kind":"processSale"`)

	err = json.Unmarshal([]byte(`{"id":"c2","kind":"reboot"}`), &cmd)
	assert.Equal(t, ErrUnknownCommand, KindOf(err))
}

// TestCommandValidate requires the payload of each kind
func TestCommandValidate(t *testing.T) {
	assert.NoError(t, New(KindPing).Validate())
	assert.NoError(t, NewSetOperator(Operator{Code: "0001", Password: "1", Till: "I"}).Validate())

	assert.Equal(t, ErrInvalidRequest, KindOf(New(KindSetOperator).Validate()))
	assert.Equal(t, ErrInvalidRequest, KindOf(New(KindProcessSale).Validate()))
	assert.Equal(t, ErrInvalidRequest, KindOf(NewSetOperator(Operator{Code: "0001", Till: "I"}).Validate()))
	assert.Equal(t, ErrUnknownCommand, KindOf(New(Kind(42)).Validate()))

	cmd := New(KindPing)
	cmd.ID = ""
	assert.Equal(t, ErrInvalidRequest, KindOf(cmd.Validate()))
}

// TestWithID keeps client ids and generates missing ones
func TestWithID(t *testing.T) {
	cmd := New(KindPing).WithID(" pos-42 ")
	assert.Equal(t, "pos-42", cmd.ID)

	generated := New(KindPing).WithID("")
	assert.NotEmpty(t, generated.ID)
	assert.NotEqual(t, generated.ID, New(KindPing).WithID("").ID)
}

// TestOperatorRedacted never includes the password
func TestOperatorRedacted(t *testing.T) {
	op := Operator{Code: "0001", Password: "secret", Till: "I"}
	assert.NotContains(t, op.Redacted(), "secret")
	assert.Contains(t, op.Redacted(), "0001")
}

// TestSaleTotals covers totals, discounts and contained VAT
func TestSaleTotals(t *testing.T) {
	sale := kaveSale()
	require.NoError(t, sale.Validate(testRates))
	assert.Equal(t, "8.00", sale.Total().StringFixed(2))

	sale.Items = append(sale.Items, SaleItem{
		Name:      "Kifle",
		UnitPrice: decimal.RequireFromString("1.25"),
		Qty:       decimal.NewFromInt(2),
		VATClass:  VATClassB,
	})
	sale.DiscountPercent = decimal.NewFromInt(10)
	assert.Equal(t, "10.50", sale.Subtotal().StringFixed(2))
	assert.Equal(t, "9.45", sale.Total().StringFixed(2))

	vat := sale.VATAmounts(testRates)
	// 7.20 gross at 9% and 2.25 gross at 20%
	assert.Equal(t, "0.59", vat[VATClassC].StringFixed(2))
	assert.Equal(t, "0.38", vat[VATClassB].StringFixed(2))
}

// TestSaleValidate rejects malformed sales
func TestSaleValidate(t *testing.T) {
	cases := map[string]func(s *SaleRequest){
		"no items":       func(s *SaleRequest) { s.Items = nil },
		"no name":        func(s *SaleRequest) { s.Items[0].Name = " " },
		"zero qty":       func(s *SaleRequest) { s.Items[0].Qty = decimal.Zero },
		"negative price": func(s *SaleRequest) { s.Items[0].UnitPrice = decimal.NewFromInt(-1) },
		"bad class":      func(s *SaleRequest) { s.Items[0].VATClass = VATClass(9) },
		"unrated class":  func(s *SaleRequest) { s.Items[0].VATClass = VATClassH },
		"discount":       func(s *SaleRequest) { s.DiscountPercent = decimal.NewFromInt(101) },
		"payment":        func(s *SaleRequest) { s.PaymentType = "Bitcoin" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sale := kaveSale()
			mutate(&sale)
			assert.Equal(t, ErrInvalidRequest, KindOf(sale.Validate(testRates)))
		})
	}
}

type kindedErr struct{}

func (kindedErr) Error() string        { return "device said no" }
func (kindedErr) ErrorKind() ErrorKind { return ErrNothingToVoid }

// TestKindOf resolves kinds through wrapping
func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, ErrDeviceFaulted, KindOf(errors.New("boom")))
	assert.Equal(t, ErrQueueFull, KindOf(fmt.Errorf("submit: %w", Errorf(ErrQueueFull, "full"))))
	assert.Equal(t, ErrNothingToVoid, KindOf(fmt.Errorf("void: %w", kindedErr{})))

	wrapped := Wrap(ErrAmbiguousFailure, errors.New("connection reset"), "outcome unknown")
	assert.Equal(t, "outcome unknown: connection reset", MessageOf(wrapped))
}

// TestResults builds success and failure results
func TestResults(t *testing.T) {
	cmd := New(KindVoidReceipt)

	ok := Succeeded(cmd, map[string]string{"receipt": "1"}, 1)
	assert.True(t, ok.Success)
	assert.NoError(t, ok.Err())

	failed := Failed(cmd, Errorf(ErrNothingToVoid, "nothing to void"), 0)
	assert.False(t, failed.Success)
	assert.Equal(t, cmd.ID, failed.CommandID)
	assert.Equal(t, ErrNothingToVoid, KindOf(failed.Err()))
}
