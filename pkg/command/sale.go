package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// VATClass is the device tax group of an item. The set of classes is closed;
// the rate of each class comes from configuration.
type VATClass int

const (
	VATClassA VATClass = iota
	VATClassB
	VATClassC
	VATClassD
	VATClassE
	VATClassF
	VATClassG
	VATClassH
)

// Letter returns the tax group letter printed on the receipt
func (v VATClass) Letter() string {
	if !v.Valid() {
		return "?"
	}
	return string(rune('A' + int(v)))
}

// Valid reports whether v is one of the device tax groups
func (v VATClass) Valid() bool {
	return v >= VATClassA && v <= VATClassH
}

// VATRates maps each configured tax group to its rate in percent
type VATRates map[VATClass]decimal.Decimal

// PaymentType is the tender used to pay a sale
type PaymentType string

const (
	PaymentCash PaymentType = "Cash"
	PaymentCard PaymentType = "Card"
)

// Valid reports whether p is a known payment type
func (p PaymentType) Valid() bool {
	return p == PaymentCash || p == PaymentCard
}

// UnmarshalJSON accepts payment types case-insensitively
func (p *PaymentType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return Errorf(ErrInvalidRequest, "paymentType must be a string")
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cash":
		*p = PaymentCash
	case "card":
		*p = PaymentCard
	default:
		return Errorf(ErrInvalidRequest, "unknown paymentType %q", s)
	}
	return nil
}

// SaleItem is one receipt line
type SaleItem struct {
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Qty       decimal.Decimal `json:"qty"`
	VATClass  VATClass        `json:"vatClass"`
}

// Amount returns the line amount before the receipt discount
func (i SaleItem) Amount() decimal.Decimal {
	return i.UnitPrice.Mul(i.Qty).Round(2)
}

// SaleRequest is the payload of a ProcessSale command
type SaleRequest struct {
	Items           []SaleItem      `json:"items"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	PaymentType     PaymentType     `json:"paymentType"`
	MemberID        string          `json:"memberId,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// Validate checks the sale against the configured VAT rates
func (s SaleRequest) Validate(rates VATRates) error {
	if len(s.Items) == 0 {
		return Errorf(ErrInvalidRequest, "sale has no items")
	}
	for i, item := range s.Items {
		if strings.TrimSpace(item.Name) == "" {
			return Errorf(ErrInvalidRequest, "item %d: name is required", i)
		}
		if !item.Qty.IsPositive() {
			return Errorf(ErrInvalidRequest, "item %d: qty must be positive", i)
		}
		if item.UnitPrice.IsNegative() {
			return Errorf(ErrInvalidRequest, "item %d: unitPrice must not be negative", i)
		}
		if !item.VATClass.Valid() {
			return Errorf(ErrInvalidRequest, "item %d: unknown vatClass %d", i, int(item.VATClass))
		}
		if _, ok := rates[item.VATClass]; !ok {
			return Errorf(ErrInvalidRequest, "item %d: vatClass %s has no configured rate", i, item.VATClass.Letter())
		}
	}
	if s.DiscountPercent.IsNegative() || s.DiscountPercent.GreaterThan(hundred) {
		return Errorf(ErrInvalidRequest, "discountPercent must be between 0 and 100")
	}
	if !s.PaymentType.Valid() {
		return Errorf(ErrInvalidRequest, "unknown paymentType %q", string(s.PaymentType))
	}
	return nil
}

// Subtotal returns the sum of line amounts
func (s SaleRequest) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.Items {
		total = total.Add(item.Amount())
	}
	return total
}

// Total returns the amount due after the receipt discount, rounded to cents
func (s SaleRequest) Total() decimal.Decimal {
	subtotal := s.Subtotal()
	if s.DiscountPercent.IsZero() {
		return subtotal
	}
	factor := hundred.Sub(s.DiscountPercent).Div(hundred)
	return subtotal.Mul(factor).Round(2)
}

// VATAmounts returns the VAT contained in the discounted total per tax group
func (s SaleRequest) VATAmounts(rates VATRates) map[VATClass]decimal.Decimal {
	factor := hundred.Sub(s.DiscountPercent).Div(hundred)
	out := make(map[VATClass]decimal.Decimal)
	for _, item := range s.Items {
		gross := item.Amount().Mul(factor)
		rate := rates[item.VATClass]
		// VAT included in a gross amount: gross * rate / (100 + rate)
		vat := gross.Mul(rate).Div(hundred.Add(rate))
		out[item.VATClass] = out[item.VATClass].Add(vat)
	}
	for class, v := range out {
		out[class] = v.Round(2)
	}
	return out
}

func (s SaleRequest) String() string {
	return fmt.Sprintf("sale of %d item(s), total %s, %s", len(s.Items), s.Total().StringFixed(2), s.PaymentType)
}
