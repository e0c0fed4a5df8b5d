package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jwoglom/fiscalbridge/pkg/command"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kaveSale() command.SaleRequest {
	return command.SaleRequest{
		Items: []command.SaleItem{
			{Name: "Кафе", UnitPrice: decimal.RequireFromString("8.00"), Qty: decimal.NewFromInt(1), VATClass: command.VATClassC},
			{Name: "Kave", UnitPrice: decimal.RequireFromString("2.50"), Qty: decimal.RequireFromString("1.5"), VATClass: command.VATClassB},
		},
		DiscountPercent: decimal.NewFromInt(10),
		PaymentType:     command.PaymentCard,
		MemberID:        "M-42",
	}
}

// TestEncodeDeterministic checks that only the sequence byte differs between encodings
func TestEncodeDeterministic(t *testing.T) {
	req, err := BuildRequest(command.NewSale(kaveSale()))
	require.NoError(t, err)

	a, err := Encode(req, 7)
	require.NoError(t, err)
	b, err := Encode(req, 7)
	require.NoError(t, err)
	c, err := Encode(req, 8)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	require.Equal(t, len(a), len(c))

	var diff []int
	for i := range a {
		if a[i] != c[i] {
			diff = append(diff, i)
		}
	}
	// seq byte plus the two CRC bytes
	assert.Contains(t, diff, 3)
	for _, i := range diff {
		assert.True(t, i == 3 || i >= len(a)-3, "unexpected difference at offset %d", i)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	raw, err := Marshal(Frame{Seq: 200, Cmd: CmdStatus, Status: StatusInvalidState, Data: []byte("error=day closed")})
	require.NoError(t, err)

	f, n, err := Decode(raw, 200)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, uint8(200), f.Seq)
	assert.Equal(t, CmdStatus, f.Cmd)
	assert.Equal(t, StatusInvalidState, f.Status)
	assert.Equal(t, "error=day closed", string(f.Data))
}

// TestDecodeIncomplete feeds every strict prefix of a frame
func TestDecodeIncomplete(t *testing.T) {
	raw, err := Encode(Request{Cmd: CmdDailyReport, Data: []byte("X")}, 1)
	require.NoError(t, err)

	for i := 0; i < len(raw); i++ {
		_, _, err := Decode(raw[:i], 1)
		if !errors.Is(err, ErrIncomplete) {
			t.Errorf("prefix of %d bytes: expected Incomplete, got %v", i, err)
		}
	}
}

func TestDecodeCorrupt(t *testing.T) {
	raw, err := Encode(Request{Cmd: CmdDrawer}, 3)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"bad preamble", func(b []byte) { b[0] = 0x02 }},
		{"bad terminator", func(b []byte) { b[len(b)-1] = 0x04 }},
		{"crc mismatch", func(b []byte) { b[len(b)-2] ^= 0xFF }},
		{"payload flipped", func(b []byte) { b[4] ^= 0x01 }},
		{"length too short", func(b []byte) { b[1], b[2] = 0, 1 }},
		{"length too long", func(b []byte) { b[1], b[2] = 0xFF, 0xFF }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := bytes.Clone(raw)
			tt.mutate(buf)
			_, _, err := Decode(buf, 3)
			assert.True(t, errors.Is(err, ErrCorrupt), "got %v", err)
		})
	}
}

func TestDecodeSequenceMismatch(t *testing.T) {
	raw, err := Encode(Request{Cmd: CmdStatus}, 10)
	require.NoError(t, err)

	f, n, err := Decode(raw, 11)
	assert.True(t, errors.Is(err, ErrSequenceMismatch))
	require.NotNil(t, f)
	assert.Equal(t, uint8(10), f.Seq)
	assert.Equal(t, len(raw), n)

	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, FrameSequenceMismatch, fe.Kind)
}

func TestMarshalRejectsOversizedData(t *testing.T) {
	_, err := Marshal(Frame{Cmd: CmdSale, Data: make([]byte, MaxDataLen+1)})
	assert.Error(t, err)
}

func TestSaleFieldsRoundTrip(t *testing.T) {
	cmd := command.NewSale(kaveSale())
	cmd.Force = true
	cmd.OriginalID = "first-attempt"

	req, err := BuildRequest(cmd)
	require.NoError(t, err)
	assert.Equal(t, CmdSale, req.Cmd)

	ref, sale, err := DecodeSale(req.Data)
	require.NoError(t, err)
	assert.Equal(t, "first-attempt", ref)
	assert.Equal(t, command.PaymentCard, sale.PaymentType)
	assert.Equal(t, "M-42", sale.MemberID)
	require.Len(t, sale.Items, 2)
	assert.Equal(t, "Кафе", sale.Items[0].Name)
	assert.Equal(t, command.VATClassC, sale.Items[0].VATClass)
	assert.True(t, sale.Total().Equal(kaveSale().Total()))
}

func TestEncodeFieldsUsesWindows1251(t *testing.T) {
	data, err := EncodeFields("Кафе")
	require.NoError(t, err)
	// one byte per Cyrillic letter in windows-1251
	assert.Equal(t, []byte{0xCA, 0xE0, 0xF4, 0xE5}, data)

	_, err = EncodeFields("tab\tinside")
	assert.Error(t, err)
}

func TestCheckStatus(t *testing.T) {
	data, err := EncodeEcho(map[string]string{"error": "no receipt"})
	require.NoError(t, err)

	err = CheckStatus(&Frame{Cmd: CmdVoid, Status: StatusNothingToVoid, Data: data})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, command.ErrNothingToVoid, se.ErrorKind())
	assert.Contains(t, se.Error(), "no receipt")

	assert.NoError(t, CheckStatus(&Frame{Cmd: CmdVoid}))
}
