package receipt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 10, 17, 15, 4, 5, 0, time.UTC)

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{"nil", nil, 0},
		{"float", 2.5, 2.5},
		{"int", 3, 3},
		{"comma decimal with euro", "1,20€", 1.20},
		{"dot decimal with code", "3.45 EUR", 3.45},
		{"weight suffix", "0,5 kg", 0.5},
		{"grams", "250g", 250},
		{"european thousands", "1.234,56", 1234.56},
		{"english thousands", "1,234.56", 1234.56},
		{"repeated dots", "12.345.678", 12345.678},
		{"dotted thousands with cents", "1.234.567.89", 1234567.89},
		{"repeated commas", "1,234,567", 1234.567},
		{"units", "2 uds", 2},
		{"multiplier", "x3", 3},
		{"negative discount", "-0,30", -0.30},
		{"garbage", "n/a", 0},
		{"empty", "", 0},
		{"bool", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ParseNumber(tt.in), 1e-9)
		})
	}
}

func TestNormalizeItemDerivesLineTotal(t *testing.T) {
	item := NormalizeItem(RawLineItem{
		Description: "Leche",
		UnitPrice:   "1,20€",
		Quantity:    nil,
		LineTotal:   0,
	})
	assert.Equal(t, 1.0, item.Quantity)
	assert.InDelta(t, 1.20, item.UnitPrice, 1e-9)
	assert.Equal(t, 1.20, item.LineTotal)
	assert.Equal(t, DefaultCategory, item.Category)
}

func TestNormalizeItemRoundsDerivedTotal(t *testing.T) {
	item := NormalizeItem(RawLineItem{Quantity: "0,333 kg", UnitPrice: "2,99"})
	assert.Equal(t, Round2(0.333*2.99), item.LineTotal)
	assert.Equal(t, 1.0, item.LineTotal)
}

func TestNormalizeItemKeepsExplicitTotal(t *testing.T) {
	item := NormalizeItem(RawLineItem{Quantity: 2, UnitPrice: 1.5, LineTotal: "2,80"})
	assert.Equal(t, 2.80, item.LineTotal)
}

func TestDecodeAndNormalize(t *testing.T) {
	res, err := Decode([]byte(`{
		"tienda": "Mercadona",
		"numero_ticket": 4521,
		"fecha": "2026-10-15",
		"productos": [
			{"producto": "Leche", "categoria": "lácteos", "cantidad": 2, "precio_unitario": "0,95", "total_linea": "1,90"},
			{"producto": "Pan", "precio_unitario": 1.1}
		]
	}`))
	require.NoError(t, err)
	assert.False(t, res.ItemsMalformed)
	assert.Equal(t, "4521", res.ReceiptNumber)

	r := Normalize(res, today)
	assert.Equal(t, "Mercadona", r.StoreName)
	assert.True(t, r.HasNumber())
	assert.Equal(t, "2026-10-15", r.DateString())
	require.Len(t, r.Items, 2)
	assert.Equal(t, "otros", r.Items[1].Category)
	assert.Equal(t, 1.10, r.Items[1].LineTotal)
	assert.Equal(t, 3.00, r.Total)
}

func TestDecodeProductsAsString(t *testing.T) {
	res, err := Decode([]byte(`{"tienda":"Lidl","productos":"[{\"producto\":\"Agua\",\"total_linea\":0.6}]"}`))
	require.NoError(t, err)
	require.Len(t, res.LineItems, 1)
	assert.Equal(t, "Agua", res.LineItems[0].Description)
}

func TestDecodeMalformedProducts(t *testing.T) {
	res, err := Decode([]byte(`{"tienda":"Lidl","productos":"not a list"}`))
	require.NoError(t, err)
	assert.True(t, res.ItemsMalformed)
	assert.Empty(t, res.LineItems)

	r := Normalize(res, today)
	assert.Empty(t, r.Items)
	assert.Zero(t, r.Total)
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = Decode([]byte(`null`))
	assert.Error(t, err)
}

func TestNormalizeDefaults(t *testing.T) {
	r := Normalize(StructuredResult{}, today)
	assert.Equal(t, DefaultStore, r.StoreName)
	assert.False(t, r.HasNumber())
	assert.Equal(t, "2026-10-17", r.DateString())
}

func TestParseDateLayouts(t *testing.T) {
	for _, in := range []string{"2026-03-09", "09/03/2026", "09-03-2026", "09.03.2026", "2026/03/09", "09/03/26"} {
		assert.Equal(t, "2026-03-09", ParseDate(in, today).Format("2006-01-02"), in)
	}
	assert.Equal(t, "2026-10-17", ParseDate("ayer", today).Format("2006-01-02"))
}
