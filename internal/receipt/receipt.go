// Package receipt decodes the structured result produced by the extraction
// stage and normalises it into the rows the persistence stage writes.
//
// The wire format is the JSON object the LLM prompt asks for:
//
//	{"tienda": "...", "numero_ticket": "...", "fecha": "YYYY-MM-DD",
//	 "productos": [{"producto": "...", "categoria": "...", "cantidad": 1,
//	                "precio_unitario": "1,20€", "total_linea": 1.2}]}
//
// Decoding is lenient: numbers may be decorated strings, productos may be a
// JSON-encoded string, and missing fields take defaults instead of failing.
package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultStore    = "Desconocida"
	DefaultCategory = "otros"
)

// dateLayouts are tried in order when reading fecha.
var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2006/01/02",
	"02/01/06",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// StructuredResult is the decoded LLM output before normalisation.
type StructuredResult struct {
	StoreName     string
	ReceiptNumber string
	ReceiptDate   string
	LineItems     []RawLineItem
	// ItemsMalformed is set when productos existed but could not be read as
	// a list; LineItems is then empty.
	ItemsMalformed bool
	// Raw is the original JSON object, kept for the audit copy.
	Raw json.RawMessage
}

// RawLineItem holds the item fields exactly as decoded.
type RawLineItem struct {
	Description string
	Category    string
	Quantity    any
	UnitPrice   any
	LineTotal   any
}

// LineItem is a normalised row.
type LineItem struct {
	Description string
	Category    string
	Quantity    float64
	UnitPrice   float64
	LineTotal   float64
}

// Receipt is a normalised receipt ready for persistence.
type Receipt struct {
	StoreName     string
	ReceiptNumber string
	Date          time.Time
	Items         []LineItem
	Total         float64
}

// HasNumber reports whether duplicate detection applies to r.
func (r Receipt) HasNumber() bool { return r.ReceiptNumber != "" }

// DateString formats the receipt date the way users see it.
func (r Receipt) DateString() string { return r.Date.Format("2006-01-02") }

// Decode parses a serialized structured result.
func Decode(data []byte) (StructuredResult, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return StructuredResult{}, fmt.Errorf("decoding structured result: %w", err)
	}
	if m == nil {
		return StructuredResult{}, fmt.Errorf("decoding structured result: not an object")
	}

	res := StructuredResult{
		StoreName:     text(m["tienda"]),
		ReceiptNumber: text(m["numero_ticket"]),
		ReceiptDate:   text(m["fecha"]),
		Raw:           json.RawMessage(append([]byte(nil), data...)),
	}
	items, ok := itemList(m["productos"])
	res.ItemsMalformed = !ok
	for _, it := range items {
		obj, isObj := it.(map[string]any)
		if !isObj {
			continue
		}
		res.LineItems = append(res.LineItems, RawLineItem{
			Description: text(obj["producto"]),
			Category:    text(obj["categoria"]),
			Quantity:    obj["cantidad"],
			UnitPrice:   obj["precio_unitario"],
			LineTotal:   obj["total_linea"],
		})
	}
	return res, nil
}

// itemList accepts a JSON array or a string holding one. ok is false when a
// value was present but unusable.
func itemList(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []any:
		return t, true
	case string:
		dec := json.NewDecoder(strings.NewReader(t))
		dec.UseNumber()
		var list []any
		if err := dec.Decode(&list); err != nil {
			return nil, false
		}
		return list, true
	default:
		return nil, false
	}
}

// Normalize applies the persistence defaults: store and category fallbacks,
// quantity 1 when absent or zero, line totals derived from quantity and unit
// price when missing, and the receipt total as the sum of line totals. now
// supplies the date when the receipt has none.
func Normalize(res StructuredResult, now time.Time) Receipt {
	r := Receipt{
		StoreName:     strings.TrimSpace(res.StoreName),
		ReceiptNumber: strings.TrimSpace(res.ReceiptNumber),
		Date:          ParseDate(res.ReceiptDate, now),
		Items:         make([]LineItem, 0, len(res.LineItems)),
	}
	if r.StoreName == "" {
		r.StoreName = DefaultStore
	}
	var total float64
	for _, raw := range res.LineItems {
		item := NormalizeItem(raw)
		total += item.LineTotal
		r.Items = append(r.Items, item)
	}
	r.Total = Round2(total)
	return r
}

// NormalizeItem normalises one line item.
func NormalizeItem(raw RawLineItem) LineItem {
	item := LineItem{
		Description: strings.TrimSpace(raw.Description),
		Category:    strings.TrimSpace(raw.Category),
		Quantity:    ParseNumber(raw.Quantity),
		UnitPrice:   ParseNumber(raw.UnitPrice),
		LineTotal:   ParseNumber(raw.LineTotal),
	}
	if item.Category == "" {
		item.Category = DefaultCategory
	}
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	if item.LineTotal == 0 && item.UnitPrice > 0 {
		item.LineTotal = Round2(item.Quantity * item.UnitPrice)
	}
	return item
}

// ParseDate reads a receipt date in any of the common layouts, falling back
// to the calendar date of now.
func ParseDate(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	}
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
