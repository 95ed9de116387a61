package receipt

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	reNumber = regexp.MustCompile(`[-+]?\d*\.?\d+`)
	// currency symbols, ISO codes and the unit suffixes receipts print next
	// to quantities and prices
	noise = strings.NewReplacer(
		"€", "", "$", "", "£", "",
		"eur", "", "usd", "", "gbp", "",
		"kg", "", "gr", "", "g", "", "ml", "", "l", "",
		"uds", "", "ud", "", "x", "",
		" ", "", " ", "",
	)
)

// ParseNumber converts a decorated numeric value ("1,20€", "0.5 kg",
// "1.234,56") to a float. It never fails: anything it cannot read is 0.
func ParseNumber(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return finite(n)
	case float32:
		return finite(float64(n))
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return ParseNumber(n.String())
		}
		return finite(f)
	case bool:
		return 0
	case string:
		return parseDecorated(n)
	default:
		return 0
	}
}

func parseDecorated(s string) float64 {
	s = noise.Replace(strings.ToLower(strings.TrimSpace(s)))
	if s == "" {
		return 0
	}
	comma := strings.LastIndex(s, ",")
	dot := strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		// 1.234,56
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		// 1,234.56
		s = strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		s = strings.ReplaceAll(s, ",", ".")
	}
	// 12.345.678: every separator but the last groups thousands.
	if n := strings.Count(s, "."); n > 1 {
		s = strings.Replace(s, ".", "", n-1)
	}
	m := reNumber.FindString(s)
	if m == "" {
		return 0
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0
	}
	return finite(f)
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Round2 rounds to cents.
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}
