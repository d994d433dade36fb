package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// LenientFloat decodes a loosely formatted number. Strings may carry surrounding
// whitespace, quotes, brackets or trailing commas. Any anomaly (empty, NaN, Inf,
// unsupported type) yields false.
func LenientFloat(v interface{}) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		return LenientFloat(string(t))
	case string:
		s := strings.Trim(strings.TrimSpace(t), "\"'[](){},; \t\r\n")
		if s == "" {
			return 0, false
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseDecimal is LenientFloat for string fields; empty input yields 0, false.
func ParseDecimal(s string) (float64, bool) {
	return LenientFloat(s)
}
