package domain

import "github.com/shopspring/decimal"

// FormatAmount renders v truncated to places decimals without exponent or
// trailing zeros, as exchanges expect for quantity and notional fields.
func FormatAmount(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).String()
}
