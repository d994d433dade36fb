package domain

import (
	"sort"
	"time"
)

// Candle represents a single OHLCV bar. OpenTime is in unix seconds.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// Time returns the open time as a time.Time in UTC.
func (c Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}

// Canonical provider row layout. Close comes before high and low; every provider
// adapter emits rows in exactly this order.
const (
	RowTime = iota
	RowOpen
	RowClose
	RowHigh
	RowLow
	RowVolume
	rowLen
)

// CandleRow is one candle in the canonical provider row order
// (time, open, close, high, low, volume). Cells may be strings or numbers.
type CandleRow []interface{}

// ParseCandleRow decodes a canonical row. It returns false when the row is short
// or any cell fails lenient decoding.
func ParseCandleRow(row CandleRow) (Candle, bool) {
	if len(row) < rowLen {
		return Candle{}, false
	}
	var vals [rowLen]float64
	for i := 0; i < rowLen; i++ {
		v, ok := LenientFloat(row[i])
		if !ok {
			return Candle{}, false
		}
		vals[i] = v
	}
	c := Candle{
		OpenTime: int64(vals[RowTime]),
		Open:     vals[RowOpen],
		Close:    vals[RowClose],
		High:     vals[RowHigh],
		Low:      vals[RowLow],
		Volume:   vals[RowVolume],
	}
	if c.OpenTime <= 0 || c.Open <= 0 || c.Close <= 0 || c.High <= 0 || c.Low <= 0 {
		return Candle{}, false
	}
	return c, true
}

// RowsToCandles parses canonical rows, dropping malformed ones, and normalizes the result.
func RowsToCandles(rows []CandleRow) []Candle {
	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		if c, ok := ParseCandleRow(r); ok {
			out = append(out, c)
		}
	}
	return NormalizeCandles(out)
}

// NormalizeCandles sorts by open time ascending and removes duplicate open times.
// When duplicates exist the later element in the input wins.
func NormalizeCandles(in []Candle) []Candle {
	if len(in) == 0 {
		return []Candle{}
	}
	byTime := make(map[int64]Candle, len(in))
	for _, c := range in {
		byTime[c.OpenTime] = c
	}
	out := make([]Candle, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

// TailCandles returns at most the last n candles.
func TailCandles(in []Candle, n int) []Candle {
	if n <= 0 || len(in) <= n {
		return in
	}
	return in[len(in)-n:]
}

// Quote is a best bid/ask pair. The zero Quote means "no data".
type Quote struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// IsZero reports whether the quote is the no-data sentinel.
func (q Quote) IsZero() bool {
	return q.Bid <= 0 || q.Ask <= 0
}

// Mid returns the midpoint, or 0 for the sentinel quote.
func (q Quote) Mid() float64 {
	if q.IsZero() {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}
