package domain

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle granularity in canonical short form (e.g. "1h").
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF2h  Timeframe = "2h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
	TF8h  Timeframe = "8h"
	TF12h Timeframe = "12h"
	TF1d  Timeframe = "1d"
	TF1w  Timeframe = "1w"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
}

var timeframeAliases = map[string]Timeframe{
	"1min": TF1m, "3min": TF3m, "5min": TF5m, "15min": TF15m, "30min": TF30m,
	"1hour": TF1h, "2hour": TF2h, "4hour": TF4h, "6hour": TF6h, "8hour": TF8h, "12hour": TF12h,
	"1day": TF1d, "1week": TF1w,
}

// ParseTimeframe accepts the canonical form or the long aliases ("1hour", "1day").
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if tf, ok := timeframeAliases[s]; ok {
		return tf, nil
	}
	if _, ok := timeframeDurations[Timeframe(s)]; ok {
		return Timeframe(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Duration returns the bar length, or 0 for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether tf is one of the enumerated timeframes.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

func (tf Timeframe) String() string { return string(tf) }

// ClosedCandles drops trailing candles whose interval has not finished at now.
func ClosedCandles(in []Candle, tf Timeframe, now time.Time) []Candle {
	d := int64(tf.Duration() / time.Second)
	end := len(in)
	for end > 0 && in[end-1].OpenTime+d > now.Unix() {
		end--
	}
	return in[:end]
}
