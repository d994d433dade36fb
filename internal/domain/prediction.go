package domain

import "time"

// SourceWindow identifies the candle range a prediction was derived from.
type SourceWindow struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int   `json:"count"`
}

// Prediction is the bounded price estimate for one asset/timeframe.
// It is overwritten wholesale each thinker cycle.
type Prediction struct {
	Asset        string       `json:"asset"`
	Timeframe    Timeframe    `json:"timeframe"`
	CurrentPrice float64      `json:"current_price"`
	LowBound     float64      `json:"low_bound"`
	HighBound    float64      `json:"high_bound"`
	Direction    Direction    `json:"direction"`
	Matches      int          `json:"matches"`
	GeneratedAt  time.Time    `json:"generated_at"`
	SourceWindow SourceWindow `json:"source_window"`
}

// Signal is the per-asset directional instruction consumed by the trader.
// Seq only increases when Direction changes. A change takes the larger of the
// previous Seq+1 and the change time in unix milliseconds, so Seq keeps growing
// even when the signal file is lost.
type Signal struct {
	Asset       string                  `json:"asset"`
	Direction   Direction               `json:"direction"`
	Seq         int64                   `json:"seq"`
	GeneratedAt time.Time               `json:"generated_at"`
	Timeframes  map[Timeframe]Direction `json:"timeframes"`
	LongVotes   int                     `json:"long_votes"`
	ShortVotes  int                     `json:"short_votes"`
}
