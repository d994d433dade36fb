package domain

import "time"

// PatternEntry is one memorized price-delta shape with its weighted outcome.
type PatternEntry struct {
	Pattern        []float64 `json:"pattern"`
	Weight         float64   `json:"weight"`
	HighBias       float64   `json:"high_bias"`
	LowBias        float64   `json:"low_bias"`
	LastReinforced int64     `json:"last_reinforced"`
	CreatedPass    int64     `json:"created_pass"`
}

// PatternMemory is the per asset/timeframe weighted pattern store.
// Only the trainer writes it.
type PatternMemory struct {
	Asset          string         `json:"asset"`
	Timeframe      Timeframe      `json:"timeframe"`
	WindowLength   int            `json:"window_length"`
	TrainedThrough int64          `json:"trained_through"`
	PassCount      int64          `json:"pass_count"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Entries        []PatternEntry `json:"entries"`
}

// NewPatternMemory returns an empty memory for asset/timeframe.
func NewPatternMemory(asset string, tf Timeframe, window int) *PatternMemory {
	return &PatternMemory{
		Asset:        asset,
		Timeframe:    tf,
		WindowLength: window,
		Entries:      []PatternEntry{},
	}
}

// Clone returns a deep copy.
func (m *PatternMemory) Clone() *PatternMemory {
	c := *m
	c.Entries = make([]PatternEntry, len(m.Entries))
	for i, e := range m.Entries {
		e.Pattern = append([]float64(nil), e.Pattern...)
		c.Entries[i] = e
	}
	return &c
}

// TotalWeight sums entry weights.
func (m *PatternMemory) TotalWeight() float64 {
	var total float64
	for _, e := range m.Entries {
		total += e.Weight
	}
	return total
}

// IsEmpty reports whether the memory holds no entries.
func (m *PatternMemory) IsEmpty() bool {
	return m == nil || len(m.Entries) == 0
}
