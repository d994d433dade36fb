package pattern

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"powertrader/internal/domain"
)

// driftCandles builds an hourly series rising 0.5% per bar.
func driftCandles(n int) []domain.Candle {
	out := make([]domain.Candle, n)
	prev := 100.0
	for i := 0; i < n; i++ {
		c := 100 * math.Pow(1.005, float64(i))
		out[i] = domain.Candle{
			OpenTime: int64(1_700_000_000 + i*3600),
			Open:     prev,
			Close:    c,
			High:     c * 1.001,
			Low:      prev * 0.999,
			Volume:   1,
		}
		prev = c
	}
	return out
}

func TestEncode(t *testing.T) {
	got := Encode([]float64{100, 110, 99})
	require.Len(t, got, 2)
	assert.InDelta(t, 0.1, got[0], 1e-12)
	assert.InDelta(t, -0.1, got[1], 1e-12)

	assert.Nil(t, Encode([]float64{100}))
	assert.Nil(t, Encode([]float64{0, 1}))
}

func TestEncodeIsScaleInvariant(t *testing.T) {
	a := Encode([]float64{10, 11, 12, 11})
	b := Encode([]float64{1000, 1100, 1200, 1100})
	assert.InDelta(t, 0, Distance(a, b), 1e-12)
}

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0.15, Distance([]float64{0.1, 0.2}, []float64{0.2, 0.4}), 1e-12)
	assert.True(t, math.IsInf(Distance([]float64{1}, []float64{1, 2}), 1))
	assert.True(t, math.IsInf(Distance(nil, nil), 1))
}

func TestExtract(t *testing.T) {
	candles := driftCandles(10)

	cands := Extract(candles, 4, 0)
	require.Len(t, cands, 6)
	first := cands[0]
	assert.Len(t, first.Pattern, 3)
	assert.Equal(t, candles[4].OpenTime, first.OutcomeTime)
	assert.InDelta(t, 0.005, first.Pattern[0], 1e-9)
	assert.InDelta(t, 1.005*1.001-1, first.High, 1e-9)
	assert.InDelta(t, -0.001, first.Low, 1e-9)

	// Only outcomes newer than the watermark.
	after := Extract(candles, 4, candles[7].OpenTime)
	require.Len(t, after, 2)
	assert.Equal(t, candles[8].OpenTime, after[0].OutcomeTime)

	assert.Empty(t, Extract(candles[:4], 4, 0))
	assert.Empty(t, Extract(candles, 1, 0))
}

func TestMergeReinforcesAndAdds(t *testing.T) {
	p := DefaultParams()
	p.DecayFactor = 1
	mem := domain.NewPatternMemory("BTC", domain.TF1h, 3)

	stats := Merge(mem, []Candidate{
		{Pattern: []float64{0.01, 0.01}, High: 0.02, Low: -0.01},
		{Pattern: []float64{0.0101, 0.0099}, High: 0.04, Low: -0.03},
		{Pattern: []float64{-0.05, 0.05}, High: 0.01, Low: -0.01},
	}, p, 1)

	assert.Equal(t, 2, stats.Added)
	assert.Equal(t, 1, stats.Reinforced)
	require.Len(t, mem.Entries, 2)
	e := mem.Entries[0]
	assert.Equal(t, 2.0, e.Weight)
	assert.InDelta(t, 0.03, e.HighBias, 1e-12)
	assert.InDelta(t, -0.02, e.LowBias, 1e-12)
	assert.Equal(t, int64(1), e.LastReinforced)
}

func TestMergeDecayAndFloorEviction(t *testing.T) {
	p := DefaultParams()
	p.DecayFactor = 0.5
	p.WeightFloor = 0.3
	mem := &domain.PatternMemory{Entries: []domain.PatternEntry{
		{Pattern: []float64{0.1, 0.1}, Weight: 1},
		{Pattern: []float64{0.2, 0.2}, Weight: 0.5},
		{Pattern: []float64{-0.1, -0.1}, Weight: 1},
	}}

	stats := Merge(mem, []Candidate{{Pattern: []float64{-0.1, -0.1}}}, p, 2)

	require.Len(t, mem.Entries, 2)
	assert.InDelta(t, 0.5, mem.Entries[0].Weight, 1e-12)
	assert.InDelta(t, 2.0, mem.Entries[1].Weight, 1e-12)
	assert.Equal(t, 1, stats.Evicted)
	assert.Equal(t, 2, stats.Decayed)
	// +1 reinforcement, 0.5 and 0.25 decay, 0.25 evicted
	assert.InDelta(t, 2.0, stats.WeightDelta, 1e-12)
}

func TestMergeCapDropsLowestWeightThenOldest(t *testing.T) {
	p := DefaultParams()
	p.DecayFactor = 1
	p.WeightFloor = 0
	p.MaxEntries = 2
	mem := &domain.PatternMemory{Entries: []domain.PatternEntry{
		{Pattern: []float64{0.1}, Weight: 3, LastReinforced: 1},
		{Pattern: []float64{0.2}, Weight: 1, LastReinforced: 1},
		{Pattern: []float64{0.3}, Weight: 1, LastReinforced: 5},
		{Pattern: []float64{0.4}, Weight: 2, LastReinforced: 1},
	}}

	Merge(mem, nil, p, 6)
	require.Len(t, mem.Entries, 2)
	assert.Equal(t, []float64{0.1}, mem.Entries[0].Pattern)
	assert.Equal(t, []float64{0.4}, mem.Entries[1].Pattern)
}

func TestMergeIsIdempotentOnSameCandles(t *testing.T) {
	p := DefaultParams()
	p.DecayFactor = 1
	candles := driftCandles(60)
	mem := domain.NewPatternMemory("BTC", domain.TF1h, p.WindowLength)

	Merge(mem, Extract(candles, p.WindowLength, mem.TrainedThrough), p, 1)
	mem.TrainedThrough = candles[len(candles)-1].OpenTime
	snapshot := mem.Clone()

	stats := Merge(mem, Extract(candles, p.WindowLength, mem.TrainedThrough), p, 2)
	assert.Zero(t, stats.Added+stats.Reinforced)
	assert.Equal(t, snapshot.Entries, mem.Entries)
	assert.Zero(t, stats.Materiality(snapshot.TotalWeight()))
}

func TestMateriality(t *testing.T) {
	assert.Zero(t, MergeStats{}.Materiality(0))
	assert.True(t, math.IsInf(MergeStats{WeightDelta: 1}.Materiality(0), 1))
	assert.InDelta(t, 0.1, MergeStats{WeightDelta: 1}.Materiality(10), 1e-12)
}

func TestFindMatchesRanking(t *testing.T) {
	entries := []domain.PatternEntry{
		{Pattern: []float64{0.01, 0.01}, Weight: 1, LastReinforced: 1, HighBias: 0.1},
		{Pattern: []float64{0.01, 0.01}, Weight: 1, LastReinforced: 3, HighBias: 0.2},
		{Pattern: []float64{0.01, 0.01}, Weight: 2, LastReinforced: 0, HighBias: 0.3},
		{Pattern: []float64{0.012, 0.01}, Weight: 9, HighBias: 0.4},
		{Pattern: []float64{0.5, 0.5}, Weight: 9, HighBias: 0.5},
	}

	got := FindMatches(entries, []float64{0.01, 0.01}, 0.003, 0)
	require.Len(t, got, 4)
	assert.Equal(t, 0.3, got[0].Entry.HighBias)
	assert.Equal(t, 0.2, got[1].Entry.HighBias)
	assert.Equal(t, 0.1, got[2].Entry.HighBias)
	assert.Equal(t, 0.4, got[3].Entry.HighBias)
	assert.InDelta(t, 9*(1-0.001/0.003), got[3].Score, 1e-9)

	assert.Len(t, FindMatches(entries, []float64{0.01, 0.01}, 0.003, 2), 2)
	assert.Empty(t, FindMatches(entries, []float64{-0.3, 0.3}, 0.003, 0))
}

func TestAggregate(t *testing.T) {
	high, low, ok := Aggregate([]Match{
		{Entry: domain.PatternEntry{HighBias: 0.02, LowBias: -0.01}, Score: 1},
		{Entry: domain.PatternEntry{HighBias: 0.04, LowBias: -0.03}, Score: 3},
	})
	require.True(t, ok)
	assert.InDelta(t, 0.035, high, 1e-12)
	assert.InDelta(t, -0.025, low, 1e-12)

	_, _, ok = Aggregate([]Match{{Score: 0}})
	assert.False(t, ok)
	_, _, ok = Aggregate(nil)
	assert.False(t, ok)
}
