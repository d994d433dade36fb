// Package pattern encodes candle windows as scale-invariant delta sequences and
// maintains the weighted pattern memory built from them.
package pattern

import (
	"math"
	"sort"

	"powertrader/internal/domain"
)

// Params controls extraction, merging and eviction.
type Params struct {
	WindowLength  int     // candles per pattern; a pattern holds WindowLength-1 deltas
	Tolerance     float64 // max mean absolute delta difference for two patterns to match
	InitialWeight float64
	DecayFactor   float64 // applied to entries not reinforced in a pass
	WeightFloor   float64 // entries below it are evicted
	MaxEntries    int
}

// DefaultParams mirrors the configuration defaults.
func DefaultParams() Params {
	return Params{
		WindowLength:  12,
		Tolerance:     0.003,
		InitialWeight: 1,
		DecayFactor:   0.98,
		WeightFloor:   0.05,
		MaxEntries:    5000,
	}
}

// Candidate is a window extracted from history together with its outcome:
// the next bar's high and low relative to the window's last close.
type Candidate struct {
	Pattern     []float64
	High        float64
	Low         float64
	OutcomeTime int64
}

// Encode converts closes into relative deltas (c[i]-c[i-1])/c[i-1].
func Encode(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev == 0 {
			return nil
		}
		out[i-1] = (closes[i] - prev) / prev
	}
	return out
}

// EncodeCandles encodes the closes of candles.
func EncodeCandles(candles []domain.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return Encode(closes)
}

// Distance is the mean absolute difference between two patterns, +Inf when the
// lengths differ.
func Distance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}

// Extract returns every window of length window that is followed by an outcome
// bar opened strictly after the given time. candles must be ascending.
func Extract(candles []domain.Candle, window int, after int64) []Candidate {
	if window < 2 || len(candles) <= window {
		return nil
	}
	out := make([]Candidate, 0, len(candles)-window)
	for end := window; end < len(candles); end++ {
		next := candles[end]
		if next.OpenTime <= after {
			continue
		}
		win := candles[end-window : end]
		enc := EncodeCandles(win)
		last := win[window-1].Close
		if enc == nil || last <= 0 {
			continue
		}
		out = append(out, Candidate{
			Pattern:     enc,
			High:        (next.High - last) / last,
			Low:         (next.Low - last) / last,
			OutcomeTime: next.OpenTime,
		})
	}
	return out
}

// MergeStats summarizes a merge pass.
type MergeStats struct {
	Reinforced  int
	Added       int
	Decayed     int
	Evicted     int
	WeightDelta float64 // sum of absolute weight changes, including added and evicted weight
}

// Materiality returns WeightDelta relative to the memory's weight before the pass.
func (s MergeStats) Materiality(prevTotal float64) float64 {
	if s.WeightDelta == 0 {
		return 0
	}
	if prevTotal <= 0 {
		return math.Inf(1)
	}
	return s.WeightDelta / prevTotal
}

// Merge folds candidates into mem, then decays, evicts and caps it. pass is the
// number recorded as LastReinforced for touched entries.
func Merge(mem *domain.PatternMemory, cands []Candidate, p Params, pass int64) MergeStats {
	var stats MergeStats
	reinforced := make(map[int]bool, len(cands))

	for _, c := range cands {
		idx := closest(mem.Entries, c.Pattern, p.Tolerance)
		if idx < 0 {
			mem.Entries = append(mem.Entries, domain.PatternEntry{
				Pattern:        append([]float64(nil), c.Pattern...),
				Weight:         p.InitialWeight,
				HighBias:       c.High,
				LowBias:        c.Low,
				LastReinforced: pass,
				CreatedPass:    pass,
			})
			reinforced[len(mem.Entries)-1] = true
			stats.Added++
			stats.WeightDelta += p.InitialWeight
			continue
		}
		e := &mem.Entries[idx]
		w := e.Weight
		e.HighBias = (e.HighBias*w + c.High*p.InitialWeight) / (w + p.InitialWeight)
		e.LowBias = (e.LowBias*w + c.Low*p.InitialWeight) / (w + p.InitialWeight)
		e.Weight = w + p.InitialWeight
		e.LastReinforced = pass
		reinforced[idx] = true
		stats.Reinforced++
		stats.WeightDelta += p.InitialWeight
	}

	kept := mem.Entries[:0]
	for i, e := range mem.Entries {
		if !reinforced[i] && p.DecayFactor > 0 && p.DecayFactor < 1 {
			decayed := e.Weight * p.DecayFactor
			stats.WeightDelta += e.Weight - decayed
			e.Weight = decayed
			stats.Decayed++
		}
		if e.Weight < p.WeightFloor {
			stats.WeightDelta += e.Weight
			stats.Evicted++
			continue
		}
		kept = append(kept, e)
	}
	mem.Entries = kept

	if p.MaxEntries > 0 && len(mem.Entries) > p.MaxEntries {
		stats.Evicted += capEntries(mem, p.MaxEntries, &stats.WeightDelta)
	}
	return stats
}

// closest returns the index of the nearest entry within tolerance, or -1.
// Ties prefer the heavier, then the more recently reinforced entry.
func closest(entries []domain.PatternEntry, pat []float64, tol float64) int {
	best := -1
	bestDist := math.Inf(1)
	for i := range entries {
		d := Distance(entries[i].Pattern, pat)
		if d > tol {
			continue
		}
		if best < 0 || d < bestDist ||
			(d == bestDist && better(entries[i], entries[best])) {
			best, bestDist = i, d
		}
	}
	return best
}

func better(a, b domain.PatternEntry) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.LastReinforced > b.LastReinforced
}

// capEntries drops the lowest-weight entries (oldest reinforcement first on
// ties) until max remain, preserving the order of the survivors.
func capEntries(mem *domain.PatternMemory, max int, delta *float64) int {
	idx := make([]int, len(mem.Entries))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ea, eb := mem.Entries[idx[a]], mem.Entries[idx[b]]
		if ea.Weight != eb.Weight {
			return ea.Weight < eb.Weight
		}
		return ea.LastReinforced < eb.LastReinforced
	})
	drop := len(mem.Entries) - max
	dropped := make(map[int]bool, drop)
	for _, i := range idx[:drop] {
		dropped[i] = true
		*delta += mem.Entries[i].Weight
	}
	kept := make([]domain.PatternEntry, 0, max)
	for i, e := range mem.Entries {
		if !dropped[i] {
			kept = append(kept, e)
		}
	}
	mem.Entries = kept
	return drop
}
