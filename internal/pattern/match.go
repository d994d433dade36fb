package pattern

import (
	"sort"

	"powertrader/internal/domain"
)

// Match is a memory entry within tolerance of the live pattern.
type Match struct {
	Entry    domain.PatternEntry
	Distance float64
	Score    float64 // weight × (1 − distance/tolerance)
}

// FindMatches returns up to k entries within tol of live (all of them when
// k <= 0), nearest first; ties prefer the heavier, then the more recently
// reinforced entry.
func FindMatches(entries []domain.PatternEntry, live []float64, tol float64, k int) []Match {
	var out []Match
	for _, e := range entries {
		d := Distance(e.Pattern, live)
		if d > tol || e.Weight <= 0 {
			continue
		}
		sim := 1.0
		if tol > 0 {
			sim = 1 - d/tol
		}
		out = append(out, Match{Entry: e, Distance: d, Score: e.Weight * sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return better(out[i].Entry, out[j].Entry)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Aggregate returns the score-weighted high and low outcome deltas. ok is false
// when no match carries positive score.
func Aggregate(matches []Match) (high, low float64, ok bool) {
	var total float64
	for _, m := range matches {
		high += m.Entry.HighBias * m.Score
		low += m.Entry.LowBias * m.Score
		total += m.Score
	}
	if total <= 0 {
		return 0, 0, false
	}
	return high / total, low / total, true
}
