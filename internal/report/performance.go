// Package report summarizes the trade history ledger.
package report

import (
	"math"
	"sort"
	"strings"
	"time"

	"powertrader/internal/domain"
)

// RoundTrip is one sell matched against the average cost of the open buys of
// the same asset.
type RoundTrip struct {
	Asset     string
	EntryTime time.Time
	ExitTime  time.Time
	Quantity  float64
	Cost      float64
	Proceeds  float64
	PNL       float64
}

// PerformanceMetrics holds the performance summary of a trade history.
type PerformanceMetrics struct {
	TotalTrades        int // round trips
	WinningTrades      int
	LosingTrades       int
	UnmatchedSells     int // sells with no recorded buy, e.g. adopted holdings
	WinRate            float64
	TotalProfit        float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64
	FinalBalance       float64
	ReturnOnInvestment float64

	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration
	RecoveryFactor       float64
	Expectancy           float64
	MonthlyReturns       map[string]float64
	PerAsset             map[string]float64
	OpenQuantity         map[string]float64
	Drawdowns            []Drawdown
	EquityCurve          []EquityPoint
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

type lot struct {
	qty   float64
	cost  float64
	since time.Time
}

func notional(t *domain.TradeRecord) float64 {
	if t.Notional > 0 {
		return t.Notional
	}
	return t.Quantity * t.Price
}

// RoundTrips pairs sells with the running average cost of earlier buys per asset.
// It returns the round trips in exit order, the number of unmatched sells and
// the quantity still held per asset.
func RoundTrips(trades []*domain.TradeRecord) ([]RoundTrip, int, map[string]float64) {
	sorted := make([]*domain.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if t != nil && t.Quantity > 0 {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	lots := make(map[string]*lot)
	var trips []RoundTrip
	unmatched := 0
	for _, t := range sorted {
		asset := strings.ToUpper(t.Asset)
		l := lots[asset]
		switch t.Side {
		case domain.Buy:
			if l == nil || l.qty <= 0 {
				l = &lot{since: t.Timestamp}
				lots[asset] = l
			}
			l.qty += t.Quantity
			l.cost += notional(t)
		case domain.Sell:
			if l == nil || l.qty <= 0 {
				unmatched++
				continue
			}
			qty := math.Min(t.Quantity, l.qty)
			cost := l.cost * qty / l.qty
			proceeds := notional(t) * qty / t.Quantity
			trips = append(trips, RoundTrip{
				Asset:     asset,
				EntryTime: l.since,
				ExitTime:  t.Timestamp,
				Quantity:  qty,
				Cost:      cost,
				Proceeds:  proceeds,
				PNL:       proceeds - cost,
			})
			l.qty -= qty
			l.cost -= cost
		}
	}

	open := make(map[string]float64)
	for asset, l := range lots {
		if l.qty > 0 {
			open[asset] = l.qty
		}
	}
	return trips, unmatched, open
}

// AnalyzePerformance calculates performance metrics from the trade history.
func AnalyzePerformance(trades []*domain.TradeRecord, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]float64),
		PerAsset:       make(map[string]float64),
		Drawdowns:      make([]Drawdown, 0),
		EquityCurve:    make([]EquityPoint, 0),
	}

	trips, unmatched, open := RoundTrips(trades)
	metrics.UnmatchedSells = unmatched
	metrics.OpenQuantity = open
	if len(trips) == 0 {
		return metrics
	}

	currentBalance := initialBalance
	peakBalance := initialBalance
	var currentDrawdown *Drawdown
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	var grossWin, grossLoss float64

	for _, trip := range trips {
		metrics.TotalTrades++
		if trip.PNL > 0 {
			metrics.WinningTrades++
			consecutiveWins++
			consecutiveLosses = 0
			grossWin += trip.PNL
		} else {
			metrics.LosingTrades++
			consecutiveLosses++
			consecutiveWins = 0
			grossLoss += trip.PNL
		}
		metrics.MaxConsecutiveWins = max(metrics.MaxConsecutiveWins, consecutiveWins)
		metrics.MaxConsecutiveLosses = max(metrics.MaxConsecutiveLosses, consecutiveLosses)

		currentBalance += trip.PNL
		metrics.TotalProfit += trip.PNL
		metrics.FinalBalance = currentBalance
		metrics.MonthlyReturns[trip.ExitTime.UTC().Format("2006-01")] += trip.PNL
		metrics.PerAsset[trip.Asset] += trip.PNL
		totalDuration += trip.ExitTime.Sub(trip.EntryTime)

		var depth float64
		if currentBalance > peakBalance {
			peakBalance = currentBalance
			if currentDrawdown != nil {
				currentDrawdown.EndTime = trip.ExitTime
				currentDrawdown.EndValue = currentBalance
				currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
				currentDrawdown = nil
			}
		} else if peakBalance > 0 {
			depth = (peakBalance - currentBalance) / peakBalance
			if currentDrawdown == nil {
				currentDrawdown = &Drawdown{StartTime: trip.ExitTime, StartValue: peakBalance, Depth: depth}
			} else {
				currentDrawdown.Depth = math.Max(currentDrawdown.Depth, depth)
			}
			metrics.MaxDrawdown = math.Max(metrics.MaxDrawdown, depth)
		}

		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     trip.ExitTime,
			Value:    currentBalance,
			Drawdown: depth,
		})
	}

	if currentDrawdown != nil {
		currentDrawdown.EndTime = trips[len(trips)-1].ExitTime
		currentDrawdown.EndValue = currentBalance
		currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
		metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
	}

	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = grossWin / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = grossLoss / float64(metrics.LosingTrades)
	}
	if grossLoss != 0 {
		metrics.ProfitFactor = grossWin / -grossLoss
	}
	if initialBalance > 0 {
		metrics.ReturnOnInvestment = (metrics.FinalBalance - initialBalance) / initialBalance
		if metrics.MaxDrawdown > 0 {
			metrics.RecoveryFactor = metrics.TotalProfit / (initialBalance * metrics.MaxDrawdown)
		}
	}
	metrics.AverageTradeDuration = totalDuration / time.Duration(len(trips))
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss
	return metrics
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// GetMonthlyReturns returns the monthly returns sorted by month.
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{Month: date, Return: profit})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}
