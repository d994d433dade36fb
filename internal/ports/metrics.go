package ports

import "context"

// Metrics records pipeline observations.
type Metrics interface {
	RecordCycle(role, asset string, ok bool, seconds float64)
	RecordMemorySize(asset, timeframe string, entries int)
	RecordPrediction(asset, timeframe string, price, low, high float64)
	RecordSignal(asset, direction string, seq int64)
	RecordOrder(asset, side, outcome string)
	RecordRetry(asset string)
}

// StatusPublisher mirrors status records to an external observer.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, role string, record interface{}) error
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RecordCycle(role, asset string, ok bool, seconds float64)           {}
func (NopMetrics) RecordMemorySize(asset, timeframe string, entries int)              {}
func (NopMetrics) RecordPrediction(asset, timeframe string, price, low, high float64) {}
func (NopMetrics) RecordSignal(asset, direction string, seq int64)                    {}
func (NopMetrics) RecordOrder(asset, side, outcome string)                            {}
func (NopMetrics) RecordRetry(asset string)                                           {}
