// Package trainer builds and maintains the per asset/timeframe pattern memory
// from closed candles.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"powertrader/internal/domain"
	"powertrader/internal/pattern"
	"powertrader/internal/ports"
	"powertrader/internal/statestore"
)

// Config holds the trainer settings.
type Config struct {
	Timeframes           []domain.Timeframe
	CandleLimit          int
	Params               pattern.Params
	MaterialityThreshold float64 // relative weight change below which a pass's memory write is deferred
}

// Result describes one timeframe pass.
type Result struct {
	Candles   int
	Stats     pattern.MergeStats
	Entries   int
	Skipped   bool
	Persisted bool
}

// Trainer runs training passes. It is the only writer of pattern memory and
// training status files.
type Trainer struct {
	cfg     Config
	store   *statestore.Store
	market  ports.MarketDataProvider
	logger  ports.Logger
	metrics ports.Metrics
	now     func() time.Time
}

// New creates a trainer. metrics may be nil.
func New(cfg Config, store *statestore.Store, market ports.MarketDataProvider, logger ports.Logger, metrics ports.Metrics) (*Trainer, error) {
	if store == nil || market == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Trainer")
	}
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("%w: trainer needs at least one timeframe", ports.ErrConfigurationError)
	}
	if cfg.Params.WindowLength < 2 {
		return nil, fmt.Errorf("%w: window length must be at least 2", ports.ErrConfigurationError)
	}
	if cfg.CandleLimit <= cfg.Params.WindowLength {
		return nil, fmt.Errorf("%w: candle limit %d must exceed window length %d",
			ports.ErrConfigurationError, cfg.CandleLimit, cfg.Params.WindowLength)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Trainer{
		cfg:     cfg,
		store:   store,
		market:  market,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// RunAsset trains every configured timeframe of asset in order and writes the
// training status. A failing timeframe does not stop the others; their errors
// are joined.
func (t *Trainer) RunAsset(ctx context.Context, asset string) error {
	op := "RunAsset"
	if t.store.ShutdownRequested() {
		return ports.ErrShutdown
	}

	status, ok := t.store.LoadTrainingStatus(asset)
	if !ok {
		status = &domain.TrainingStatus{Asset: asset}
	}
	if status.Timeframes == nil {
		status.Timeframes = make(map[domain.Timeframe]*domain.TimeframeTraining)
	}

	var errs []error
	for _, tf := range t.cfg.Timeframes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ports.ErrContextCanceled, err))
			break
		}
		st := status.Timeframes[tf]
		if st == nil {
			st = &domain.TimeframeTraining{}
			status.Timeframes[tf] = st
		}
		st.LastAttempt = t.now().UTC()

		res, err := t.trainTimeframe(ctx, asset, tf, func(p domain.TrainingPhase) { st.Phase = p })
		st.Candles = res.Candles
		if err != nil {
			st.Phase = domain.TrainingIdle
			st.LastError = err.Error()
			t.logger.Warn(ctx, op+": Training pass failed", map[string]interface{}{
				"asset": asset, "timeframe": tf, "error": err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s %s: %w", asset, tf, err))
			continue
		}
		st.Phase = domain.TrainingIdle
		st.LastError = ""
		st.LastSuccess = st.LastAttempt
		st.Entries = res.Entries
		st.Skipped = res.Skipped
		t.metrics.RecordMemorySize(asset, string(tf), res.Entries)
	}

	status.UpdatedAt = t.now().UTC()
	if err := t.store.SaveTrainingStatus(status); err != nil {
		t.logger.Error(ctx, err, op+": Failed to write training status", map[string]interface{}{"asset": asset})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TrainTimeframe runs a single pass for asset/timeframe.
func (t *Trainer) TrainTimeframe(ctx context.Context, asset string, tf domain.Timeframe) (Result, error) {
	return t.trainTimeframe(ctx, asset, tf, func(domain.TrainingPhase) {})
}

func (t *Trainer) trainTimeframe(ctx context.Context, asset string, tf domain.Timeframe, phase func(domain.TrainingPhase)) (Result, error) {
	op := "trainTimeframe"
	p := t.cfg.Params
	var res Result

	phase(domain.TrainingFetching)
	candles, err := t.market.GetCandles(ctx, asset, tf, t.cfg.CandleLimit)
	if err != nil {
		return res, err
	}
	candles = domain.ClosedCandles(candles, tf, t.now())
	res.Candles = len(candles)
	if len(candles) == 0 {
		return res, ports.ErrNoCandles
	}
	if len(candles) <= p.WindowLength {
		return res, fmt.Errorf("%w: have %d, need more than %d", ports.ErrInsufficientData, len(candles), p.WindowLength)
	}

	phase(domain.TrainingExtracting)
	mem, ok := t.store.LoadMemory(asset, tf)
	if !ok {
		mem = domain.NewPatternMemory(asset, tf, p.WindowLength)
	}
	if mem.WindowLength != p.WindowLength {
		t.logger.Warn(ctx, op+": Window length changed, starting a fresh memory", map[string]interface{}{
			"asset": asset, "timeframe": tf, "stored": mem.WindowLength, "configured": p.WindowLength,
		})
		mem = domain.NewPatternMemory(asset, tf, p.WindowLength)
	}
	cands := pattern.Extract(candles, p.WindowLength, mem.TrainedThrough)
	if len(cands) == 0 {
		// decay applies once per pass over new data, never on a re-poll
		res.Entries = len(mem.Entries)
		res.Skipped = true
		t.logger.Debug(ctx, op+": No new closed candles, memory unchanged", map[string]interface{}{
			"asset": asset, "timeframe": tf, "trainedThrough": mem.TrainedThrough,
		})
		return res, nil
	}

	phase(domain.TrainingMerging)
	prevTotal := mem.TotalWeight()
	pass := mem.PassCount + 1
	stats := pattern.Merge(mem, cands, p, pass)
	res.Stats = stats
	res.Entries = len(mem.Entries)

	if stats.Materiality(prevTotal) < t.cfg.MaterialityThreshold {
		// trained_through is not advanced, so these candidates are merged again next pass
		res.Skipped = true
		t.logger.Debug(ctx, op+": Change below materiality threshold, memory write deferred", map[string]interface{}{
			"asset": asset, "timeframe": tf, "candidates": len(cands), "entries": res.Entries,
		})
		return res, nil
	}

	for _, c := range cands {
		if c.OutcomeTime > mem.TrainedThrough {
			mem.TrainedThrough = c.OutcomeTime
		}
	}
	mem.PassCount = pass
	mem.UpdatedAt = t.now().UTC()
	if err := t.store.SaveMemory(mem); err != nil {
		return res, fmt.Errorf("persist memory: %w", err)
	}
	phase(domain.TrainingPersisted)
	res.Persisted = true

	t.logger.Info(ctx, op+": Memory updated", map[string]interface{}{
		"asset":      asset,
		"timeframe":  tf,
		"candidates": len(cands),
		"reinforced": stats.Reinforced,
		"added":      stats.Added,
		"evicted":    stats.Evicted,
		"entries":    res.Entries,
		"pass":       pass,
	})
	return res, nil
}
