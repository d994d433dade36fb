// Package thinker turns pattern memory and live candles into bounded price
// predictions and a per-asset directional signal.
package thinker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"powertrader/internal/domain"
	"powertrader/internal/pattern"
	"powertrader/internal/ports"
	"powertrader/internal/statestore"
)

// Config holds the predictor settings.
type Config struct {
	Timeframes        []domain.Timeframe
	CandleLimit       int
	Params            pattern.Params // WindowLength and Tolerance must match the trainer's
	MatchCount        int            // top matches that contribute; 0 means all
	SignalThreshold   float64        // bound asymmetry relative to price needed for a direction
	BootstrapFromLive bool
	WriteSidecars     bool
}

// Thinker runs predictor cycles. It only reads pattern memory and is the sole
// writer of prediction and signal records.
type Thinker struct {
	cfg     Config
	store   *statestore.Store
	market  ports.MarketDataProvider
	logger  ports.Logger
	metrics ports.Metrics
	now     func() time.Time
}

// New creates a predictor. metrics may be nil.
func New(cfg Config, store *statestore.Store, market ports.MarketDataProvider, logger ports.Logger, metrics ports.Metrics) (*Thinker, error) {
	if store == nil || market == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Thinker")
	}
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("%w: thinker needs at least one timeframe", ports.ErrConfigurationError)
	}
	if cfg.Params.WindowLength < 2 || cfg.CandleLimit < cfg.Params.WindowLength {
		return nil, fmt.Errorf("%w: candle limit %d must cover window length %d",
			ports.ErrConfigurationError, cfg.CandleLimit, cfg.Params.WindowLength)
	}
	if cfg.SignalThreshold < 0 {
		return nil, fmt.Errorf("%w: signal threshold must not be negative", ports.ErrConfigurationError)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Thinker{
		cfg:     cfg,
		store:   store,
		market:  market,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}, nil
}

// RunAsset predicts every timeframe of asset in order, then writes the asset
// signal from the timeframes predicted this cycle.
func (t *Thinker) RunAsset(ctx context.Context, asset string) error {
	op := "RunAsset"
	if t.store.ShutdownRequested() {
		return ports.ErrShutdown
	}

	quote := t.market.GetQuote(ctx, asset)
	votes := make(map[domain.Timeframe]domain.Direction, len(t.cfg.Timeframes))
	var errs []error

	for _, tf := range t.cfg.Timeframes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ports.ErrContextCanceled, err))
			break
		}
		pred, ok, err := t.PredictTimeframe(ctx, asset, tf, quote)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", asset, tf, err))
			continue
		}
		if !ok {
			continue
		}
		if err := t.store.SavePrediction(pred); err != nil {
			t.logger.Error(ctx, err, op+": Failed to write prediction", map[string]interface{}{"asset": asset, "timeframe": tf})
			errs = append(errs, err)
			continue
		}
		votes[tf] = pred.Direction
		t.metrics.RecordPrediction(asset, string(tf), pred.CurrentPrice, pred.LowBound, pred.HighBound)
	}

	if len(votes) > 0 {
		sig := t.nextSignal(asset, votes)
		if err := t.store.SaveSignal(sig); err != nil {
			t.logger.Error(ctx, err, op+": Failed to write signal", map[string]interface{}{"asset": asset})
			errs = append(errs, err)
		} else {
			t.metrics.RecordSignal(asset, string(sig.Direction), sig.Seq)
			t.logger.Info(ctx, op+": Signal updated", map[string]interface{}{
				"asset": asset, "direction": sig.Direction, "seq": sig.Seq,
				"long": sig.LongVotes, "short": sig.ShortVotes,
			})
		}
	} else {
		t.logger.Warn(ctx, op+": No timeframe predicted, signal left unchanged", map[string]interface{}{"asset": asset})
	}

	if t.cfg.WriteSidecars {
		if err := t.writeSidecars(asset); err != nil {
			t.logger.Warn(ctx, op+": Failed to write bound sidecars", map[string]interface{}{"asset": asset, "error": err.Error()})
		}
	}
	return errors.Join(errs...)
}

// PredictTimeframe computes the prediction for one timeframe. ok is false when
// there is not enough live history, in which case the previous prediction
// stays in place.
func (t *Thinker) PredictTimeframe(ctx context.Context, asset string, tf domain.Timeframe, quote domain.Quote) (*domain.Prediction, bool, error) {
	op := "PredictTimeframe"
	window := t.cfg.Params.WindowLength

	candles, err := t.market.GetCandles(ctx, asset, tf, t.cfg.CandleLimit)
	if err != nil {
		return nil, false, err
	}
	candles = domain.ClosedCandles(candles, tf, t.now())
	if len(candles) < window {
		t.logger.Debug(ctx, op+": Not enough live candles, timeframe skipped", map[string]interface{}{
			"asset": asset, "timeframe": tf, "candles": len(candles), "window": window,
		})
		return nil, false, nil
	}

	live := candles[len(candles)-window:]
	price := quote.Mid()
	if price <= 0 {
		price = live[window-1].Close
	}

	mem := t.memoryFor(ctx, asset, tf, candles)
	var matches []pattern.Match
	if mem != nil {
		matches = pattern.FindMatches(mem.Entries, pattern.EncodeCandles(live), t.cfg.Params.Tolerance, t.cfg.MatchCount)
	}

	pred := &domain.Prediction{
		Asset:        asset,
		Timeframe:    tf,
		CurrentPrice: price,
		LowBound:     price,
		HighBound:    price,
		Direction:    domain.Flat,
		Matches:      len(matches),
		GeneratedAt:  t.now().UTC(),
		SourceWindow: domain.SourceWindow{From: live[0].OpenTime, To: live[window-1].OpenTime, Count: window},
	}

	if wHigh, wLow, ok := pattern.Aggregate(matches); ok {
		pred.LowBound, pred.HighBound = Bounds(price, wLow, wHigh)
		prev := domain.Flat
		if last, found := t.store.LoadPrediction(asset, tf); found {
			prev = last.Direction
		}
		pred.Direction = Direction(price, pred.LowBound, pred.HighBound, t.cfg.SignalThreshold, prev)
	} else {
		pred.Matches = 0
	}
	return pred, true, nil
}

// memoryFor returns the persisted memory, or an ephemeral one built from the
// live history when the persisted memory is empty and bootstrapping is on.
func (t *Thinker) memoryFor(ctx context.Context, asset string, tf domain.Timeframe, candles []domain.Candle) *domain.PatternMemory {
	op := "memoryFor"
	p := t.cfg.Params
	mem, ok := t.store.LoadMemory(asset, tf)
	if ok && mem.WindowLength != p.WindowLength {
		t.logger.Warn(ctx, op+": Memory window length differs from configuration, ignoring it", map[string]interface{}{
			"asset": asset, "timeframe": tf, "stored": mem.WindowLength, "configured": p.WindowLength,
		})
		mem = nil
	}
	if !mem.IsEmpty() {
		return mem
	}
	if !t.cfg.BootstrapFromLive {
		return nil
	}
	boot := domain.NewPatternMemory(asset, tf, p.WindowLength)
	pattern.Merge(boot, pattern.Extract(candles, p.WindowLength, 0), p, 1)
	if boot.IsEmpty() {
		return nil
	}
	t.logger.Debug(ctx, op+": Using memory bootstrapped from live history", map[string]interface{}{
		"asset": asset, "timeframe": tf, "entries": len(boot.Entries),
	})
	return boot
}

// Bounds applies the weighted outcome deltas to price and clips the result so
// that low <= price <= high.
func Bounds(price, wLow, wHigh float64) (low, high float64) {
	low = price * (1 + wLow)
	high = price * (1 + wHigh)
	if low > high {
		low, high = high, low
	}
	return math.Min(low, price), math.Max(high, price)
}

// Direction classifies the bound asymmetry ((high-price) - (price-low)) / price
// against threshold. Keeping the previous direction only needs half the band.
func Direction(price, low, high, threshold float64, prev domain.Direction) domain.Direction {
	if price <= 0 {
		return domain.Flat
	}
	asym := ((high - price) - (price - low)) / price
	longBand, shortBand := threshold, threshold
	switch prev {
	case domain.Long:
		longBand = threshold / 2
	case domain.Short:
		shortBand = threshold / 2
	}
	switch {
	case asym > longBand:
		return domain.Long
	case asym < -shortBand:
		return domain.Short
	default:
		return domain.Flat
	}
}

// Vote returns the direction with strictly more votes than each of the other
// two; anything else is flat.
func Vote(votes map[domain.Timeframe]domain.Direction) (dir domain.Direction, long, short int) {
	flat := 0
	for _, d := range votes {
		switch d {
		case domain.Long:
			long++
		case domain.Short:
			short++
		default:
			flat++
		}
	}
	switch {
	case long > short && long > flat:
		return domain.Long, long, short
	case short > long && short > flat:
		return domain.Short, long, short
	default:
		return domain.Flat, long, short
	}
}

func (t *Thinker) nextSignal(asset string, votes map[domain.Timeframe]domain.Direction) *domain.Signal {
	dir, long, short := Vote(votes)
	prev, ok := t.store.LoadSignal(asset)
	if !ok {
		prev = &domain.Signal{Direction: domain.Flat}
	}
	now := t.now().UTC()
	seq := prev.Seq
	if dir != prev.Direction {
		seq = max(prev.Seq+1, now.UnixMilli())
	}
	return &domain.Signal{
		Asset:       asset,
		Direction:   dir,
		Seq:         seq,
		GeneratedAt: now,
		Timeframes:  votes,
		LongVotes:   long,
		ShortVotes:  short,
	}
}

// writeSidecars writes the low and high bounds of every configured timeframe,
// in configuration order, as space-separated text. Missing predictions are 0.
func (t *Thinker) writeSidecars(asset string) error {
	lows := make([]float64, len(t.cfg.Timeframes))
	highs := make([]float64, len(t.cfg.Timeframes))
	for i, tf := range t.cfg.Timeframes {
		if p, ok := t.store.LoadPrediction(asset, tf); ok {
			lows[i], highs[i] = p.LowBound, p.HighBound
		}
	}
	lowPath, highPath := t.store.BoundsSidecarPaths(asset)
	if err := statestore.WriteNumbers(lowPath, lows); err != nil {
		return err
	}
	return statestore.WriteNumbers(highPath, highs)
}
