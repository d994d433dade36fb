// Package app runs a role's poll loop: shutdown flag, due assets, status and
// readiness records, cancellable sleep.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"powertrader/internal/domain"
	"powertrader/internal/ports"
	"powertrader/internal/statestore"
)

// AssetWorker performs one pass of a role for one asset.
type AssetWorker interface {
	RunAsset(ctx context.Context, asset string) error
}

// RunnerConfig controls scheduling.
type RunnerConfig struct {
	Role           domain.Role
	Assets         []string
	Interval       time.Duration            // default pass interval
	AssetIntervals map[string]time.Duration // per-asset overrides
	MaxParallel    int                      // assets processed concurrently; <= 0 means 1
}

// Runner drives an AssetWorker until the context is canceled, the shutdown
// flag appears or a configuration error is reported.
type Runner struct {
	cfg       RunnerConfig
	worker    AssetWorker
	store     *statestore.Store
	logger    ports.Logger
	metrics   ports.Metrics
	publisher ports.StatusPublisher
	now       func() time.Time
	pid       int

	mu      sync.Mutex
	nextRun map[string]time.Time
	status  domain.StatusRecord
	ready   bool
}

// NewRunner creates a runner. metrics and publisher may be nil.
func NewRunner(cfg RunnerConfig, worker AssetWorker, store *statestore.Store, logger ports.Logger, metrics ports.Metrics, publisher ports.StatusPublisher) (*Runner, error) {
	if worker == nil || store == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Runner")
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("%w: no assets configured", ports.ErrConfigurationError)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", ports.ErrConfigurationError)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Runner{
		cfg:       cfg,
		worker:    worker,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
		now:       time.Now,
		pid:       os.Getpid(),
		nextRun:   make(map[string]time.Time, len(cfg.Assets)),
		status:    domain.StatusRecord{Role: cfg.Role, PID: os.Getpid(), Phase: "starting"},
	}, nil
}

func (r *Runner) intervalFor(asset string) time.Duration {
	if d, ok := r.cfg.AssetIntervals[strings.ToUpper(asset)]; ok && d > 0 {
		return d
	}
	return r.cfg.Interval
}

// Start runs the poll loop. SIGINT and SIGTERM cancel it. It returns nil on a
// requested stop and the error on a configuration failure.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info(ctx, "Starting runner...", map[string]interface{}{"role": r.cfg.Role, "assets": r.cfg.Assets})

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			r.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := r.store.ClearReady(r.cfg.Role); err != nil {
		r.logger.Warn(ctx, "Failed to clear stale readiness record", map[string]interface{}{"error": err.Error()})
	}

	for {
		if r.store.ShutdownRequested() {
			r.logger.Info(ctx, "Shutdown flag found, stopping")
			r.finish(ctx, "stopped")
			return nil
		}

		err := r.RunCycle(ctx)
		switch {
		case errors.Is(err, ports.ErrConfigurationError):
			r.logger.Error(ctx, err, "Configuration error, stopping")
			r.finish(ctx, "failed")
			return err
		case errors.Is(err, ports.ErrShutdown):
			r.logger.Info(ctx, "Shutdown requested during cycle, stopping")
			r.finish(ctx, "stopped")
			return nil
		}

		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "Context cancelled, runner stopped")
			r.finish(context.Background(), "stopped")
			return nil
		case <-time.After(r.sleepFor()):
		}
	}
}

// sleepFor returns the time until the earliest due asset, bounded by the
// default interval.
func (r *Runner) sleepFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	wait := r.cfg.Interval
	for _, asset := range r.cfg.Assets {
		next, ok := r.nextRun[asset]
		if !ok {
			return 0
		}
		if d := next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (r *Runner) dueAssets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var due []string
	for _, asset := range r.cfg.Assets {
		if next, ok := r.nextRun[asset]; !ok || !now.Before(next) {
			due = append(due, asset)
		}
	}
	return due
}

// RunCycle runs every due asset, bounded by MaxParallel, then writes the
// status record. One asset's failure does not stop the others; the returned
// error joins them all.
func (r *Runner) RunCycle(ctx context.Context) error {
	due := r.dueAssets()
	if len(due) == 0 {
		r.writeStatus(ctx, "idle", nil, false)
		return nil
	}

	var (
		g      errgroup.Group
		errMu  sync.Mutex
		failed = make(map[string]error)
	)
	g.SetLimit(r.cfg.MaxParallel)
	for _, asset := range due {
		asset := asset
		g.Go(func() error {
			start := r.now()
			err := r.worker.RunAsset(ctx, asset)
			r.metrics.RecordCycle(string(r.cfg.Role), asset, err == nil, r.now().Sub(start).Seconds())

			r.mu.Lock()
			r.nextRun[asset] = start.Add(r.intervalFor(asset))
			r.mu.Unlock()

			if err != nil {
				if !errors.Is(err, ports.ErrShutdown) {
					r.logger.Error(ctx, err, "Asset pass failed", map[string]interface{}{"role": r.cfg.Role, "asset": asset})
				}
				errMu.Lock()
				failed[asset] = err
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	assets := make([]string, 0, len(failed))
	for a := range failed {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		errs = append(errs, fmt.Errorf("%s: %w", a, failed[a]))
	}
	cycleErr := errors.Join(errs...)
	r.writeStatus(ctx, "running", cycleErr, cycleErr == nil)
	return cycleErr
}

func (r *Runner) writeStatus(ctx context.Context, phase string, cycleErr error, success bool) {
	r.mu.Lock()
	now := r.now().UTC()
	r.status.Heartbeat = now
	r.status.Phase = phase
	if phase == "running" {
		r.status.Cycles++
	}
	if cycleErr != nil {
		r.status.LastError = cycleErr.Error()
	} else if success {
		r.status.LastError = ""
		r.status.LastSuccessfulCycle = now
	}
	rec := r.status
	markReady := success && !r.ready
	if markReady {
		r.ready = true
	}
	r.mu.Unlock()

	if err := r.store.WriteStatus(&rec); err != nil {
		r.logger.Error(ctx, err, "Failed to write status record", map[string]interface{}{"role": r.cfg.Role})
	}
	if markReady {
		if err := r.store.WriteReady(r.cfg.Role, r.pid, now); err != nil {
			r.logger.Error(ctx, err, "Failed to write readiness record", map[string]interface{}{"role": r.cfg.Role})
		} else {
			r.logger.Info(ctx, "First successful cycle completed, ready", map[string]interface{}{"role": r.cfg.Role})
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishStatus(ctx, string(r.cfg.Role), &rec); err != nil {
			r.logger.Warn(ctx, "Failed to publish status", map[string]interface{}{"role": r.cfg.Role, "error": err.Error()})
		}
	}
}

func (r *Runner) finish(ctx context.Context, phase string) {
	r.writeStatus(ctx, phase, nil, false)
}

// Status returns a copy of the current status record.
func (r *Runner) Status() domain.StatusRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
