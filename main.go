package main

import (
	"context"
	"errors"
	"fmt"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os"
	"time"

	"powertrader/config"
	"powertrader/internal/adapters/logger"
	"powertrader/internal/adapters/metrics"
	"powertrader/internal/adapters/providers"
	"powertrader/internal/adapters/redisstatus"
	"powertrader/internal/adapters/sqlite"
	"powertrader/internal/app"
	"powertrader/internal/credentials"
	"powertrader/internal/domain"
	"powertrader/internal/ports"
	"powertrader/internal/risk"
	"powertrader/internal/statestore"
	"powertrader/internal/thinker"
	"powertrader/internal/trader"
	"powertrader/internal/trainer"
)

const usage = "usage: powertrader <trainer|thinker|trader> (or set ROLE)"

func main() {
	// 1. Resolve role
	roleName := os.Getenv("ROLE")
	if len(os.Args) > 1 {
		roleName = os.Args[1]
	}
	role, ok := domain.ParseRole(roleName)
	if !ok {
		log.Fatalf("FATAL: unknown role %q; %s", roleName, usage)
	}

	// 2. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 3. Initialize Logger
	baseLogger := logger.New(logger.Config{Level: cfg.LogLevel(), Format: cfg.Log.Format})
	appLogger := baseLogger.With(string(role))
	ctx := context.Background()
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel().String(), "role": role})

	// 4. Open State Store
	store, err := statestore.Open(cfg.StateRoot, cfg.PrimaryAsset)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to open state store")
		log.Fatalf("FATAL: Failed to open state store: %v", err)
	}

	if err := run(ctx, role, cfg, store, baseLogger, appLogger); err != nil {
		appLogger.Error(ctx, err, "Process exited with error")
		failStatus(store, role, err, appLogger)
		log.Fatalf("FATAL: %s exited with error: %v", role, err)
	}
	appLogger.Info(ctx, "Application finished gracefully.")
}

func run(ctx context.Context, role domain.Role, cfg *config.Config, store *statestore.Store, baseLogger *logger.Logger, appLogger *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Metrics
	var recorder ports.Metrics = ports.NopMetrics{}
	if cfg.MetricsAddr != "" {
		rec := metrics.New()
		recorder = rec
		go func() {
			if err := rec.Serve(ctx, cfg.MetricsAddr, baseLogger.With("metrics")); err != nil {
				appLogger.Error(ctx, err, "Metrics endpoint stopped")
			}
		}()
	}

	// Optional Redis status mirror
	var publisher ports.StatusPublisher
	if cfg.Redis.Addr != "" {
		pub, err := redisstatus.New(ctx, redisstatus.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
			Logger:   baseLogger.With("redis"),
		})
		if err != nil {
			// observation only; the roles keep running without it
			appLogger.Warn(ctx, "Redis status mirror disabled", map[string]interface{}{"error": err.Error()})
		} else {
			defer pub.Close()
			publisher = pub
		}
	}

	opts := providers.Options{
		Logger:        baseLogger.With("provider"),
		QuoteCurrency: cfg.QuoteCurrency,
		BaseURLs:      cfg.ProviderBaseURLs,
		RateLimit:     cfg.ProviderRateLimit,
		Timeout:       cfg.RequestTimeout,
	}
	market, err := providers.NewMarketData(cfg.MarketProvider, opts)
	if err != nil {
		return fmt.Errorf("initialize market data provider: %w", err)
	}
	appLogger.Info(ctx, "Market data provider initialized", map[string]interface{}{"provider": market.Name()})

	var worker app.AssetWorker
	switch role {
	case domain.RoleTrainer:
		worker, err = trainer.New(trainer.Config{
			Timeframes:           cfg.Timeframes,
			CandleLimit:          cfg.Trainer.CandleLimit,
			Params:               cfg.PatternParams(),
			MaterialityThreshold: cfg.Trainer.MaterialityThreshold,
		}, store, market, baseLogger.With("trainer"), recorder)
	case domain.RoleThinker:
		worker, err = thinker.New(thinker.Config{
			Timeframes:        cfg.Timeframes,
			CandleLimit:       cfg.Thinker.CandleLimit,
			Params:            cfg.PatternParams(),
			MatchCount:        cfg.Thinker.MatchCount,
			SignalThreshold:   cfg.Thinker.SignalThreshold,
			BootstrapFromLive: cfg.Thinker.BootstrapFromLive,
			WriteSidecars:     cfg.Thinker.WriteSidecars,
		}, store, market, baseLogger.With("thinker"), recorder)
	case domain.RoleTrader:
		var closeFn func()
		worker, closeFn, err = buildTrader(ctx, cfg, store, market, opts, baseLogger, recorder)
		if closeFn != nil {
			defer closeFn()
		}
	}
	if err != nil {
		return fmt.Errorf("initialize %s: %w", role, err)
	}

	runner, err := app.NewRunner(app.RunnerConfig{
		Role:           role,
		Assets:         cfg.Assets,
		Interval:       cfg.RoleInterval(role),
		AssetIntervals: cfg.AssetIntervals(role),
		MaxParallel:    cfg.MaxParallelAssets,
	}, worker, store, baseLogger.With("runner"), recorder, publisher)
	if err != nil {
		return fmt.Errorf("initialize runner: %w", err)
	}
	return runner.Start(ctx)
}

func buildTrader(ctx context.Context, cfg *config.Config, store *statestore.Store, market ports.MarketDataProvider, opts providers.Options, baseLogger *logger.Logger, recorder ports.Metrics) (*trader.Trader, func(), error) {
	credLogger := baseLogger.With("credentials")
	sources := []credentials.Source{
		credentials.FileSource{Dir: cfg.CredentialsDir},
		credentials.EnvSource{Lookup: os.LookupEnv},
	}
	if cfg.Vault.Address != "" {
		vault, err := credentials.NewVaultSource(credentials.VaultConfig{
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
		}
		sources = append(sources, vault)
	}
	creds, err := credentials.NewLoader(credLogger, sources...).Load(ctx, cfg.TradingProvider)
	if err != nil {
		return nil, nil, err
	}
	trading, err := providers.NewTrading(cfg.TradingProvider, creds, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize trading provider: %w", err)
	}

	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: baseLogger.With("journal"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}
	closeFn := func() {
		if err := repo.Close(); err != nil {
			baseLogger.Error(context.Background(), err, "Error closing trade journal")
		}
	}

	t, err := trader.New(trader.Config{
		QuoteCurrency:        cfg.QuoteCurrency,
		RetryMaxAttempts:     cfg.Trader.Retry.MaxAttempts,
		RetryInitialInterval: cfg.Trader.Retry.InitialInterval,
		RetryMaxInterval:     cfg.Trader.Retry.MaxInterval,
		ConfirmTimeout:       cfg.Trader.ConfirmTimeout,
		ConfirmPollInterval:  cfg.Trader.ConfirmPollInterval,
	}, trader.Deps{
		Store:   store,
		Trading: trading,
		Market:  market,
		Risk: risk.NewRiskManager(risk.RiskConfig{
			PositionSizePercent: cfg.Risk.PositionSizePercent,
			MaxPositionNotional: cfg.Risk.MaxPositionNotional,
			MinOrderNotional:    cfg.Risk.MinOrderNotional,
			MaxTradesPerDay:     cfg.Risk.MaxTradesPerDay,
		}, repo),
		Journal: repo,
		Logger:  baseLogger.With("trader"),
		Metrics: recorder,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}

	// The ledger is authoritative; bring the journal up to date before the
	// daily cap is consulted.
	if n, err := t.SyncJournal(ctx); err != nil {
		baseLogger.Warn(ctx, "Trade journal sync failed", map[string]interface{}{"error": err.Error()})
	} else if n > 0 {
		baseLogger.Info(ctx, "Trade journal backfilled", map[string]interface{}{"inserted": n})
	}
	return t, closeFn, nil
}

// failStatus records a startup failure so the supervisor can see why the
// process exited. Runner failures already wrote their own status.
func failStatus(store *statestore.Store, role domain.Role, err error, lg ports.Logger) {
	if st, ok := store.LoadStatus(role); ok && st.PID == os.Getpid() {
		return
	}
	if errors.Is(err, ports.ErrShutdown) {
		return
	}
	rec := &domain.StatusRecord{
		Role:      role,
		PID:       os.Getpid(),
		Heartbeat: time.Now().UTC(),
		LastError: err.Error(),
		Phase:     "failed",
	}
	if werr := store.WriteStatus(rec); werr != nil {
		lg.Error(context.Background(), werr, "Failed to write failure status")
	}
}
