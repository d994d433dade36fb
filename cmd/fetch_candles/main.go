package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"powertrader/config"
	"powertrader/internal/adapters/logger"
	"powertrader/internal/adapters/providers"
	"powertrader/internal/domain"
	"powertrader/internal/export"
)

var (
	asset     = flag.String("asset", "", "asset to fetch (default: primary asset)")
	timeframe = flag.String("tf", "1h", "candle timeframe")
	limit     = flag.Int("limit", 1500, "number of most recent candles")
	format    = flag.String("format", "csv", "export format: "+strings.Join(export.Formats, ", "))
	outDir    = flag.String("out", "data", "output directory")
	provider  = flag.String("provider", "", "market data provider (default: configured provider)")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel(), Format: cfg.Log.Format}).With("fetch_candles")
	ctx := context.Background()

	saver := export.NewSaver(*format)
	if saver == nil {
		log.Fatalf("FATAL: unsupported format %q (use: %s)", *format, strings.Join(export.Formats, ", "))
	}
	tf, err := domain.ParseTimeframe(*timeframe)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	name := cfg.MarketProvider
	if *provider != "" {
		name = *provider
	}
	target := strings.ToUpper(*asset)
	if target == "" {
		target = cfg.PrimaryAsset
	}

	// 3. Initialize Market Data Provider
	market, err := providers.NewMarketData(name, providers.Options{
		Logger:        appLogger,
		QuoteCurrency: cfg.QuoteCurrency,
		BaseURLs:      cfg.ProviderBaseURLs,
		RateLimit:     cfg.ProviderRateLimit,
		Timeout:       cfg.RequestTimeout,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize market data provider")
		log.Fatalf("FATAL: Failed to initialize market data provider: %v", err)
	}

	fmt.Printf("Fetching %d %s candles for %s from %s...\n", *limit, tf, target, market.Name())
	candles, err := market.GetCandles(ctx, target, tf, *limit)
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching candles")
		log.Fatalf("Error fetching candles: %v", err)
	}
	if len(candles) == 0 {
		log.Fatalf("No candles returned for %s %s", target, tf)
	}
	appLogger.Info(ctx, "Fetched candles", map[string]interface{}{"count": len(candles)})

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("Error creating output directory: %v", err)
	}
	filename := export.FileName(*outDir, target, tf, candles, saver.Extension())
	if err := saver.Save(target, tf, candles, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing export")
		log.Fatalf("Error writing %s: %v", saver.Extension(), err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}
