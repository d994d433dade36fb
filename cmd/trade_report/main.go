package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"powertrader/config"
	"powertrader/internal/adapters/logger"
	"powertrader/internal/adapters/sqlite"
	"powertrader/internal/domain"
	"powertrader/internal/report"
	"powertrader/internal/statestore"
)

var (
	source  = flag.String("source", "ledger", "trade source: ledger (trade_history.jsonl) or journal (sqlite)")
	initial = flag.Float64("initial", 10000, "starting quote balance for return and drawdown figures")
	asset   = flag.String("asset", "", "only report this asset")
	limit   = flag.Int("limit", 10000, "max trades per asset read from the journal")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.New(logger.Config{Level: cfg.LogLevel(), Format: cfg.Log.Format}).With("trade_report")
	ctx := context.Background()

	assets := cfg.Assets
	if *asset != "" {
		assets = []string{strings.ToUpper(*asset)}
	}

	var trades []*domain.TradeRecord
	switch *source {
	case "ledger":
		store, err := statestore.Open(cfg.StateRoot, cfg.PrimaryAsset)
		if err != nil {
			log.Fatalf("FATAL: Failed to open state store: %v", err)
		}
		trades = filterAssets(store.ReadTrades(), assets)
	case "journal":
		repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
		if err != nil {
			log.Fatalf("FATAL: Failed to open trade journal: %v", err)
		}
		defer repo.Close()
		for _, a := range assets {
			recs, err := repo.FindByAsset(ctx, a, *limit)
			if err != nil {
				appLogger.Error(ctx, err, "Error reading journal", map[string]interface{}{"asset": a})
				continue
			}
			trades = append(trades, recs...)
		}
	default:
		log.Fatalf("FATAL: unknown source %q (use ledger or journal)", *source)
	}

	if len(trades) == 0 {
		fmt.Println("No trades recorded.")
		return
	}
	printReport(report.AnalyzePerformance(trades, *initial), len(trades))
}

func filterAssets(trades []*domain.TradeRecord, assets []string) []*domain.TradeRecord {
	want := make(map[string]bool, len(assets))
	for _, a := range assets {
		want[strings.ToUpper(a)] = true
	}
	out := trades[:0]
	for _, t := range trades {
		if want[strings.ToUpper(t.Asset)] {
			out = append(out, t)
		}
	}
	return out
}

func printReport(m *report.PerformanceMetrics, records int) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "Trade records\t%d\t\n", records)
	fmt.Fprintf(w, "Round trips\t%d\t\n", m.TotalTrades)
	fmt.Fprintf(w, "Unmatched sells\t%d\t\n", m.UnmatchedSells)
	fmt.Fprintf(w, "Win rate\t%.2f%%\t\n", m.WinRate*100)
	fmt.Fprintf(w, "Total PnL\t%.2f\t\n", m.TotalProfit)
	fmt.Fprintf(w, "Average win / loss\t%.2f / %.2f\t\n", m.AverageWin, m.AverageLoss)
	fmt.Fprintf(w, "Profit factor\t%.2f\t\n", m.ProfitFactor)
	fmt.Fprintf(w, "Max drawdown\t%.2f%%\t\n", m.MaxDrawdown*100)
	fmt.Fprintf(w, "Return\t%.2f%%\t\n", m.ReturnOnInvestment*100)
	fmt.Fprintf(w, "Average holding\t%s\t\n", m.AverageTradeDuration)
	w.Flush()

	fmt.Println("\n## Per asset")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "Asset\tPnL\tOpen qty\t")
	names := make([]string, 0, len(m.PerAsset)+len(m.OpenQuantity))
	seen := make(map[string]bool)
	for a := range m.PerAsset {
		names = append(names, a)
		seen[a] = true
	}
	for a := range m.OpenQuantity {
		if !seen[a] {
			names = append(names, a)
		}
	}
	sort.Strings(names)
	for _, a := range names {
		fmt.Fprintf(w, "%s\t%.2f\t%s\t\n", a, m.PerAsset[a], domain.FormatAmount(m.OpenQuantity[a], 8))
	}
	w.Flush()

	fmt.Println("\n## Monthly")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	for _, mr := range m.GetMonthlyReturns() {
		fmt.Fprintf(w, "%s\t%.2f\t\n", mr.Month.Format("2006-01"), mr.Return)
	}
	w.Flush()
}
