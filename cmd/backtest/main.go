// Backtest replay over recorded order books.
//
// Loads book snapshots from a CSV capture, walks every pair through the
// live friction and depth models to produce the analytic trade log, then
// replays the same entries through the execution simulator to count how
// many packages survive the hedge completion budget under modeled latency.
// The combined result is written as a JSON artifact.
//
// Pairs come from the configured database (active validated pairs) or from
// the -pairs flag: comma-separated "venue:market=venue:market" specs, e.g.
//
//	backtest -snapshots books.csv -pairs "polymarket:0xabc=kalshi:CPI-SEP"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"prediction-arb/internal/backtest"
	"prediction-arb/internal/config"
	sig "prediction-arb/internal/signal"
	"prediction-arb/internal/store"
	"prediction-arb/pkg/types"
)

func main() {
	var (
		cfgFlag    = flag.String("config", "", "config file (default: $ARB_CONFIG, then "+config.DefaultPath+")")
		snapshots  = flag.String("snapshots", "", "CSV file of recorded book snapshots (required)")
		pairsFlag  = flag.String("pairs", "", `ad-hoc pair specs "venue:market=venue:market", comma-separated; default: active pairs from the database`)
		out        = flag.String("out", "backtest_result.json", "output artifact path")
		seed       = flag.Int64("seed", 42, "simulator RNG seed")
		latencyP50 = flag.Int("latency-p50", 0, "simulated alert-to-order latency p50 in ms (0 = model default)")
		latencyP95 = flag.Int("latency-p95", 0, "simulated alert-to-order latency p95 in ms (0 = model default)")
		noSim      = flag.Bool("no-sim", false, "skip the execution latency replay")
	)
	flag.Parse()

	if *snapshots == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfgPath := config.ResolvePath(*cfgFlag)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	books, err := backtest.LoadSnapshots(*snapshots)
	if err != nil {
		logger.Error("snapshot load failed", "error", err)
		os.Exit(1)
	}

	pairs, err := loadPairs(ctx, cfg, *pairsFlag, logger)
	if err != nil {
		logger.Error("pair load failed", "error", err)
		os.Exit(1)
	}
	if len(pairs) == 0 {
		logger.Error("no pairs to replay; pass -pairs or configure a database with validated pairs")
		os.Exit(1)
	}

	pack, err := sig.LoadPacks(cfg.Signal.FrictionPackPaths)
	if err != nil {
		logger.Error("friction pack load failed", "error", err)
		os.Exit(1)
	}
	eng := backtest.NewEngine(
		sig.NewFrictionModel(pack, logger),
		sig.NewDepthModel(cfg.Signal.DepthLevels, logger),
		cfg.Signal,
		logger,
	)

	logger.Info("replaying recorded books",
		"snapshots_file", *snapshots,
		"markets", len(books),
		"pairs", len(pairs),
		"friction_version", pack.VersionHash(),
	)

	result, err := eng.Run(ctx, pairs, books)
	if err != nil {
		logger.Error("backtest failed", "error", err)
		os.Exit(1)
	}

	if !*noSim {
		budgetMS := int(cfg.Execution.HedgeCompletionBudget / time.Millisecond)
		sim := backtest.NewSimulator(*latencyP50, *latencyP95, budgetMS, *seed, logger)
		summary, err := eng.Simulate(ctx, pairs, books, sim)
		if err != nil {
			logger.Error("execution replay failed", "error", err)
			os.Exit(1)
		}
		result.Sim = &summary
	}

	if err := backtest.WriteResult(*out, result); err != nil {
		logger.Error("artifact write failed", "error", err)
		os.Exit(1)
	}

	logger.Info("backtest artifact written",
		"path", *out,
		"trades", result.Metrics.TotalTrades,
		"pnl_usd", result.Metrics.TotalPnLCents/100,
		"hit_rate", result.Metrics.HitRate,
		"sharpe", result.Metrics.SharpeRatio,
		"max_drawdown_cents", result.Metrics.MaxDrawdownCents,
	)
}

// loadPairs resolves the replay universe: explicit -pairs specs win,
// otherwise the database's active validated pairs.
func loadPairs(ctx context.Context, cfg *config.Config, spec string, logger *slog.Logger) ([]types.MarketPair, error) {
	if spec != "" {
		return parsePairs(spec)
	}
	if cfg.Database.URL == "" {
		return nil, nil
	}

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	pairs, err := st.ListActivePairs(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded pairs from database", "count", len(pairs))
	return pairs, nil
}

// parsePairs parses "venue:market=venue:market" comma-separated specs into
// ad-hoc tradeable pairs with synthetic ids.
func parsePairs(spec string) ([]types.MarketPair, error) {
	var pairs []types.MarketPair
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		legs := strings.SplitN(item, "=", 2)
		if len(legs) != 2 {
			return nil, fmt.Errorf("pair spec %q: want primary=hedge", item)
		}
		primary, err := parseRef(legs[0])
		if err != nil {
			return nil, fmt.Errorf("pair spec %q: %w", item, err)
		}
		hedge, err := parseRef(legs[1])
		if err != nil {
			return nil, fmt.Errorf("pair spec %q: %w", item, err)
		}
		pairs = append(pairs, types.MarketPair{
			ID:              int64(len(pairs) + 1),
			Primary:         primary,
			Hedge:           hedge,
			HardRulesPassed: true,
			Active:          true,
		})
	}
	return pairs, nil
}

func parseRef(s string) (types.MarketRef, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.MarketRef{}, fmt.Errorf("leg %q: want venue:market_id", s)
	}
	v := types.Venue(parts[0])
	if !v.Valid() {
		return types.MarketRef{}, fmt.Errorf("leg %q: unknown venue", s)
	}
	return types.MarketRef{Venue: v, MarketID: parts[1]}, nil
}
