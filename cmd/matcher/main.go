// Offline pair-matching pipeline.
//
// Fetches both venue catalogs, blocks the cross product down to plausible
// candidates, applies the hard equivalence rules, scores survivors with the
// LLM verifier, and persists validated pairs for the live engine to pick up
// on its next refresh. Run once by default, or on a cadence with -interval.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/internal/match"
	"prediction-arb/internal/metrics"
	"prediction-arb/internal/store"
	"prediction-arb/internal/venue"
	"prediction-arb/internal/venue/kalshi"
	"prediction-arb/internal/venue/polymarket"
	"prediction-arb/pkg/types"
)

func main() {
	var (
		cfgFlag  = flag.String("config", "", "config file (default: $ARB_CONFIG, then "+config.DefaultPath+")")
		interval = flag.Duration("interval", 0, "rerun cadence; 0 runs once and exits")
		dryRun   = flag.Bool("dry-run", false, "score candidates without persisting pairs")
	)
	flag.Parse()

	cfgPath := config.ResolvePath(*cfgFlag)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}
	// The matcher never trades; scope the service set so validation does not
	// demand execution credentials.
	cfg.Services = []string{"matching"}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.New(nil)
	health := venue.NewHealthTracker()
	poly := polymarket.NewAdapter(cfg.Polymarket, cfg.Ingest, cfg.DryRun, health, m, logger)
	kal := kalshi.NewAdapter(cfg.Kalshi, cfg.Ingest, cfg.Execution.TokenRefreshSlack,
		cfg.DryRun, health, m, logger)

	var sink match.PairStore
	if !cfg.DryRun {
		sink = st
	}
	llm := match.NewLLMClient(cfg.Matching, m, logger)
	svc := match.NewService(cfg.Matching, llm, sink, m, logger)

	run := func(ctx context.Context) error {
		return runOnce(ctx, poly, kal, st, svc, llm, logger)
	}

	if err := run(ctx); err != nil {
		logger.Error("matching run failed", "error", err)
		os.Exit(1)
	}
	if *interval <= 0 {
		return
	}

	logger.Info("matcher running on cadence", "interval", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("matcher stopped")
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("matching run failed", "error", err)
			}
		}
	}
}

// runOnce refreshes both catalogs and pushes them through the pipeline.
func runOnce(
	ctx context.Context,
	poly, kal venue.Adapter,
	st store.Store,
	svc *match.Service,
	llm *match.LLMClient,
	logger *slog.Logger,
) error {
	primary, err := poly.FetchMarkets(ctx)
	if err != nil {
		return err
	}
	hedge, err := kal.FetchMarkets(ctx)
	if err != nil {
		return err
	}
	syncCatalog(ctx, st, primary, logger)
	syncCatalog(ctx, st, hedge, logger)

	res, err := svc.Run(ctx, primary, hedge)
	if err != nil {
		return err
	}

	usage := llm.UsageSummary()
	logger.Info("matcher run complete",
		"primary_markets", len(primary),
		"hedge_markets", len(hedge),
		"candidates", res.Candidates,
		"rules_rejected", res.RulesRejected,
		"llm_rejected", res.LLMRejected,
		"validated", len(res.Validated),
		"llm_calls", usage.TotalCalls,
		"llm_cost_usd", usage.TotalCostUSD,
	)
	return nil
}

// syncCatalog upserts fetched markets so pair rows can resolve their leg
// ids. Individual failures are logged and skipped; one bad row must not
// abort a matching run.
func syncCatalog(ctx context.Context, st store.Store, markets []types.Market, logger *slog.Logger) {
	for _, mkt := range markets {
		if _, err := st.UpsertMarket(ctx, mkt); err != nil {
			logger.Warn("market upsert failed", "market", mkt.Ref().Key(), "error", err)
		}
	}
}

// openStore opens Postgres when configured, otherwise the in-memory store
// (catalog and scores are then discarded at exit, which dry runs want).
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" || cfg.DryRun {
		if !cfg.DryRun {
			logger.Warn("no database configured, validated pairs will not be persisted")
		}
		return store.NewMemory(), nil
	}
	if cfg.Database.MigrateOnBoot {
		if err := store.Migrate(ctx, cfg.Database.URL, logger); err != nil {
			return nil, err
		}
	}
	return store.Open(ctx, cfg.Database.URL)
}
