// Cross-venue arbitrage engine for binary prediction markets.
//
// One process runs every online service: venue book feeds normalize into
// canonical snapshots, per-pair evaluators price the net edge after friction
// and slippage, the risk manager gates intents, and the hedged execution
// state machine works both legs inside the completion budget. The dashboard
// API serves read projections and a live websocket stream. Which services
// are active is controlled by the config services list (ENABLED_SERVICES).
//
// Pair discovery is offline: run cmd/matcher to populate validated pairs,
// and cmd/backtest to replay recorded books through the same models.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"prediction-arb/internal/config"
	"prediction-arb/internal/engine"
	"prediction-arb/internal/metrics"
	"prediction-arb/internal/store"
)

func main() {
	cfgFlag := flag.String("config", "", "config file (default: $ARB_CONFIG, then "+config.DefaultPath+")")
	flag.Parse()

	cfgPath := config.ResolvePath(*cfgFlag)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, hot, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(*cfg, st, hot, metrics.New(nil), logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		hot.Close()
		st.Close()
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("arbitrage engine starting",
		"config", cfgPath,
		"services", cfg.Services,
		"min_edge_cents", cfg.Signal.MinEdgeCents,
		"hedge_budget", cfg.Execution.HedgeCompletionBudget,
		"venue_cap_usd", cfg.Risk.VenueCap,
	)

	err = eng.Run(ctx)
	stop()
	hot.Close()
	st.Close()
	if err != nil {
		logger.Error("engine exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStores opens the durable store and the optional Redis hot cache.
// Without a database DSN the engine runs on the in-memory store, losing
// state on restart; the hot cache degrades to disabled on any failure.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *store.Cache, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, state will not survive restarts")
		return store.NewMemory(), nil, nil
	}

	if cfg.Database.MigrateOnBoot {
		if err := store.Migrate(ctx, cfg.Database.URL, logger); err != nil {
			return nil, nil, err
		}
	}
	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}

	hot, err := store.NewCache(ctx, cfg.Database.RedisAddr, cfg.Database.RedisPassword,
		cfg.Database.RedisDB, logger)
	if err != nil {
		logger.Warn("hot cache unavailable, continuing without it", "error", err)
		hot = nil
	}
	return st, hot, nil
}
