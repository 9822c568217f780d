package market

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"prediction-arb/internal/metrics"
	"prediction-arb/pkg/types"
)

const defaultRefreshInterval = 30 * time.Second

// PairLister is the slice of the store the scanner needs.
type PairLister interface {
	ListActivePairs(ctx context.Context) ([]types.MarketPair, error)
}

// ScanResult is the tradeable pair set at one refresh.
type ScanResult struct {
	Pairs     []types.MarketPair
	ScannedAt time.Time
}

// Scanner periodically reloads the validated pair catalog and publishes the
// subset that is tradeable right now: hard rules passed, pair active, both
// legs inside their live window. The engine reads ScanResults from Results()
// and reconciles its per-pair evaluator slots against each set.
type Scanner struct {
	store    PairLister
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	resultCh chan ScanResult
}

// NewScanner creates a pair scanner. A non-positive interval takes the
// default.
func NewScanner(store PairLister, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Scanner {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Scanner{
		store:    store,
		interval: interval,
		metrics:  m,
		logger:   logger.With("component", "pair_scanner"),
		resultCh: make(chan ScanResult, 1),
	}
}

// Results returns the channel the engine reads refreshed pair sets from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the refresh loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	pairs, err := s.store.ListActivePairs(ctx)
	if err != nil {
		s.logger.Error("pair refresh failed", "error", err)
		return
	}

	now := time.Now()
	tradeable := filterTradeable(pairs, now)

	s.metrics.SetPairsActive(len(tradeable))
	s.logger.Info("pair refresh complete",
		"validated", len(pairs),
		"tradeable", len(tradeable),
	)

	result := ScanResult{Pairs: tradeable, ScannedAt: now}

	// Non-blocking publish: replace a stale unread set rather than wait.
	select {
	case s.resultCh <- result:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- result
	}
}

// filterTradeable keeps pairs whose window contains t, sorted by id so the
// engine sees a stable order.
func filterTradeable(pairs []types.MarketPair, t time.Time) []types.MarketPair {
	out := make([]types.MarketPair, 0, len(pairs))
	for _, p := range pairs {
		if p.Tradeable(t) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
