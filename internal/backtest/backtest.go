// Package backtest replays recorded book snapshots through the live friction
// and depth models to estimate what the strategy would have earned. The
// engine produces analytic trade records and aggregate metrics; the
// execution simulator separately replays fills with modeled latency to
// measure how many packages would have survived the hedge budget.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"prediction-arb/internal/config"
	"prediction-arb/internal/signal"
	"prediction-arb/pkg/types"
)

// Engine policy defaults.
const (
	defaultMinEdgeCents = 2.5
	defaultTradeSizeUSD = 100.0

	// tradingDaysPerYear annualizes the daily Sharpe ratio.
	tradingDaysPerYear = 252
)

// Trade is one simulated entry: the edge observed at entry and what survived
// friction and book impact.
type Trade struct {
	Timestamp         time.Time  `json:"timestamp"`
	PairID            int64      `json:"pair_id"`
	PrimaryMarket     string     `json:"primary_market"`
	HedgeMarket       string     `json:"hedge_market"`
	Side              types.Side `json:"side"`
	EntryEdgeCents    float64    `json:"entry_edge_cents"`
	RealizedEdgeCents float64    `json:"realized_edge_cents"`
	SlippageCents     float64    `json:"slippage_cents"`
	FeesCents         float64    `json:"fees_cents"`
	SizeUSD           float64    `json:"size_usd"`
	PnLCents          float64    `json:"pnl_cents"`
}

// Metrics aggregates a backtest run.
type Metrics struct {
	TotalTrades   int `json:"total_trades"`
	WinningTrades int `json:"winning_trades"`
	LosingTrades  int `json:"losing_trades"`

	TotalPnLCents      float64 `json:"total_pnl_cents"`
	GrossPnLCents      float64 `json:"gross_pnl_cents"`
	TotalFeesCents     float64 `json:"total_fees_cents"`
	TotalSlippageCents float64 `json:"total_slippage_cents"`

	AvgEntryEdgeCents    float64 `json:"avg_entry_edge_cents"`
	AvgRealizedEdgeCents float64 `json:"avg_realized_edge_cents"`
	AvgSlippageCents     float64 `json:"avg_slippage_cents"`
	AvgTradeSizeUSD      float64 `json:"avg_trade_size_usd"`

	SharpeRatio      float64 `json:"sharpe_ratio"`
	MaxDrawdownCents float64 `json:"max_drawdown_cents"` // <= 0, deepest dip below the running peak
	HitRate          float64 `json:"hit_rate"`
}

// Result is a complete backtest run: metrics, the trade log, and the equity
// curve in dollars (starting at zero, one point per trade). Sim is populated
// only when an execution replay ran alongside the analytic walk.
type Result struct {
	Metrics     Metrics     `json:"metrics"`
	Trades      []Trade     `json:"trades"`
	EquityCurve []float64   `json:"equity_curve"`
	Timestamps  []time.Time `json:"timestamps"`
	Sim         *SimSummary `json:"simulation,omitempty"`
}

// Engine drives the replay. It reuses the live friction and depth models so
// backtest economics and live economics cannot drift apart.
type Engine struct {
	friction  signal.FrictionEstimator
	depth     signal.DepthEstimator
	minEdge   float64
	tradeSize float64
	logger    *slog.Logger
}

// NewEngine builds a backtest engine from the signal stack.
func NewEngine(friction signal.FrictionEstimator, depth signal.DepthEstimator, cfg config.SignalConfig, logger *slog.Logger) *Engine {
	minEdge := cfg.MinEdgeCents
	if minEdge <= 0 {
		minEdge = defaultMinEdgeCents
	}
	tradeSize := cfg.TradeNotionalUSD
	if tradeSize <= 0 {
		tradeSize = defaultTradeSizeUSD
	}
	return &Engine{
		friction:  friction,
		depth:     depth,
		minEdge:   minEdge,
		tradeSize: tradeSize,
		logger:    logger.With("component", "backtest"),
	}
}

// Run walks index-aligned snapshot series for every pair, entering whenever
// the gross edge clears the threshold. books is keyed by MarketRef.Key().
// The walk is fully deterministic: identical inputs produce identical
// results.
func (e *Engine) Run(ctx context.Context, pairs []types.MarketPair, books map[string][]types.BookSnapshot) (Result, error) {
	e.logger.Info("starting backtest", "pairs", len(pairs))

	var (
		trades     []Trade
		timestamps []time.Time
	)
	equity := []float64{0}
	cum := decimal.Zero

	for _, pair := range pairs {
		primarySeries, okP := books[pair.Primary.Key()]
		hedgeSeries, okH := books[pair.Hedge.Key()]
		if !okP || !okH {
			e.logger.Warn("missing book series for pair",
				"pair_id", pair.ID,
				"primary", pair.Primary.Key(),
				"hedge", pair.Hedge.Key(),
			)
			continue
		}

		n := len(primarySeries)
		if len(hedgeSeries) < n {
			n = len(hedgeSeries)
		}
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			pb, hb := primarySeries[i], hedgeSeries[i]

			side, gross, ok := grossEdge(pb, hb)
			if !ok || gross < e.minEdge {
				continue
			}

			tr := e.simulateTrade(pair, pb, hb, side, gross)
			trades = append(trades, tr)
			cum = cum.Add(decimal.NewFromFloat(tr.PnLCents).Div(decimal.NewFromInt(100)))
			equity = append(equity, cum.InexactFloat64())
			timestamps = append(timestamps, tr.Timestamp)
		}
	}

	metrics := computeMetrics(trades)
	e.logger.Info("backtest complete",
		"trades", metrics.TotalTrades,
		"sharpe", metrics.SharpeRatio,
		"pnl_usd", metrics.TotalPnLCents/100,
	)
	return Result{
		Metrics:     metrics,
		Trades:      trades,
		EquityCurve: equity,
		Timestamps:  timestamps,
	}, nil
}

// SimSummary aggregates an execution replay: how many packages the entry
// rule produced and how each ended under modeled latency.
type SimSummary struct {
	Packages      int `json:"packages"`
	Settled       int `json:"settled"`
	HedgeTimeouts int `json:"hedge_timeouts"`
	OtherFailures int `json:"other_failures"`
}

// Simulate re-walks the same entries as Run but executes each package
// against the recorded books through sim, so the analytic edge can be
// weighed against how often the hedge leg survives its budget.
func (e *Engine) Simulate(ctx context.Context, pairs []types.MarketPair, books map[string][]types.BookSnapshot, sim *Simulator) (SimSummary, error) {
	var summary SimSummary
	for _, pair := range pairs {
		primarySeries, okP := books[pair.Primary.Key()]
		hedgeSeries, okH := books[pair.Hedge.Key()]
		if !okP || !okH {
			continue
		}

		n := len(primarySeries)
		if len(hedgeSeries) < n {
			n = len(hedgeSeries)
		}
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return SimSummary{}, err
			}
			pb, hb := primarySeries[i], hedgeSeries[i]

			side, gross, ok := grossEdge(pb, hb)
			if !ok || gross < e.minEdge {
				continue
			}

			res := sim.ExecuteHedged(e.replayIntent(pair, side, i), pb, hb)
			summary.Packages++
			switch {
			case res.Success:
				summary.Settled++
			case res.Error == hedgeTimeoutMsg:
				summary.HedgeTimeouts++
			default:
				summary.OtherFailures++
			}
		}
	}
	e.logger.Info("execution replay complete",
		"packages", summary.Packages,
		"settled", summary.Settled,
		"hedge_timeouts", summary.HedgeTimeouts,
	)
	return summary, nil
}

// replayIntent builds the package the simulator fills: primary leg sized
// from the trade notional, hedge leg on the opposite side.
func (e *Engine) replayIntent(pair types.MarketPair, side types.Side, idx int) types.ExecutionIntent {
	return types.ExecutionIntent{
		ID:          fmt.Sprintf("replay-%d-%d", pair.ID, idx),
		Edge:        types.EdgeSignal{PairID: pair.ID, PrimarySide: side},
		Primary:     types.OrderIntent{Venue: pair.Primary.Venue, MarketID: pair.Primary.MarketID, Side: side},
		Hedge:       types.OrderIntent{Venue: pair.Hedge.Venue, MarketID: pair.Hedge.MarketID, Side: side.Opposite()},
		MaxNotional: e.tradeSize,
	}
}

// grossEdge tests both package directions against the recorded tops: a BUY
// lifts the primary ask and hits the hedge bid, a SELL the reverse. Mirrors
// the live evaluator's direction choice.
func grossEdge(primary, hedge types.BookSnapshot) (types.Side, float64, bool) {
	buy := math.Inf(-1)
	if ask, ok := primary.BestAsk(); ok {
		if bid, ok2 := hedge.BestBid(); ok2 {
			buy = (bid.Price - ask.Price) * 100
		}
	}
	sell := math.Inf(-1)
	if bid, ok := primary.BestBid(); ok {
		if ask, ok2 := hedge.BestAsk(); ok2 {
			sell = (bid.Price - ask.Price) * 100
		}
	}
	switch {
	case buy > 0 && buy >= sell:
		return types.BUY, buy, true
	case sell > 0:
		return types.SELL, sell, true
	default:
		return "", 0, false
	}
}

// simulateTrade prices one entry through the friction and depth models.
func (e *Engine) simulateTrade(pair types.MarketPair, pb, hb types.BookSnapshot, side types.Side, gross float64) Trade {
	fees := e.friction.TotalCostCents(pair, e.tradeSize)
	slip := e.depth.Slippage(&pb, &hb, side, e.tradeSize)
	realized := gross - fees - slip.TotalCents

	return Trade{
		Timestamp:         pb.Timestamp,
		PairID:            pair.ID,
		PrimaryMarket:     pair.Primary.Key(),
		HedgeMarket:       pair.Hedge.Key(),
		Side:              side,
		EntryEdgeCents:    gross,
		RealizedEdgeCents: realized,
		SlippageCents:     slip.TotalCents,
		FeesCents:         fees,
		SizeUSD:           e.tradeSize,
		PnLCents:          realized * e.tradeSize / 100,
	}
}

func computeMetrics(trades []Trade) Metrics {
	var m Metrics
	if len(trades) == 0 {
		return m
	}

	m.TotalTrades = len(trades)
	var sumEntry, sumRealized, sumSlip, sumSize float64
	for _, t := range trades {
		if t.PnLCents > 0 {
			m.WinningTrades++
		} else {
			m.LosingTrades++
		}
		m.TotalPnLCents += t.PnLCents
		m.GrossPnLCents += t.EntryEdgeCents * t.SizeUSD / 100
		m.TotalFeesCents += t.FeesCents
		m.TotalSlippageCents += t.SlippageCents
		sumEntry += t.EntryEdgeCents
		sumRealized += t.RealizedEdgeCents
		sumSlip += t.SlippageCents
		sumSize += t.SizeUSD
	}
	n := float64(m.TotalTrades)
	m.AvgEntryEdgeCents = sumEntry / n
	m.AvgRealizedEdgeCents = sumRealized / n
	m.AvgSlippageCents = sumSlip / n
	m.AvgTradeSizeUSD = sumSize / n
	m.HitRate = float64(m.WinningTrades) / n

	m.SharpeRatio = sharpe(trades)
	m.MaxDrawdownCents = maxDrawdown(trades)
	return m
}

// sharpe annualizes over daily-aggregated dollar returns: mean/std·√252,
// zero when fewer than two trading days or zero variance.
func sharpe(trades []Trade) float64 {
	daily := make(map[string]float64)
	for _, t := range trades {
		day := t.Timestamp.UTC().Format("2006-01-02")
		daily[day] += t.PnLCents / 100
	}
	if len(daily) < 2 {
		return 0
	}

	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)

	var mean float64
	for _, d := range days {
		mean += daily[d]
	}
	mean /= float64(len(days))

	var variance float64
	for _, d := range days {
		diff := daily[d] - mean
		variance += diff * diff
	}
	variance /= float64(len(days))
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// maxDrawdown returns the deepest dip of cumulative PnL below its running
// peak, in cents. Zero or negative.
func maxDrawdown(trades []Trade) float64 {
	var cum, peak, worst float64
	for _, t := range trades {
		cum += t.PnLCents
		if cum > peak {
			peak = cum
		}
		if dd := cum - peak; dd < worst {
			worst = dd
		}
	}
	return worst
}
