package backtest

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"prediction-arb/pkg/types"
)

// Simulator latency model defaults, in milliseconds.
const (
	defaultLatencyP50  = 200
	defaultLatencyP95  = 350
	defaultHedgeBudget = 250
	latencyFloorMS     = 100

	// maxFillLevels caps the book walk per fill.
	maxFillLevels = 3
)

// hedgeTimeoutMsg matches the live state machine's terminal error for
// packages that blew the completion budget.
const hedgeTimeoutMsg = "Hedge timeout exceeded"

// SimFill is the outcome of filling one leg against a recorded book.
type SimFill struct {
	OK        bool
	Price     float64 // VWAP across consumed levels
	Size      float64 // contracts actually filled
	LatencyMS int
	Reason    string
}

// Simulator models execution against recorded books: VWAP fills through the
// top levels, uniform latency draws, and the hedged completion budget.
// All randomness comes from one seeded source, so a given seed replays
// bit-for-bit.
type Simulator struct {
	p50    int
	p95    int
	budget int // hedged completion budget, ms
	rng    *rand.Rand
	logger *slog.Logger
}

// NewSimulator builds a simulator. Zero latency arguments take the model
// defaults (p50 200ms, p95 350ms, budget 250ms).
func NewSimulator(p50, p95, budgetMS int, seed int64, logger *slog.Logger) *Simulator {
	if p50 <= 0 {
		p50 = defaultLatencyP50
	}
	if p95 <= p50 {
		p95 = defaultLatencyP95
	}
	if budgetMS <= 0 {
		budgetMS = defaultHedgeBudget
	}
	return &Simulator{
		p50:    p50,
		p95:    p95,
		budget: budgetMS,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger.With("component", "simulator"),
	}
}

// latencyMS draws one alert-to-order latency: half the draws land uniformly
// in [floor, p50], the rest in [p50, p95].
func (s *Simulator) latencyMS() int {
	if s.rng.Float64() <= 0.5 {
		return latencyFloorMS + s.rng.Intn(s.p50-latencyFloorMS+1)
	}
	return s.p50 + s.rng.Intn(s.p95-s.p50+1)
}

// Fill walks the book to fill target contracts on the given side. BUY
// consumes asks, SELL consumes bids, at most maxFillLevels deep. Partial
// fills succeed at whatever size the book offered.
func (s *Simulator) Fill(book types.BookSnapshot, side types.Side, target float64) SimFill {
	levels := book.Asks
	if side == types.SELL {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return SimFill{LatencyMS: s.latencyMS(), Reason: "no liquidity available"}
	}
	if len(levels) > maxFillLevels {
		levels = levels[:maxFillLevels]
	}

	var cost, filled float64
	remaining := target
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		take := remaining
		if lvl.Size < take {
			take = lvl.Size
		}
		cost += take * lvl.Price
		filled += take
		remaining -= take
	}
	if filled == 0 {
		return SimFill{LatencyMS: s.latencyMS(), Reason: "insufficient liquidity"}
	}
	return SimFill{
		OK:        true,
		Price:     cost / filled,
		Size:      filled,
		LatencyMS: s.latencyMS(),
	}
}

// ExecuteHedged replays one intent against recorded books for both legs.
// Success requires a primary fill, a hedge fill, and combined latency
// inside the completion budget; a breach fails with the same terminal
// message the live state machine produces.
func (s *Simulator) ExecuteHedged(intent types.ExecutionIntent, primaryBook, hedgeBook types.BookSnapshot) types.ExecutionResult {
	result := types.ExecutionResult{
		IntentID:    intent.ID,
		State:       types.StateReady,
		CompletedAt: primaryBook.Timestamp,
	}

	target := intent.Primary.Size
	if target <= 0 {
		if ask, ok := primaryBook.BestAsk(); ok && ask.Price > 0 {
			target = intent.MaxNotional / ask.Price
		}
	}

	primary := s.Fill(primaryBook, intent.Primary.Side, target)
	if !primary.OK {
		result.State = types.StateFailed
		result.Events = append(result.Events, "primary_rejected")
		result.Error = fmt.Sprintf("primary leg: %s", primary.Reason)
		return result
	}
	result.State = types.StatePrimaryPlaced
	result.PrimaryOrder = &types.OrderResult{
		OrderID:    "sim-primary-" + intent.ID,
		Status:     types.OrderFilled,
		FilledSize: primary.Size,
		AvgPrice:   primary.Price,
	}

	hedge := s.Fill(hedgeBook, intent.Hedge.Side, primary.Size)
	elapsed := primary.LatencyMS + hedge.LatencyMS

	if elapsed > s.budget {
		result.State = types.StateFailed
		result.Events = append(result.Events, "hedge_failed")
		result.Error = hedgeTimeoutMsg
		s.logger.Debug("simulated hedge timeout",
			"elapsed_ms", elapsed, "budget_ms", s.budget)
		return result
	}
	if !hedge.OK {
		result.State = types.StateFailed
		result.Events = append(result.Events, "hedge_failed")
		result.Error = fmt.Sprintf("hedge leg: %s", hedge.Reason)
		return result
	}

	result.HedgeOrder = &types.OrderResult{
		OrderID:    "sim-hedge-" + intent.ID,
		Status:     types.OrderFilled,
		FilledSize: hedge.Size,
		AvgPrice:   hedge.Price,
	}
	result.State = types.StateSettled
	result.Success = true
	s.logger.Debug("simulated package settled",
		"primary_px", primary.Price,
		"hedge_px", hedge.Price,
		"size", primary.Size,
		"latency_ms", elapsed,
	)
	return result
}

// Budget returns the hedged completion budget.
func (s *Simulator) Budget() time.Duration {
	return time.Duration(s.budget) * time.Millisecond
}
