// Package execution runs approved intents through a hedged two-leg state
// machine with a strict no-legging policy.
//
// Per attempt:
//
//  1. Place the primary leg. A rejection logs "primary_rejected" and
//     restarts the attempt loop.
//  2. Place the hedge leg under the remaining completion budget. The
//     budget clock starts at primary placement, so a slow primary eats
//     into the hedge window.
//  3. A hedge failure or budget breach cancels both legs best-effort,
//     logs "hedge_failed", and restarts if attempts remain.
//  4. A hedge fill settles the package.
//
// Either the intent terminates SETTLED with both legs placed, or every
// placed order has seen a cancel attempt. Exactly one ExecutionResult
// comes out per intent.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/internal/metrics"
	"prediction-arb/pkg/types"
)

// Defaults applied when the config leaves a value zero.
const (
	defaultHedgeBudget = 250 * time.Millisecond
	defaultMaxAttempts = 2
	cancelTimeout      = 5 * time.Second
)

// hedgeTimeoutMsg is the terminal error for packages that blew the
// completion budget. Alerting keys off this exact string.
const hedgeTimeoutMsg = "Hedge timeout exceeded"

// Client places and cancels the legs of one intent. Router is the live
// implementation; the backtester substitutes a simulated one.
type Client interface {
	PlacePrimary(ctx context.Context, intent types.ExecutionIntent) (types.OrderResult, error)
	PlaceHedge(ctx context.Context, intent types.ExecutionIntent) (types.OrderResult, error)
	Cancel(ctx context.Context, intent types.ExecutionIntent) error
}

// StateMachine coordinates the two legs of an execution intent.
type StateMachine struct {
	client      Client
	budget      time.Duration
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewStateMachine builds a state machine over the given execution client.
func NewStateMachine(cfg config.ExecutionConfig, client Client, m *metrics.Metrics, logger *slog.Logger) *StateMachine {
	budget := cfg.HedgeCompletionBudget
	if budget <= 0 {
		budget = defaultHedgeBudget
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = defaultMaxAttempts
	}
	return &StateMachine{
		client:      client,
		budget:      budget,
		maxAttempts: attempts,
		metrics:     m,
		logger:      logger.With("component", "execution"),
	}
}

// Execute runs one intent to a terminal state and returns its single
// ExecutionResult. It blocks for the duration of the attempt loop.
func (sm *StateMachine) Execute(ctx context.Context, intent types.ExecutionIntent) types.ExecutionResult {
	result := types.ExecutionResult{
		IntentID: intent.ID,
		State:    types.StateReady,
	}
	logger := sm.logger.With("intent_id", intent.ID, "pair_id", intent.Edge.PairID)

	var lastErr string
	for attempt := 1; attempt <= sm.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Sprintf("execution aborted: %v", err)
			break
		}
		result.State = types.StateReady

		start := time.Now()
		primary, err := sm.client.PlacePrimary(ctx, intent)
		if err != nil || primary.Status == types.OrderRejected {
			result.Events = append(result.Events, "primary_rejected")
			lastErr = legFailure("primary", primary, err)
			logger.Warn("primary leg rejected", "attempt", attempt, "error", lastErr)
			continue
		}
		result.State = types.StatePrimaryPlaced
		result.PrimaryOrder = &primary

		// The hedge inherits whatever budget the primary left over.
		hctx, hcancel := context.WithDeadline(ctx, start.Add(sm.budget))
		hedge, herr := sm.client.PlaceHedge(hctx, intent)
		hcancel()
		elapsed := time.Since(start)
		sm.metrics.ObserveHedgeLatency(elapsed)

		timedOut := elapsed > sm.budget || errors.Is(herr, context.DeadlineExceeded)
		if timedOut || herr != nil || hedge.Status == types.OrderRejected {
			if timedOut {
				lastErr = hedgeTimeoutMsg
			} else {
				lastErr = legFailure("hedge", hedge, herr)
			}
			result.Events = append(result.Events, "hedge_failed")
			logger.Warn("hedge leg failed, cancelling package",
				"attempt", attempt,
				"elapsed_ms", elapsed.Milliseconds(),
				"error", lastErr,
			)

			// Cancel on a fresh context so shutdown cannot leave a naked leg.
			cctx, ccancel := context.WithTimeout(context.Background(), cancelTimeout)
			if cerr := sm.client.Cancel(cctx, intent); cerr != nil {
				logger.Error("package cancel incomplete", "error", cerr)
			}
			ccancel()

			result.State = types.StateFailed
			continue
		}

		result.HedgeOrder = &hedge
		result.State = types.StateSettled
		result.Success = true
		result.CompletedAt = time.Now()
		sm.metrics.ObserveIntent("settled")
		logger.Info("package settled",
			"attempt", attempt,
			"hedge_ms", elapsed.Milliseconds(),
			"primary_order", primary.OrderID,
			"hedge_order", hedge.OrderID,
		)
		return result
	}

	if lastErr == "" {
		lastErr = "exhausted attempts"
	}
	result.State = types.StateFailed
	result.Success = false
	result.Error = lastErr
	result.CompletedAt = time.Now()
	sm.metrics.ObserveIntent("failed")
	logger.Warn("package failed", "error", lastErr, "events", result.Events)
	return result
}

func legFailure(leg string, res types.OrderResult, err error) string {
	if err != nil {
		return fmt.Sprintf("%s leg: %v", leg, err)
	}
	if res.OrderID != "" {
		return fmt.Sprintf("%s leg rejected by venue (order %s)", leg, res.OrderID)
	}
	return fmt.Sprintf("%s leg rejected by venue", leg)
}
