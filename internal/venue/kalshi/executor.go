package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"prediction-arb/pkg/types"
)

// Executor turns order intents into IOC limit orders. Contracts trade in
// whole-cent prices and integer counts, so sizes round down and prices clamp
// into [1, 99] cents; an intent too small for a single contract is rejected
// before it reaches the wire.
type Executor struct {
	client *Client
	logger *slog.Logger
}

// NewExecutor builds the executor over an existing client.
func NewExecutor(client *Client, logger *slog.Logger) *Executor {
	return &Executor{
		client: client,
		logger: logger.With("component", "kalshi_executor"),
	}
}

// Venue implements execution.OrderPlacer.
func (e *Executor) Venue() types.Venue { return types.VenueKalshi }

// PlaceOrder implements execution.OrderPlacer.
func (e *Executor) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if err := intent.Validate(); err != nil {
		return types.OrderResult{}, fmt.Errorf("order intent: %w", err)
	}

	count := int(math.Floor(intent.Size))
	if count < 1 {
		return types.OrderResult{}, fmt.Errorf("size %.2f below one contract: %w", intent.Size, types.ErrRejected)
	}

	action := "buy"
	if intent.Side == types.SELL {
		action = "sell"
	}

	req := orderRequest{
		Ticker:        intent.MarketID,
		ClientOrderID: uuid.NewString(),
		Side:          "yes",
		Action:        action,
		Count:         count,
		Type:          "limit",
		YesPrice:      clampCents(intent.Price),
		TimeInForce:   "immediate_or_cancel",
	}

	resp, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		return types.OrderResult{}, err
	}

	result := types.OrderResult{
		OrderID: resp.Order.OrderID,
		Status:  mapStatus(resp.Order.Status),
	}
	if resp.Order.TakerFillCnt > 0 {
		result.FilledSize = float64(resp.Order.TakerFillCnt)
		result.AvgPrice = avgFillPrice(resp, intent.Price)
		if result.Status == types.OrderPending {
			result.Status = types.OrderFilled
		}
	}

	e.logger.Info("order placed",
		"order_id", result.OrderID,
		"ticker", intent.MarketID,
		"action", action,
		"count", count,
		"yes_price", req.YesPrice,
		"status", result.Status,
	)
	return result, nil
}

// CancelOrder implements execution.OrderPlacer.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	return e.client.CancelOrder(ctx, orderID)
}

// FetchOrder reports the venue's current view of one order.
func (e *Executor) FetchOrder(ctx context.Context, orderID string) (types.OrderStatus, error) {
	status, err := e.client.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return mapStatus(status), nil
}

// clampCents converts a probability to whole cents within the venue's
// tradeable band.
func clampCents(price float64) int {
	cents := int(math.Round(price * 100))
	if cents < 1 {
		return 1
	}
	if cents > 99 {
		return 99
	}
	return cents
}

func mapStatus(venueStatus string) types.OrderStatus {
	switch venueStatus {
	case "executed":
		return types.OrderFilled
	case "resting":
		return types.OrderAccepted
	case "canceled", "cancelled":
		return types.OrderCancelled
	default:
		return types.OrderPending
	}
}

// avgFillPrice derives the per-contract fill price in probability terms from
// the total fill cost, falling back to the intent price.
func avgFillPrice(resp *orderResponse, fallback float64) float64 {
	if resp.Order.TakerFillCnt <= 0 || resp.Order.TakerFillCost <= 0 {
		return fallback
	}
	return float64(resp.Order.TakerFillCost) / float64(resp.Order.TakerFillCnt) / 100
}
