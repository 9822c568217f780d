package polymarket

import (
	"context"
	"testing"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

func TestExecutorPlaceOrderDryRun(t *testing.T) {
	t.Parallel()

	client := NewClient(config.PolymarketConfig{}, true, quietLogger())
	exec := NewExecutor(client, testSigner(t), config.ExecutionConfig{OrderExpirySeconds: 120}, quietLogger())

	if exec.Venue() != types.VenuePolymarket {
		t.Errorf("venue = %s", exec.Venue())
	}

	result, err := exec.PlaceOrder(context.Background(), types.OrderIntent{
		Venue:     types.VenuePolymarket,
		MarketID:  "0xabc",
		Side:      types.BUY,
		Price:     0.43,
		Size:      100,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if result.Status != types.OrderFilled {
		t.Errorf("status = %s, want filled in dry-run", result.Status)
	}
	if result.FilledSize != 100 || result.AvgPrice != 0.43 {
		t.Errorf("fill = (%v, %v), want intent values", result.FilledSize, result.AvgPrice)
	}
}

func TestExecutorRejectsInvalidIntent(t *testing.T) {
	t.Parallel()

	client := NewClient(config.PolymarketConfig{}, true, quietLogger())
	exec := NewExecutor(client, testSigner(t), config.ExecutionConfig{OrderExpirySeconds: 120}, quietLogger())

	_, err := exec.PlaceOrder(context.Background(), types.OrderIntent{
		Venue:    types.VenuePolymarket,
		MarketID: "0xabc",
		Side:     types.BUY,
		Price:    1.2, // out of range
		Size:     100,
	})
	if err == nil {
		t.Fatal("expected validation error for price outside (0,1)")
	}
}

func TestExecutorCancelOrderDryRun(t *testing.T) {
	t.Parallel()

	client := NewClient(config.PolymarketConfig{}, true, quietLogger())
	exec := NewExecutor(client, testSigner(t), config.ExecutionConfig{}, quietLogger())

	if err := exec.CancelOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
}
