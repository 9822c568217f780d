package execution

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// stubClient scripts leg outcomes and records call counts. Delays simulate
// venue latency; the stub ignores context deadlines the way a wire write
// already in flight would.
type stubClient struct {
	mu sync.Mutex

	primaryDelay    time.Duration
	primaryFailures int // fail this many primary placements before succeeding
	primaryErr      error

	hedgeDelay    time.Duration
	hedgeFailures int
	hedgeErr      error

	primaryCalls int
	hedgeCalls   int
	cancelCalls  int
}

func (c *stubClient) PlacePrimary(ctx context.Context, intent types.ExecutionIntent) (types.OrderResult, error) {
	c.mu.Lock()
	c.primaryCalls++
	calls := c.primaryCalls
	c.mu.Unlock()

	time.Sleep(c.primaryDelay)
	if c.primaryErr != nil && calls <= c.primaryFailures {
		return types.OrderResult{}, c.primaryErr
	}
	return types.OrderResult{OrderID: "prim-1", Status: types.OrderAccepted}, nil
}

func (c *stubClient) PlaceHedge(ctx context.Context, intent types.ExecutionIntent) (types.OrderResult, error) {
	c.mu.Lock()
	c.hedgeCalls++
	calls := c.hedgeCalls
	c.mu.Unlock()

	time.Sleep(c.hedgeDelay)
	if c.hedgeErr != nil && calls <= c.hedgeFailures {
		return types.OrderResult{}, c.hedgeErr
	}
	return types.OrderResult{OrderID: "hedge-1", Status: types.OrderFilled}, nil
}

func (c *stubClient) Cancel(ctx context.Context, intent types.ExecutionIntent) error {
	c.mu.Lock()
	c.cancelCalls++
	c.mu.Unlock()
	return nil
}

func newTestMachine(client Client, budget time.Duration) *StateMachine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.ExecutionConfig{HedgeCompletionBudget: budget, MaxAttempts: 2}
	return NewStateMachine(cfg, client, nil, logger)
}

func machineIntent() types.ExecutionIntent {
	return types.ExecutionIntent{
		ID:   "intent-1",
		Edge: types.EdgeSignal{PairID: 7, NetEdgeCents: 4.2},
		Primary: types.OrderIntent{
			Venue: types.VenuePolymarket, MarketID: "0xabc",
			Side: types.BUY, Price: 0.55, Size: 100,
		},
		Hedge: types.OrderIntent{
			Venue: types.VenueKalshi, MarketID: "CPI-SEP-T3.0",
			Side: types.SELL, Price: 0.60, Size: 100,
		},
		MaxNotional: 55,
		CreatedAt:   time.Now(),
	}
}

func TestExecuteSettles(t *testing.T) {
	t.Parallel()
	client := &stubClient{}
	sm := newTestMachine(client, 250*time.Millisecond)

	result := sm.Execute(context.Background(), machineIntent())

	if !result.Success {
		t.Fatalf("Execute() success = false, error = %q", result.Error)
	}
	if result.State != types.StateSettled {
		t.Errorf("state = %s, want SETTLED", result.State)
	}
	if len(result.Events) != 0 {
		t.Errorf("events = %v, want none", result.Events)
	}
	if client.primaryCalls != 1 || client.hedgeCalls != 1 {
		t.Errorf("calls = %d primary / %d hedge, want 1/1", client.primaryCalls, client.hedgeCalls)
	}
	if client.cancelCalls != 0 {
		t.Errorf("cancelCalls = %d, want 0", client.cancelCalls)
	}
	if result.PrimaryOrder == nil || result.PrimaryOrder.OrderID != "prim-1" {
		t.Errorf("primary order = %+v, want prim-1", result.PrimaryOrder)
	}
	if result.HedgeOrder == nil || result.HedgeOrder.OrderID != "hedge-1" {
		t.Errorf("hedge order = %+v, want hedge-1", result.HedgeOrder)
	}
}

func TestExecuteHedgeTimeout(t *testing.T) {
	t.Parallel()

	// Primary consumes 40ms of a 50ms budget; the hedge lands at 60ms.
	// Both legs succeed at the venue but the package is too slow to keep.
	client := &stubClient{
		primaryDelay: 40 * time.Millisecond,
		hedgeDelay:   20 * time.Millisecond,
	}
	sm := newTestMachine(client, 50*time.Millisecond)

	result := sm.Execute(context.Background(), machineIntent())

	if result.Success {
		t.Fatal("Execute() success = true, want failure on budget breach")
	}
	if result.State != types.StateFailed {
		t.Errorf("state = %s, want FAILED", result.State)
	}
	if result.Error != "Hedge timeout exceeded" {
		t.Errorf("error = %q, want %q", result.Error, "Hedge timeout exceeded")
	}
	if client.cancelCalls != 2 {
		t.Errorf("cancelCalls = %d, want 2 (one per attempt)", client.cancelCalls)
	}
	wantEvents := []string{"hedge_failed", "hedge_failed"}
	if len(result.Events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", result.Events, wantEvents)
	}
	for i, e := range wantEvents {
		if result.Events[i] != e {
			t.Errorf("events[%d] = %q, want %q", i, result.Events[i], e)
		}
	}
}

func TestExecutePrimaryRejectedThenRetries(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		primaryErr:      errors.New("insufficient balance"),
		primaryFailures: 1,
	}
	sm := newTestMachine(client, 250*time.Millisecond)

	result := sm.Execute(context.Background(), machineIntent())

	if !result.Success {
		t.Fatalf("Execute() success = false, error = %q", result.Error)
	}
	if client.primaryCalls != 2 {
		t.Errorf("primaryCalls = %d, want 2", client.primaryCalls)
	}
	if len(result.Events) != 1 || result.Events[0] != "primary_rejected" {
		t.Errorf("events = %v, want [primary_rejected]", result.Events)
	}
	if client.cancelCalls != 0 {
		t.Errorf("cancelCalls = %d, want 0 (nothing placed on failed attempt)", client.cancelCalls)
	}
}

func TestExecutePrimaryExhaustsAttempts(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		primaryErr:      errors.New("market closed"),
		primaryFailures: 10,
	}
	sm := newTestMachine(client, 250*time.Millisecond)

	result := sm.Execute(context.Background(), machineIntent())

	if result.Success {
		t.Fatal("Execute() success = true, want failure")
	}
	if client.primaryCalls != 2 {
		t.Errorf("primaryCalls = %d, want 2 (max attempts)", client.primaryCalls)
	}
	if client.hedgeCalls != 0 {
		t.Errorf("hedgeCalls = %d, want 0", client.hedgeCalls)
	}
	if !strings.Contains(result.Error, "market closed") {
		t.Errorf("error = %q, want it to carry the venue failure", result.Error)
	}
}

func TestExecuteHedgeFailureCancelsBothLegs(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		hedgeErr:      errors.New("order rejected"),
		hedgeFailures: 10,
	}
	sm := newTestMachine(client, 250*time.Millisecond)

	result := sm.Execute(context.Background(), machineIntent())

	if result.Success {
		t.Fatal("Execute() success = true, want failure")
	}
	if client.cancelCalls != 2 {
		t.Errorf("cancelCalls = %d, want 2 (cancel after every hedge failure)", client.cancelCalls)
	}
	if !strings.Contains(result.Error, "order rejected") {
		t.Errorf("error = %q, want hedge rejection detail", result.Error)
	}
}

func TestExecuteHedgeFailureThenSettles(t *testing.T) {
	t.Parallel()
	client := &stubClient{
		hedgeErr:      errors.New("transient"),
		hedgeFailures: 1,
	}
	sm := newTestMachine(client, 250*time.Millisecond)

	result := sm.Execute(context.Background(), machineIntent())

	if !result.Success {
		t.Fatalf("Execute() success = false, error = %q", result.Error)
	}
	if client.cancelCalls != 1 {
		t.Errorf("cancelCalls = %d, want 1 (first attempt only)", client.cancelCalls)
	}
	if len(result.Events) != 1 || result.Events[0] != "hedge_failed" {
		t.Errorf("events = %v, want [hedge_failed]", result.Events)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	t.Parallel()
	client := &stubClient{}
	sm := newTestMachine(client, 250*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := sm.Execute(ctx, machineIntent())

	if result.Success {
		t.Fatal("Execute() success = true on cancelled context")
	}
	if client.primaryCalls != 0 {
		t.Errorf("primaryCalls = %d, want 0", client.primaryCalls)
	}
	if result.State != types.StateFailed {
		t.Errorf("state = %s, want FAILED", result.State)
	}
}
