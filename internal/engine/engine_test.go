package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/internal/execution"
	"prediction-arb/internal/market"
	"prediction-arb/internal/risk"
	"prediction-arb/internal/signal"
	"prediction-arb/internal/store"
	"prediction-arb/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		DryRun:   true,
		Services: []string{"signals"},
		Signal: config.SignalConfig{
			MinEdgeCents:        2.5,
			MinHedgeProbability: 0.9,
			TradeNotionalUSD:    100,
			PairRefreshInterval: time.Hour,
		},
		Execution: config.ExecutionConfig{
			HedgeCompletionBudget: 5 * time.Second,
			MaxAttempts:           1,
		},
		Risk: config.RiskConfig{
			VenueCap:           5000,
			PerContractLimit:   250,
			MaxConcurrentPairs: 5,
			MaxDailyLoss:       500,
			CooldownAfterKill:  time.Minute,
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	e, err := New(testConfig(), st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, st
}

func testPair(id int64) types.MarketPair {
	now := time.Now().UTC()
	return types.MarketPair{
		ID:      id,
		Primary: types.MarketRef{Venue: types.VenuePolymarket, MarketID: fmt.Sprintf("0xcond-%d", id)},
		Hedge:   types.MarketRef{Venue: types.VenueKalshi, MarketID: fmt.Sprintf("TICK-%d", id)},
		Window: types.MarketWindow{
			Open:  now.Add(-time.Hour),
			Close: now.Add(24 * time.Hour),
		},
		LLMScore:        0.95,
		HardRulesPassed: true,
		Active:          true,
		LastValidated:   now,
	}
}

// flatFriction and flatDepth pin the cost model so tests control the net
// edge exactly.
type flatFriction struct{ cents float64 }

func (f flatFriction) TotalCostCents(types.MarketPair, float64) float64 { return f.cents }
func (f flatFriction) Version() string                                  { return "flat-v1" }

type flatDepth struct{ cents float64 }

func (d flatDepth) Slippage(_, _ *types.BookSnapshot, _ types.Side, _ float64) signal.SlippageEstimate {
	return signal.SlippageEstimate{TotalCents: d.cents}
}

func (d flatDepth) MaxTradeableSize(_, _ *types.BookSnapshot, _ types.Side) float64 {
	return 10_000
}

// evalSlot builds a slot whose evaluator uses pinned cost models.
func evalSlot(pair types.MarketPair, frictionCents, slipCents float64) *pairSlot {
	cfg := config.SignalConfig{MinEdgeCents: 2.5, TradeNotionalUSD: 100, MinHedgeProbability: 0.9}
	det := signal.NewDetector(pair.Primary.Venue, pair.Hedge.Venue, cfg, quietLogger())
	ev := signal.NewEvaluator(pair, cfg, flatFriction{cents: frictionCents}, flatDepth{cents: slipCents}, det, quietLogger())
	return &pairSlot{pair: pair, evaluator: ev}
}

func installSlot(e *Engine, slot *pairSlot) {
	e.slotsMu.Lock()
	e.slots[slot.pair.ID] = slot
	e.byMarket[slot.pair.Primary.Key()] = append(e.byMarket[slot.pair.Primary.Key()], slot)
	e.byMarket[slot.pair.Hedge.Key()] = append(e.byMarket[slot.pair.Hedge.Key()], slot)
	e.slotsMu.Unlock()
}

func bookSnap(v types.Venue, marketID string, bid, ask float64) types.BookSnapshot {
	return types.BookSnapshot{
		Market:    types.MarketRef{Venue: v, MarketID: marketID},
		Timestamp: time.Now().UTC(),
		Bids:      []types.BookLevel{{Price: bid, Size: 500}},
		Asks:      []types.BookLevel{{Price: ask, Size: 500}},
	}
}

// drainWrites runs every queued persistence op synchronously.
func drainWrites(t *testing.T, e *Engine) {
	t.Helper()
	for {
		select {
		case op := <-e.writes:
			if err := op.fn(context.Background()); err != nil {
				t.Fatalf("write %s: %v", op.name, err)
			}
		default:
			return
		}
	}
}

// fakePlacer fills taker orders at their limit price, or rejects everything
// when fail is set. Counts are read only after the execution goroutine has
// been joined.
type fakePlacer struct {
	venue   types.Venue
	fail    bool
	calls   int
	cancels int
}

func (p *fakePlacer) Venue() types.Venue { return p.venue }

func (p *fakePlacer) PlaceOrder(_ context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	p.calls++
	if p.fail {
		return types.OrderResult{}, errors.New("venue rejected order")
	}
	return types.OrderResult{
		OrderID:    fmt.Sprintf("%s-%d", p.venue, p.calls),
		Status:     types.OrderFilled,
		FilledSize: intent.Size,
		AvgPrice:   intent.Price,
	}, nil
}

func (p *fakePlacer) CancelOrder(context.Context, string) error {
	p.cancels++
	return nil
}

func (p *fakePlacer) FetchOrder(context.Context, string) (types.OrderStatus, error) {
	return types.OrderFilled, nil
}

// armExecution swaps in an execution stack over fake venue placers.
func armExecution(e *Engine, primary, hedge *fakePlacer) {
	e.router = execution.NewRouter(quietLogger(), primary, hedge)
	e.machine = execution.NewStateMachine(e.cfg.Execution, e.router, nil, quietLogger())
}

func TestNewServiceGating(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()

	cfg := testConfig()
	e, err := New(cfg, st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.machine != nil {
		t.Error("signals-only config built an execution stack")
	}
	if e.server != nil {
		t.Error("signals-only config built a dashboard server")
	}

	cfg = testConfig()
	cfg.Services = []string{"signals", "api"}
	cfg.Dashboard = config.DashboardConfig{Enabled: true, Port: 0}
	e, err = New(cfg, st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("New with api: %v", err)
	}
	if e.server == nil {
		t.Error("api service enabled but no server built")
	}

	// Dry run without a signing key degrades to signals-only.
	cfg = testConfig()
	cfg.Services = []string{"execution"}
	e, err = New(cfg, st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("New dry-run execution: %v", err)
	}
	if e.machine != nil {
		t.Error("expected execution disabled without a signing key")
	}

	// Live execution without a key is a hard error.
	cfg.DryRun = false
	if _, err := New(cfg, st, nil, nil, quietLogger()); err == nil {
		t.Error("expected error for live execution without key")
	}
}

func TestNewRejectsBadFrictionPack(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Signal.FrictionPackPaths = []string{"/nonexistent/pack.json"}
	if _, err := New(cfg, store.NewMemory(), nil, nil, quietLogger()); err == nil {
		t.Fatal("expected error for missing friction pack")
	}
}

func TestReconcilePairsActivatesAndRetires(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	e.reconcilePairs(ctx, market.ScanResult{Pairs: []types.MarketPair{testPair(1), testPair(2)}})

	e.slotsMu.RLock()
	if len(e.slots) != 2 {
		t.Errorf("slots = %d, want 2", len(e.slots))
	}
	if len(e.byMarket) != 4 {
		t.Errorf("byMarket keys = %d, want 4", len(e.byMarket))
	}
	e.slotsMu.RUnlock()

	// Pair 1 drops out of the tradeable set.
	e.reconcilePairs(ctx, market.ScanResult{Pairs: []types.MarketPair{testPair(2)}})

	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()
	if _, ok := e.slots[1]; ok {
		t.Error("retired pair still has a slot")
	}
	if _, ok := e.slots[2]; !ok {
		t.Error("surviving pair lost its slot")
	}
	if len(e.byMarket) != 2 {
		t.Errorf("byMarket keys = %d, want 2", len(e.byMarket))
	}
}

func TestReconcileKeepsExistingEvaluatorState(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	e.reconcilePairs(ctx, market.ScanResult{Pairs: []types.MarketPair{testPair(1)}})
	e.slotsMu.RLock()
	before := e.slots[1]
	e.slotsMu.RUnlock()

	e.reconcilePairs(ctx, market.ScanResult{Pairs: []types.MarketPair{testPair(1)}})
	e.slotsMu.RLock()
	after := e.slots[1]
	e.slotsMu.RUnlock()

	if before != after {
		t.Error("unchanged pair was rebuilt, losing evaluator state")
	}
}

func TestDispatchEmitsEdgeOnceBothLegsArrive(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	pair := testPair(7)
	installSlot(e, evalSlot(pair, 1.0, 0.5))

	// Primary leg alone cannot be evaluated.
	e.dispatch(ctx, bookSnap(types.VenuePolymarket, pair.Primary.MarketID, 0.49, 0.50))
	drainWrites(t, e)
	if edges, _ := st.RecentEdges(ctx, 10); len(edges) != 0 {
		t.Fatalf("edges after one leg = %d, want 0", len(edges))
	}

	// Hedge bid 0.56 vs primary ask 0.50: gross 6.0, net 6.0-1.0-0.5 = 4.5.
	e.dispatch(ctx, bookSnap(types.VenueKalshi, pair.Hedge.MarketID, 0.56, 0.57))
	drainWrites(t, e)

	edges, err := st.RecentEdges(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	got := edges[0]
	if got.PairID != 7 || got.PrimarySide != types.BUY {
		t.Errorf("edge = pair %d side %s, want pair 7 BUY", got.PairID, got.PrimarySide)
	}
	if diff := got.NetEdgeCents - 4.5; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("NetEdgeCents = %v, want 4.5", got.NetEdgeCents)
	}
}

func TestDispatchIgnoresUnwatchedMarkets(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	installSlot(e, evalSlot(testPair(7), 1.0, 0.5))
	e.dispatch(ctx, bookSnap(types.VenuePolymarket, "0xother", 0.40, 0.60))
	drainWrites(t, e)

	if edges, _ := st.RecentEdges(ctx, 10); len(edges) != 0 {
		t.Errorf("edges = %d, want 0 for unwatched market", len(edges))
	}
}

func TestSignalExecutesHedgedPackage(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	pPlacer := &fakePlacer{venue: types.VenuePolymarket}
	kPlacer := &fakePlacer{venue: types.VenueKalshi}
	armExecution(e, pPlacer, kPlacer)

	pair := testPair(7)
	installSlot(e, evalSlot(pair, 1.0, 0.5))

	e.dispatch(ctx, bookSnap(types.VenuePolymarket, pair.Primary.MarketID, 0.49, 0.50))
	e.dispatch(ctx, bookSnap(types.VenueKalshi, pair.Hedge.MarketID, 0.56, 0.57))
	e.wg.Wait()
	drainWrites(t, e)

	if pPlacer.calls != 1 || kPlacer.calls != 1 {
		t.Fatalf("placer calls = %d/%d, want 1/1", pPlacer.calls, kPlacer.calls)
	}

	fills, err := st.RecentFills(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}

	// $100 at ask 0.50 buys 200 contracts; the hedge sells the same count.
	long, ok := e.positions.Get(types.VenuePolymarket, pair.Primary.MarketID)
	if !ok || long.Size != 200 {
		t.Errorf("primary position = %+v, want long 200", long)
	}
	short, ok := e.positions.Get(types.VenueKalshi, pair.Hedge.MarketID)
	if !ok || short.Size != -200 {
		t.Errorf("hedge position = %+v, want short 200", short)
	}

	// Terminal intents release their risk budget.
	e.slotsMu.RLock()
	slot := e.slots[7]
	e.slotsMu.RUnlock()
	if slot.executing.Load() {
		t.Error("in-flight gate still set after terminal intent")
	}
}

func TestSignalSkippedWhileIntentInFlight(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ctx := context.Background()

	pPlacer := &fakePlacer{venue: types.VenuePolymarket}
	kPlacer := &fakePlacer{venue: types.VenueKalshi}
	armExecution(e, pPlacer, kPlacer)

	pair := testPair(7)
	slot := evalSlot(pair, 1.0, 0.5)
	slot.executing.Store(true)
	installSlot(e, slot)

	e.dispatch(ctx, bookSnap(types.VenuePolymarket, pair.Primary.MarketID, 0.49, 0.50))
	e.dispatch(ctx, bookSnap(types.VenueKalshi, pair.Hedge.MarketID, 0.56, 0.57))
	e.wg.Wait()

	if pPlacer.calls != 0 {
		t.Errorf("placer calls = %d, want 0 while an intent is in flight", pPlacer.calls)
	}
}

func TestRiskDeclineReleasesGate(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	cfg := testConfig()
	cfg.Risk.PerContractLimit = 10 // every $100 intent is over the limit
	e, err := New(cfg, st, nil, nil, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	pPlacer := &fakePlacer{venue: types.VenuePolymarket}
	kPlacer := &fakePlacer{venue: types.VenueKalshi}
	armExecution(e, pPlacer, kPlacer)

	pair := testPair(7)
	installSlot(e, evalSlot(pair, 1.0, 0.5))

	e.dispatch(ctx, bookSnap(types.VenuePolymarket, pair.Primary.MarketID, 0.49, 0.50))
	e.dispatch(ctx, bookSnap(types.VenueKalshi, pair.Hedge.MarketID, 0.56, 0.57))
	e.wg.Wait()

	if pPlacer.calls != 0 {
		t.Errorf("placer calls = %d, want 0 after risk decline", pPlacer.calls)
	}
	e.slotsMu.RLock()
	slot := e.slots[7]
	e.slotsMu.RUnlock()
	if slot.executing.Load() {
		t.Error("gate not released after decline")
	}
}

func TestHedgeFailureRecordsOnlyPrimaryFill(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)
	ctx := context.Background()

	pPlacer := &fakePlacer{venue: types.VenuePolymarket}
	kPlacer := &fakePlacer{venue: types.VenueKalshi, fail: true}
	armExecution(e, pPlacer, kPlacer)

	pair := testPair(7)
	installSlot(e, evalSlot(pair, 1.0, 0.5))

	e.dispatch(ctx, bookSnap(types.VenuePolymarket, pair.Primary.MarketID, 0.49, 0.50))
	e.dispatch(ctx, bookSnap(types.VenueKalshi, pair.Hedge.MarketID, 0.56, 0.57))
	e.wg.Wait()
	drainWrites(t, e)

	fills, err := st.RecentFills(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want only the primary leg", len(fills))
	}
	if fills[0].Venue != types.VenuePolymarket {
		t.Errorf("fill venue = %s, want polymarket", fills[0].Venue)
	}

	// The naked primary still shows up as exposure for the risk layer.
	long, ok := e.positions.Get(types.VenuePolymarket, pair.Primary.MarketID)
	if !ok || long.Size != 200 {
		t.Errorf("primary position = %+v, want long 200", long)
	}
	if _, ok := e.positions.Get(types.VenueKalshi, pair.Hedge.MarketID); ok {
		t.Error("hedge position exists despite rejected leg")
	}
}

func TestHandleKillAppendsAuditEvent(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t)

	e.handleKill(risk.KillSignal{Venue: types.VenueKalshi, Reason: "daily loss limit breached"})
	drainWrites(t, e)

	events := st.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != "risk_kill" {
		t.Errorf("event type = %s, want risk_kill", events[0].Type)
	}
}

func TestWatchedRefsDeduplicatesSharedLegs(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	p1 := testPair(1)
	p2 := testPair(2)
	p2.Hedge = p1.Hedge // two pairs hedging into the same market
	installSlot(e, evalSlot(p1, 1, 0))
	installSlot(e, evalSlot(p2, 1, 0))

	refs := e.watchedRefs()
	if got := len(refs[types.VenuePolymarket]); got != 2 {
		t.Errorf("polymarket refs = %d, want 2", got)
	}
	if got := len(refs[types.VenueKalshi]); got != 1 {
		t.Errorf("kalshi refs = %d, want 1", got)
	}
}

func TestRefKeyStableUnderOrdering(t *testing.T) {
	t.Parallel()

	a := []types.MarketRef{{MarketID: "b"}, {MarketID: "a"}}
	b := []types.MarketRef{{MarketID: "a"}, {MarketID: "b"}}
	if refKey(a) != refKey(b) {
		t.Errorf("refKey order-sensitive: %q vs %q", refKey(a), refKey(b))
	}
	if refKey(nil) != "" {
		t.Errorf("refKey(nil) = %q, want empty", refKey(nil))
	}
}
