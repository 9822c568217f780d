package backtest

import (
	"io"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"prediction-arb/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func snap(venue types.Venue, marketID string, bids, asks [][2]float64) types.BookSnapshot {
	s := types.BookSnapshot{
		Market:    types.MarketRef{Venue: venue, MarketID: marketID},
		Timestamp: time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC),
	}
	for _, lvl := range bids {
		s.Bids = append(s.Bids, types.BookLevel{Price: lvl[0], Size: lvl[1]})
	}
	for _, lvl := range asks {
		s.Asks = append(s.Asks, types.BookLevel{Price: lvl[0], Size: lvl[1]})
	}
	return s
}

func hedgedIntent(id string) types.ExecutionIntent {
	return types.ExecutionIntent{
		ID: id,
		Primary: types.OrderIntent{
			Venue:    types.VenuePolymarket,
			MarketID: "0xabc",
			Side:     types.BUY,
			Price:    0.55,
			Size:     100,
		},
		Hedge: types.OrderIntent{
			Venue:    types.VenueKalshi,
			MarketID: "CPI-SEP",
			Side:     types.SELL,
			Price:    0.55,
			Size:     100,
		},
		MaxNotional: 100,
	}
}

func TestFillWalksTopLevels(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(0, 0, 0, 1, quietLogger())
	book := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{
		{0.50, 100}, {0.52, 100}, {0.54, 100}, {0.40, 9999},
	})

	fill := sim.Fill(book, types.BUY, 250)
	if !fill.OK {
		t.Fatalf("fill failed: %s", fill.Reason)
	}
	approx(t, "size", fill.Size, 250)
	// 100@0.50 + 100@0.52 + 50@0.54; the fourth level is out of reach.
	approx(t, "vwap", fill.Price, (100*0.50+100*0.52+50*0.54)/250)
}

func TestFillSellConsumesBids(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(0, 0, 0, 1, quietLogger())
	book := snap(types.VenueKalshi, "CPI-SEP", [][2]float64{{0.60, 80}, {0.58, 80}}, nil)

	fill := sim.Fill(book, types.SELL, 120)
	if !fill.OK {
		t.Fatalf("fill failed: %s", fill.Reason)
	}
	approx(t, "size", fill.Size, 120)
	approx(t, "vwap", fill.Price, (80*0.60+40*0.58)/120)
}

func TestFillPartialWhenBookShort(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(0, 0, 0, 1, quietLogger())
	book := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 60}})

	fill := sim.Fill(book, types.BUY, 100)
	if !fill.OK {
		t.Fatalf("partial fill should succeed: %s", fill.Reason)
	}
	approx(t, "size", fill.Size, 60)
	approx(t, "price", fill.Price, 0.50)
}

func TestFillEmptySide(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(0, 0, 0, 1, quietLogger())
	book := snap(types.VenuePolymarket, "0xabc", [][2]float64{{0.49, 100}}, nil)

	fill := sim.Fill(book, types.BUY, 10)
	if fill.OK {
		t.Fatal("fill against an empty ask side succeeded")
	}
	if fill.Reason != "no liquidity available" {
		t.Fatalf("reason = %q", fill.Reason)
	}
	if fill.LatencyMS < latencyFloorMS {
		t.Fatalf("latency %d below floor", fill.LatencyMS)
	}
}

func TestLatencyStaysInsideBands(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(200, 350, 250, 7, quietLogger())
	var fast, slow int
	for i := 0; i < 2000; i++ {
		ms := sim.latencyMS()
		if ms < latencyFloorMS || ms > 350 {
			t.Fatalf("latency %dms outside [%d, 350]", ms, latencyFloorMS)
		}
		if ms <= 200 {
			fast++
		} else {
			slow++
		}
	}
	if fast == 0 || slow == 0 {
		t.Fatalf("draws never left one band: fast=%d slow=%d", fast, slow)
	}
}

func TestSeededReplayIsDeterministic(t *testing.T) {
	t.Parallel()

	primary := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 500}})
	hedge := snap(types.VenueKalshi, "CPI-SEP", [][2]float64{{0.55, 500}}, nil)

	run := func() []types.ExecutionResult {
		sim := NewSimulator(200, 350, 250, 42, quietLogger())
		var out []types.ExecutionResult
		for i := 0; i < 50; i++ {
			out = append(out, sim.ExecuteHedged(hedgedIntent("intent-42"), primary, hedge))
		}
		return out
	}

	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical seed and inputs produced different results")
	}

	a := NewSimulator(200, 350, 250, 42, quietLogger())
	b := NewSimulator(200, 350, 250, 43, quietLogger())
	diverged := false
	for i := 0; i < 20; i++ {
		if a.latencyMS() != b.latencyMS() {
			diverged = true
			break
		}
	}
	if !diverged {
		t.Fatal("different seeds drew identical latency sequences")
	}
}

func TestExecuteHedgedSettles(t *testing.T) {
	t.Parallel()

	// A budget far above p95+p95 so latency can never breach it.
	sim := NewSimulator(200, 350, 10_000, 3, quietLogger())
	primary := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 500}})
	hedge := snap(types.VenueKalshi, "CPI-SEP", [][2]float64{{0.55, 500}}, nil)

	res := sim.ExecuteHedged(hedgedIntent("pkg-1"), primary, hedge)
	if !res.Success || res.State != types.StateSettled {
		t.Fatalf("state = %s, success = %v, err = %q", res.State, res.Success, res.Error)
	}
	if res.PrimaryOrder == nil || res.HedgeOrder == nil {
		t.Fatal("settled package missing a leg result")
	}
	if res.PrimaryOrder.OrderID != "sim-primary-pkg-1" || res.HedgeOrder.OrderID != "sim-hedge-pkg-1" {
		t.Fatalf("order ids = %s / %s", res.PrimaryOrder.OrderID, res.HedgeOrder.OrderID)
	}
	approx(t, "primary size", res.PrimaryOrder.FilledSize, 100)
	approx(t, "hedge size", res.HedgeOrder.FilledSize, 100)
	approx(t, "primary px", res.PrimaryOrder.AvgPrice, 0.50)
	approx(t, "hedge px", res.HedgeOrder.AvgPrice, 0.55)
}

func TestExecuteHedgedBudgetBreach(t *testing.T) {
	t.Parallel()

	// Latency floor is 100ms per leg, so a 1ms budget always breaches.
	sim := NewSimulator(200, 350, 1, 9, quietLogger())
	primary := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 500}})
	hedge := snap(types.VenueKalshi, "CPI-SEP", [][2]float64{{0.55, 500}}, nil)

	res := sim.ExecuteHedged(hedgedIntent("pkg-2"), primary, hedge)
	if res.Success || res.State != types.StateFailed {
		t.Fatalf("state = %s, success = %v", res.State, res.Success)
	}
	if res.Error != "Hedge timeout exceeded" {
		t.Fatalf("error = %q", res.Error)
	}
	found := false
	for _, ev := range res.Events {
		if ev == "hedge_failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %v, missing hedge_failed", res.Events)
	}
	if res.HedgeOrder != nil {
		t.Fatal("timed-out package recorded a hedge fill")
	}
}

func TestExecuteHedgedPrimaryRejected(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(200, 350, 10_000, 5, quietLogger())
	primary := snap(types.VenuePolymarket, "0xabc", nil, nil)
	hedge := snap(types.VenueKalshi, "CPI-SEP", [][2]float64{{0.55, 500}}, nil)

	res := sim.ExecuteHedged(hedgedIntent("pkg-3"), primary, hedge)
	if res.State != types.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !strings.HasPrefix(res.Error, "primary leg:") {
		t.Fatalf("error = %q", res.Error)
	}
	if len(res.Events) != 1 || res.Events[0] != "primary_rejected" {
		t.Fatalf("events = %v", res.Events)
	}
	if res.PrimaryOrder != nil {
		t.Fatal("rejected primary produced an order result")
	}
}

func TestExecuteHedgedHedgeIlliquid(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(200, 350, 10_000, 6, quietLogger())
	primary := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 500}})
	hedge := snap(types.VenueKalshi, "CPI-SEP", nil, nil)

	res := sim.ExecuteHedged(hedgedIntent("pkg-4"), primary, hedge)
	if res.State != types.StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !strings.HasPrefix(res.Error, "hedge leg:") {
		t.Fatalf("error = %q", res.Error)
	}
	if res.PrimaryOrder == nil {
		t.Fatal("primary fill lost on hedge failure")
	}
}

func TestExecuteHedgedSizesFromNotional(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(200, 350, 10_000, 8, quietLogger())
	intent := hedgedIntent("pkg-5")
	intent.Primary.Size = 0
	intent.MaxNotional = 50

	primary := snap(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 500}})
	hedge := snap(types.VenueKalshi, "CPI-SEP", [][2]float64{{0.55, 500}}, nil)

	res := sim.ExecuteHedged(intent, primary, hedge)
	if !res.Success {
		t.Fatalf("package failed: %s", res.Error)
	}
	// $50 at a 0.50 ask buys 100 contracts.
	approx(t, "primary size", res.PrimaryOrder.FilledSize, 100)
}

func TestSimulatorDefaults(t *testing.T) {
	t.Parallel()

	sim := NewSimulator(0, 0, 0, 1, quietLogger())
	if sim.p50 != defaultLatencyP50 || sim.p95 != defaultLatencyP95 {
		t.Fatalf("latency defaults = %d/%d", sim.p50, sim.p95)
	}
	if got := sim.Budget(); got != 250*time.Millisecond {
		t.Fatalf("budget = %s", got)
	}
}
