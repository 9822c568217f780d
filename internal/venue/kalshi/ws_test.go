package kalshi

import (
	"math"
	"testing"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

func feedFixture() (a *Adapter, states map[string]*rawState, out chan types.BookSnapshot) {
	a = &Adapter{
		ingest: config.IngestConfig{MaxDepth: 3, QueueSize: 16},
		health: venue.NewHealthTracker(),
		logger: quietLogger(),
	}
	states = map[string]*rawState{
		"CPI-SEP-T3.0": {ref: types.MarketRef{Venue: types.VenueKalshi, MarketID: "CPI-SEP-T3.0"}},
	}
	out = make(chan types.BookSnapshot, 16)
	return a, states, out
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDispatchSnapshotNormalizesCents(t *testing.T) {
	t.Parallel()

	a, states, out := feedFixture()

	// NO bids at 45 and 46 cents flip into YES asks at 0.55 and 0.54.
	msg := []byte(`{"type":"orderbook_snapshot","msg":{
		"market_ticker":"CPI-SEP-T3.0",
		"yes":[[42,100]],
		"no":[[45,120],[46,180]]}}`)
	a.dispatchMessage(msg, states, out)

	snap := <-out
	if len(snap.Bids) != 1 || !approx(snap.Bids[0].Price, 0.42) {
		t.Errorf("bids = %+v, want single 0.42", snap.Bids)
	}
	if len(snap.Asks) != 2 {
		t.Fatalf("asks = %+v, want two flipped levels", snap.Asks)
	}
	if !approx(snap.Asks[0].Price, 0.54) || snap.Asks[0].Size != 180 {
		t.Errorf("asks[0] = %+v, want {0.54 180}", snap.Asks[0])
	}
	if !approx(snap.Asks[1].Price, 0.55) || snap.Asks[1].Size != 120 {
		t.Errorf("asks[1] = %+v, want {0.55 120}", snap.Asks[1])
	}
}

func TestDispatchDeltaAdjustsLevels(t *testing.T) {
	t.Parallel()

	a, states, out := feedFixture()

	a.dispatchMessage([]byte(`{"type":"orderbook_snapshot","msg":{
		"market_ticker":"CPI-SEP-T3.0","yes":[[42,100]],"no":[[45,120]]}}`), states, out)
	<-out

	// Reduce the yes bid, grow the no level.
	a.dispatchMessage([]byte(`{"type":"orderbook_delta","msg":{
		"market_ticker":"CPI-SEP-T3.0","price":42,"delta":-40,"side":"yes"}}`), states, out)
	snap := <-out
	if len(snap.Bids) != 1 || snap.Bids[0].Size != 60 {
		t.Errorf("bids after delta = %+v, want size 60", snap.Bids)
	}

	// Deltas that empty a level remove it.
	a.dispatchMessage([]byte(`{"type":"orderbook_delta","msg":{
		"market_ticker":"CPI-SEP-T3.0","price":42,"delta":-60,"side":"yes"}}`), states, out)
	snap = <-out
	if len(snap.Bids) != 0 {
		t.Errorf("bids after emptying delta = %+v, want none", snap.Bids)
	}
}

func TestDispatchIgnoresUnknownTickerAndTypes(t *testing.T) {
	t.Parallel()

	a, states, out := feedFixture()

	a.dispatchMessage([]byte(`{"type":"orderbook_snapshot","msg":{"market_ticker":"OTHER","yes":[[42,1]]}}`), states, out)
	a.dispatchMessage([]byte(`{"type":"subscribed","msg":{}}`), states, out)
	a.dispatchMessage([]byte(`garbage`), states, out)

	select {
	case snap := <-out:
		t.Errorf("unexpected snapshot: %+v", snap)
	default:
	}
}

func TestApplyDelta(t *testing.T) {
	t.Parallel()

	levels := []market.RawLevel{{Price: 42, Size: 100}}

	levels = applyDelta(levels, 43, 50)
	if len(levels) != 2 {
		t.Fatalf("len = %d after new level, want 2", len(levels))
	}
	levels = applyDelta(levels, 42, -30)
	if levels[0].Size != 70 {
		t.Errorf("size = %v, want 70", levels[0].Size)
	}
	levels = applyDelta(levels, 42, -70)
	if len(levels) != 1 || levels[0].Price != 43 {
		t.Errorf("levels = %+v, want only price 43", levels)
	}
	// Negative delta on an absent level is a no-op.
	levels = applyDelta(levels, 99, -5)
	if len(levels) != 1 {
		t.Errorf("len = %d after no-op, want 1", len(levels))
	}
}
