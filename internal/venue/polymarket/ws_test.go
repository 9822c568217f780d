package polymarket

import (
	"testing"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

func feedAdapter() *Adapter {
	return &Adapter{
		ingest: config.IngestConfig{MaxDepth: 3, QueueSize: 16},
		health: venue.NewHealthTracker(),
		logger: quietLogger(),
		tokens: make(map[string]TokenPair),
	}
}

func feedFixture() (a *Adapter, byToken map[string]*tokenSlot, out chan types.BookSnapshot) {
	a = feedAdapter()
	st := &rawState{ref: types.MarketRef{Venue: types.VenuePolymarket, MarketID: "0x1"}}
	byToken = map[string]*tokenSlot{
		"y1": {state: st, yes: true},
		"n1": {state: st, yes: false},
	}
	out = make(chan types.BookSnapshot, 16)
	return a, byToken, out
}

func TestDispatchBookEventEmitsCanonicalSnapshot(t *testing.T) {
	t.Parallel()

	a, byToken, out := feedFixture()

	msg := []byte(`{"event_type":"book","asset_id":"y1",
		"buys":[{"price":"0.42","size":"100"},{"price":"0.41","size":"50"}],
		"sells":[{"price":"0.44","size":"80"}]}`)
	a.dispatchMessage(msg, byToken, out)

	snap := <-out
	if snap.Market.MarketID != "0x1" {
		t.Errorf("market = %s, want 0x1", snap.Market.MarketID)
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 0.42 {
		t.Errorf("bids = %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 0.44 {
		t.Errorf("asks = %+v", snap.Asks)
	}
	if err := snap.Validate(); err != nil {
		t.Errorf("emitted snapshot invalid: %v", err)
	}
}

func TestDispatchNoTokenBookFlipsSides(t *testing.T) {
	t.Parallel()

	a, byToken, out := feedFixture()

	// A NO-token bid at 0.45 is a YES ask at 0.55.
	msg := []byte(`{"event_type":"book","asset_id":"n1",
		"buys":[{"price":"0.45","size":"120"}],"sells":[]}`)
	a.dispatchMessage(msg, byToken, out)

	snap := <-out
	if len(snap.Asks) != 1 {
		t.Fatalf("asks = %+v, want one flipped level", snap.Asks)
	}
	if snap.Asks[0].Price != 0.55 || snap.Asks[0].Size != 120 {
		t.Errorf("flipped ask = %+v, want {0.55 120}", snap.Asks[0])
	}
}

func TestDispatchPriceChangeUpdatesLevels(t *testing.T) {
	t.Parallel()

	a, byToken, out := feedFixture()

	a.dispatchMessage([]byte(`{"event_type":"book","asset_id":"y1",
		"buys":[{"price":"0.42","size":"100"}],
		"sells":[{"price":"0.44","size":"80"}]}`), byToken, out)
	<-out

	// Update the bid size, add an ask, remove the original ask.
	a.dispatchMessage([]byte(`{"event_type":"price_change","asset_id":"y1","changes":[
		{"price":"0.42","side":"BUY","size":"60"},
		{"price":"0.45","side":"SELL","size":"30"},
		{"price":"0.44","side":"SELL","size":"0"}
	]}`), byToken, out)

	snap := <-out
	if len(snap.Bids) != 1 || snap.Bids[0].Size != 60 {
		t.Errorf("bids = %+v, want size updated to 60", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 0.45 {
		t.Errorf("asks = %+v, want only the new 0.45 level", snap.Asks)
	}
}

func TestDispatchIgnoresUnknownAssetAndEventTypes(t *testing.T) {
	t.Parallel()

	a, byToken, out := feedFixture()

	a.dispatchMessage([]byte(`{"event_type":"book","asset_id":"other"}`), byToken, out)
	a.dispatchMessage([]byte(`{"event_type":"last_trade_price","asset_id":"y1"}`), byToken, out)
	a.dispatchMessage([]byte(`not json`), byToken, out)

	select {
	case snap := <-out:
		t.Errorf("unexpected snapshot emitted: %+v", snap)
	default:
	}
}

func TestUpsertLevel(t *testing.T) {
	t.Parallel()

	levels := []market.RawLevel{{Price: 0.42, Size: 100}}

	levels = upsertLevel(levels, 0.43, 50)
	if len(levels) != 2 {
		t.Fatalf("len = %d after insert, want 2", len(levels))
	}
	levels = upsertLevel(levels, 0.42, 75)
	if levels[0].Size != 75 {
		t.Errorf("size = %v after update, want 75", levels[0].Size)
	}
	levels = upsertLevel(levels, 0.42, 0)
	if len(levels) != 1 || levels[0].Price != 0.43 {
		t.Errorf("levels = %+v after removal, want only 0.43", levels)
	}
	// Removing an absent price is a no-op.
	levels = upsertLevel(levels, 0.99, 0)
	if len(levels) != 1 {
		t.Errorf("len = %d after no-op removal, want 1", len(levels))
	}
}

func TestMapStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		venueStatus string
		want        types.OrderStatus
	}{
		{"matched", types.OrderFilled},
		{"live", types.OrderAccepted},
		{"delayed", types.OrderAccepted},
		{"unmatched", types.OrderCancelled},
		{"something-new", types.OrderPending},
	}
	for _, tt := range tests {
		if got := mapStatus(tt.venueStatus); got != tt.want {
			t.Errorf("mapStatus(%q) = %s, want %s", tt.venueStatus, got, tt.want)
		}
	}
}

func TestFillFromAmounts(t *testing.T) {
	t.Parallel()

	intent := types.OrderIntent{
		Venue: types.VenuePolymarket, MarketID: "0x1",
		Side: types.BUY, Price: 0.43, Size: 100,
	}

	// 43 USDC maker, 100 shares taker: avg price 0.43.
	resp := &orderResponse{Making: "43000000", Taking: "100000000"}
	size, avg := fillFromAmounts(resp, intent)
	if size != 100 {
		t.Errorf("size = %v, want 100", size)
	}
	if avg != 0.43 {
		t.Errorf("avg = %v, want 0.43", avg)
	}

	// Missing amounts fall back to the intent.
	size, avg = fillFromAmounts(&orderResponse{}, intent)
	if size != 100 || avg != 0.43 {
		t.Errorf("fallback = (%v, %v), want intent values", size, avg)
	}
}
