package signal

import (
	"testing"
	"time"

	"prediction-arb/pkg/types"
)

func book(venue types.Venue, marketID string, bids, asks [][2]float64) *types.BookSnapshot {
	snap := &types.BookSnapshot{
		Market:    types.MarketRef{Venue: venue, MarketID: marketID},
		Timestamp: time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC),
	}
	for _, lvl := range bids {
		snap.Bids = append(snap.Bids, types.BookLevel{Price: lvl[0], Size: lvl[1]})
	}
	for _, lvl := range asks {
		snap.Asks = append(snap.Asks, types.BookLevel{Price: lvl[0], Size: lvl[1]})
	}
	return snap
}

func TestVWAPWalk(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	levels := []types.BookLevel{{Price: 0.50, Size: 100}, {Price: 0.52, Size: 100}}

	// $75 target: $50 from the first level, $25 partial from the second.
	price, filled := m.vwap(levels, 75)
	approx(t, "filled", filled, 75)
	wantSize := 100 + 25/0.52
	approx(t, "vwap", price, 75/wantSize)

	// Full consumption of both levels leaves the walk short.
	_, filled = m.vwap(levels, 150)
	approx(t, "short fill", filled, 50+52)
}

func TestSlippageZeroAtTopOfBook(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	primary := book(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.55, 200}})
	hedge := book(types.VenueKalshi, "CPI", [][2]float64{{0.60, 200}}, nil)

	est := m.Slippage(primary, hedge, types.BUY, 50)
	if est.Insufficient {
		t.Fatal("flagged insufficient with full top-level coverage")
	}
	approx(t, "total", est.TotalCents, 0)
}

func TestSlippageFromBookWalk(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	primary := book(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 100}, {0.52, 100}})
	hedge := book(types.VenueKalshi, "CPI", [][2]float64{{0.60, 200}}, nil)

	est := m.Slippage(primary, hedge, types.BUY, 75)
	if est.Insufficient {
		t.Fatal("unexpected insufficient flag")
	}

	vwap := 75 / (100 + 25/0.52)
	wantPrimary := (vwap - 0.50) * 75 / 0.50 * 100
	approx(t, "primary cents", est.PrimaryCents, wantPrimary)
	approx(t, "hedge cents", est.HedgeCents, 0)
	approx(t, "total cents", est.TotalCents, wantPrimary)
}

func TestSlippageInsufficientLiquidity(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	primary := book(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 100}})
	hedge := book(types.VenueKalshi, "CPI", [][2]float64{{0.60, 500}}, nil)

	est := m.Slippage(primary, hedge, types.BUY, 200)
	if !est.Insufficient {
		t.Fatal("expected insufficient flag")
	}
	approx(t, "penalty", est.TotalCents, 200*0.02*100)
}

func TestSlippageMissingBook(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	primary := book(types.VenuePolymarket, "0xabc", nil, [][2]float64{{0.50, 100}})

	est := m.Slippage(primary, nil, types.BUY, 100)
	if !est.Insufficient {
		t.Fatal("expected insufficient flag for missing book")
	}
	approx(t, "penalty", est.TotalCents, 100*0.01*100)
}

func TestSlippageSellSideWalksOppositeBooks(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	// Selling the primary hits its bids; buying the hedge lifts its asks.
	primary := book(types.VenuePolymarket, "0xabc", [][2]float64{{0.62, 200}}, [][2]float64{{0.70, 10}})
	hedge := book(types.VenueKalshi, "CPI", [][2]float64{{0.40, 10}}, [][2]float64{{0.55, 200}})

	est := m.Slippage(primary, hedge, types.SELL, 50)
	if est.Insufficient {
		t.Fatal("sell-side walk should cover $50 from the 200-size levels")
	}
	approx(t, "total", est.TotalCents, 0)
}

func TestMaxTradeableSize(t *testing.T) {
	t.Parallel()

	m := NewDepthModel(3, quietLogger())
	primary := book(types.VenuePolymarket, "0xabc",
		[][2]float64{{0.54, 100}},
		[][2]float64{{0.55, 100}, {0.56, 100}, {0.57, 100}, {0.58, 1000}})
	hedge := book(types.VenueKalshi, "CPI",
		[][2]float64{{0.60, 100}, {0.59, 100}},
		[][2]float64{{0.61, 100}})

	// Primary ask depth over the top 3 levels: 55 + 56 + 57. The fourth
	// level is beyond the walk. Hedge bid depth: 60 + 59.
	got := m.MaxTradeableSize(primary, hedge, types.BUY)
	approx(t, "buy size", got, 60+59)

	// Sell direction swaps the sides: primary bids vs hedge asks.
	got = m.MaxTradeableSize(primary, hedge, types.SELL)
	approx(t, "sell size", got, 54)

	if m.MaxTradeableSize(nil, hedge, types.BUY) != 0 {
		t.Error("missing book should report zero size")
	}
}
