package market

import (
	"math"
	"testing"
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNormalizeComplementTransform(t *testing.T) {
	t.Parallel()

	// NO bids at 45 and 46 cents become YES asks at 0.55 and 0.54.
	no := RawBook{
		Bids: []RawLevel{{Price: 45, Size: 120}, {Price: 46, Size: 180}},
	}
	bids, asks := Normalize(RawBook{}, no, 100, 0)

	if len(bids) != 0 {
		t.Errorf("bids = %v, want none", bids)
	}
	if len(asks) != 2 {
		t.Fatalf("asks len = %d, want 2", len(asks))
	}
	if !approx(asks[0].Price, 0.54) || asks[0].Size != 180 {
		t.Errorf("asks[0] = %+v, want {0.54 180}", asks[0])
	}
	if !approx(asks[1].Price, 0.55) || asks[1].Size != 120 {
		t.Errorf("asks[1] = %+v, want {0.55 120}", asks[1])
	}
}

func TestNormalizeMergesBothTokens(t *testing.T) {
	t.Parallel()

	yes := RawBook{
		Bids: []RawLevel{{Price: 0.42, Size: 100}},
		Asks: []RawLevel{{Price: 0.44, Size: 90}},
	}
	// NO ask at 0.57 is a YES bid at 0.43, inside the YES book's own bid.
	no := RawBook{
		Asks: []RawLevel{{Price: 0.57, Size: 50}},
	}

	bids, asks := Normalize(yes, no, 1, 0)
	if len(bids) != 2 {
		t.Fatalf("bids len = %d, want 2", len(bids))
	}
	if !approx(bids[0].Price, 0.43) {
		t.Errorf("best bid = %v, want 0.43 from NO ask", bids[0].Price)
	}
	if !approx(bids[1].Price, 0.42) {
		t.Errorf("second bid = %v, want 0.42", bids[1].Price)
	}
	if len(asks) != 1 || !approx(asks[0].Price, 0.44) {
		t.Errorf("asks = %v, want single 0.44", asks)
	}
}

func TestNormalizeDropsInvalidLevels(t *testing.T) {
	t.Parallel()

	yes := RawBook{
		Bids: []RawLevel{
			{Price: 0.42, Size: 0},    // zero size
			{Price: 0, Size: 100},     // zero price
			{Price: 1.0, Size: 100},   // boundary price
			{Price: 0.40, Size: -5},   // negative size
			{Price: 0.38, Size: 25},   // valid
		},
	}
	bids, _ := Normalize(yes, RawBook{}, 1, 0)
	if len(bids) != 1 {
		t.Fatalf("bids len = %d, want 1", len(bids))
	}
	if !approx(bids[0].Price, 0.38) {
		t.Errorf("surviving bid = %v, want 0.38", bids[0].Price)
	}

	// A NO bid at 100 cents would transform to price 0; it must be dropped.
	no := RawBook{Bids: []RawLevel{{Price: 100, Size: 10}}}
	_, asks := Normalize(RawBook{}, no, 100, 0)
	if len(asks) != 0 {
		t.Errorf("asks = %v, want none for degenerate complement", asks)
	}
}

func TestNormalizeSortsAndTruncates(t *testing.T) {
	t.Parallel()

	yes := RawBook{
		Bids: []RawLevel{
			{Price: 0.40, Size: 10},
			{Price: 0.44, Size: 10},
			{Price: 0.42, Size: 10},
			{Price: 0.43, Size: 10},
		},
		Asks: []RawLevel{
			{Price: 0.48, Size: 10},
			{Price: 0.46, Size: 10},
			{Price: 0.47, Size: 10},
			{Price: 0.49, Size: 10},
		},
	}
	bids, asks := Normalize(yes, RawBook{}, 1, 3)

	if len(bids) != 3 || len(asks) != 3 {
		t.Fatalf("depth truncation failed: %d bids, %d asks", len(bids), len(asks))
	}
	wantBids := []float64{0.44, 0.43, 0.42}
	for i, w := range wantBids {
		if !approx(bids[i].Price, w) {
			t.Errorf("bids[%d] = %v, want %v", i, bids[i].Price, w)
		}
	}
	wantAsks := []float64{0.46, 0.47, 0.48}
	for i, w := range wantAsks {
		if !approx(asks[i].Price, w) {
			t.Errorf("asks[%d] = %v, want %v", i, asks[i].Price, w)
		}
	}
}

func TestNormalizeDefaultScale(t *testing.T) {
	t.Parallel()

	yes := RawBook{Bids: []RawLevel{{Price: 0.5, Size: 10}}}
	bids, _ := Normalize(yes, RawBook{}, 0, 0)
	if len(bids) != 1 || !approx(bids[0].Price, 0.5) {
		t.Errorf("bids = %v, want unscaled 0.5", bids)
	}
}
