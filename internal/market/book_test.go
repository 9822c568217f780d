package market

import (
	"testing"
	"time"

	"prediction-arb/pkg/types"
)

func testRef(venue types.Venue, id string) types.MarketRef {
	return types.MarketRef{Venue: venue, MarketID: id, Symbol: "CPI-SEP"}
}

func TestBookCachePutGet(t *testing.T) {
	t.Parallel()

	cache := NewBookCache()
	ref := testRef(types.VenuePolymarket, "0xabc")

	if _, ok := cache.Get(ref); ok {
		t.Fatal("expected miss on empty cache")
	}

	snap := types.BookSnapshot{
		Market:    ref,
		Timestamp: time.Now(),
		Bids:      []types.BookLevel{{Price: 0.42, Size: 100}},
		Asks:      []types.BookLevel{{Price: 0.44, Size: 80}},
	}
	cache.Put(snap)

	got, ok := cache.Get(ref)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Bids[0].Price != 0.42 {
		t.Errorf("bid price = %v, want 0.42", got.Bids[0].Price)
	}

	// Replacement keeps only the latest.
	snap.Bids = []types.BookLevel{{Price: 0.43, Size: 100}}
	cache.Put(snap)
	got, _ = cache.Get(ref)
	if got.Bids[0].Price != 0.43 {
		t.Errorf("bid price after replace = %v, want 0.43", got.Bids[0].Price)
	}
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1", cache.Len())
	}
}

func TestBookCacheStaleness(t *testing.T) {
	t.Parallel()

	cache := NewBookCache()
	ref := testRef(types.VenueKalshi, "CPI-SEP-T3.0")
	now := time.Now()

	if _, ok := cache.Staleness(ref, now); ok {
		t.Fatal("staleness should report false before any snapshot")
	}

	cache.Put(types.BookSnapshot{Market: ref, Timestamp: now.Add(-3 * time.Second)})
	age, ok := cache.Staleness(ref, now)
	if !ok {
		t.Fatal("expected staleness after Put")
	}
	if age != 3*time.Second {
		t.Errorf("staleness = %v, want 3s", age)
	}
}

func TestBookCacheSnapshotSorted(t *testing.T) {
	t.Parallel()

	cache := NewBookCache()
	cache.Put(types.BookSnapshot{Market: testRef(types.VenuePolymarket, "zzz")})
	cache.Put(types.BookSnapshot{Market: testRef(types.VenueKalshi, "AAA")})

	snaps := cache.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snaps))
	}
	if snaps[0].Market.Venue != types.VenueKalshi {
		t.Errorf("snapshots not sorted by key: first venue = %s", snaps[0].Market.Venue)
	}
}
