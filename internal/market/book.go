// Package market provides canonical order book handling shared by both venues.
//
// Venue adapters deliver raw books in whatever shape their feed uses (YES/NO
// token sides, cent or probability pricing); Normalize folds them into a single
// canonical YES-denominated snapshot. BookCache keeps the latest snapshot per
// market and answers staleness queries for the signal layer and the dashboard.
package market

import (
	"sort"
	"sync"
	"time"

	"prediction-arb/pkg/types"
)

// BookCache stores the most recent canonical snapshot per market.
// Concurrency-safe; written by the ingest router, read by signal evaluators
// and the dashboard projections.
type BookCache struct {
	mu    sync.RWMutex
	books map[string]types.BookSnapshot // keyed by MarketRef.Key()
}

// NewBookCache creates an empty cache.
func NewBookCache() *BookCache {
	return &BookCache{books: make(map[string]types.BookSnapshot)}
}

// Put stores the snapshot, replacing any previous one for the same market.
func (c *BookCache) Put(snap types.BookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.books[snap.Market.Key()] = snap
}

// Get returns the latest snapshot for the market.
func (c *BookCache) Get(ref types.MarketRef) (types.BookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.books[ref.Key()]
	return snap, ok
}

// Staleness returns the age of the market's latest snapshot.
// Returns false if no snapshot has ever arrived.
func (c *BookCache) Staleness(ref types.MarketRef, now time.Time) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.books[ref.Key()]
	if !ok {
		return 0, false
	}
	return now.Sub(snap.Timestamp), true
}

// Len returns the number of markets with at least one snapshot.
func (c *BookCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.books)
}

// Snapshot returns a copy of all current books for read projections.
func (c *BookCache) Snapshot() []types.BookSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.BookSnapshot, 0, len(c.books))
	for _, snap := range c.books {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Market.Key() < out[j].Market.Key()
	})
	return out
}
