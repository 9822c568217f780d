package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"prediction-arb/pkg/types"
)

// Memory implements Store with mutex-protected maps. It mirrors the Postgres
// semantics exactly: the same natural keys, the same idempotent upserts, the
// same query ordering. Used for dry runs and tests, where losing state on
// restart is acceptable.
type Memory struct {
	mu sync.RWMutex

	nextMarketID int64
	nextPairID   int64
	markets      map[string]types.Market // keyed on "venue:ticker"
	pairs        map[[2]int64]types.MarketPair

	edges     []EdgeRecord
	books     map[int64][]types.BookSnapshot
	orders    map[string]OrderRecord
	fillOrder []string // insertion order of fills, parallel to fills
	fills     []types.Fill
	positions map[string]types.Position // keyed on "venue:market_id"
	events    []MemoryEvent
	configs   map[string]any // keyed on "key@version"
}

// MemoryEvent is one audit log entry kept by the Memory store.
type MemoryEvent struct {
	At      time.Time
	Type    string
	Payload any
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		markets:   make(map[string]types.Market),
		pairs:     make(map[[2]int64]types.MarketPair),
		books:     make(map[int64][]types.BookSnapshot),
		orders:    make(map[string]OrderRecord),
		positions: make(map[string]types.Position),
		configs:   make(map[string]any),
	}
}

// Close is a no-op; Memory holds no external resources.
func (s *Memory) Close() {}

func marketKey(venue types.Venue, ticker string) string {
	return string(venue) + ":" + ticker
}

// UpsertMarket inserts or refreshes one catalog row. The assigned id is
// stable across repeated upserts of the same (venue, ticker).
func (s *Memory) UpsertMarket(_ context.Context, m types.Market) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := marketKey(m.Venue, m.Ticker)
	if existing, ok := s.markets[key]; ok {
		m.ID = existing.ID
	} else {
		s.nextMarketID++
		m.ID = s.nextMarketID
	}
	s.markets[key] = m
	return m.ID, nil
}

// ListMarkets returns the stored catalog for one venue, sorted by ticker.
func (s *Memory) ListMarkets(_ context.Context, venue types.Venue) ([]types.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []types.Market
	for _, m := range s.markets {
		if m.Venue == venue {
			markets = append(markets, m)
		}
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Ticker < markets[j].Ticker })
	return markets, nil
}

// UpsertPair persists one validated pair keyed on its leg market ids.
// Both leg markets must already be in the catalog.
func (s *Memory) UpsertPair(_ context.Context, pair types.MarketPair) (types.MarketPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, okA := s.markets[marketKey(pair.Primary.Venue, pair.Primary.MarketID)]
	b, okB := s.markets[marketKey(pair.Hedge.Venue, pair.Hedge.MarketID)]
	if !okA || !okB {
		return pair, fmt.Errorf("upsert pair %s/%s: leg market not in catalog",
			pair.Primary.Key(), pair.Hedge.Key())
	}

	key := [2]int64{a.ID, b.ID}
	if existing, ok := s.pairs[key]; ok {
		pair.ID = existing.ID
	} else {
		s.nextPairID++
		pair.ID = s.nextPairID
	}
	s.pairs[key] = pair
	return pair, nil
}

// ListActivePairs returns every tradable pair with leg symbols rebuilt from
// the catalog, sorted by pair id.
func (s *Memory) ListActivePairs(_ context.Context) ([]types.MarketPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pairs []types.MarketPair
	for _, p := range s.pairs {
		if !p.Active || !p.HardRulesPassed {
			continue
		}
		if m, ok := s.markets[marketKey(p.Primary.Venue, p.Primary.MarketID)]; ok {
			p.Primary.Symbol = m.Title
		}
		if m, ok := s.markets[marketKey(p.Hedge.Venue, p.Hedge.MarketID)]; ok {
			p.Hedge.Symbol = m.Title
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ID < pairs[j].ID })
	return pairs, nil
}

// InsertEdge appends one emitted edge signal.
func (s *Memory) InsertEdge(_ context.Context, sig types.EdgeSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, EdgeRecord{EdgeSignal: sig, RecordedAt: sig.Timestamp})
	return nil
}

// RecentEdges returns stored edge signals sorted by net edge descending,
// ties broken by timestamp descending.
func (s *Memory) RecentEdges(_ context.Context, limit int) ([]EdgeRecord, error) {
	s.mu.RLock()
	records := make([]EdgeRecord, len(s.edges))
	copy(records, s.edges)
	s.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].NetEdgeCents != records[j].NetEdgeCents {
			return records[i].NetEdgeCents > records[j].NetEdgeCents
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if n := clampLimit(limit); len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// InsertOrderbook archives one book snapshot under its catalog market id.
func (s *Memory) InsertOrderbook(_ context.Context, marketID int64, snap types.BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[marketID] = append(s.books[marketID], snap)
	return nil
}

// RecordOrder upserts one order lifecycle row. A repeat of a known id only
// advances status and fills in the ack time, matching the Postgres conflict
// clause.
func (s *Memory) RecordOrder(_ context.Context, rec OrderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[rec.ID]; ok {
		existing.Status = rec.Status
		if !rec.AckAt.IsZero() {
			existing.AckAt = rec.AckAt
		}
		s.orders[rec.ID] = existing
		return nil
	}
	s.orders[rec.ID] = rec
	return nil
}

// UpdateOrderStatus advances one order's lifecycle state. Unknown ids are
// a silent no-op, as an UPDATE matching zero rows would be.
func (s *Memory) UpdateOrderStatus(_ context.Context, orderID string, status types.OrderStatus, ackAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	rec.Status = status
	if !ackAt.IsZero() {
		rec.AckAt = ackAt
	}
	s.orders[orderID] = rec
	return nil
}

// InsertFill appends one fill against a previously recorded order.
func (s *Memory) InsertFill(_ context.Context, f types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
	s.fillOrder = append(s.fillOrder, f.OrderID)
	return nil
}

// RecentFills returns the latest fills joined with their order context,
// newest first. Fills whose order was never recorded are dropped, matching
// the SQL inner join.
func (s *Memory) RecentFills(_ context.Context, limit int) ([]FillRecord, error) {
	s.mu.RLock()
	var records []FillRecord
	for _, f := range s.fills {
		order, ok := s.orders[f.OrderID]
		if !ok {
			continue
		}
		records = append(records, FillRecord{
			Fill:     f,
			Venue:    order.Venue,
			MarketID: order.MarketID,
			Side:     order.Side,
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if n := clampLimit(limit); len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// GetPosition loads one position, or nil when the market has never traded.
func (s *Memory) GetPosition(_ context.Context, venue types.Venue, marketID string) (*types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[marketKey(venue, marketID)]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

// UpsertPosition writes the result of a read-modify-write position update.
func (s *Memory) UpsertPosition(_ context.Context, pos types.Position) error {
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[marketKey(pos.Venue, pos.MarketID)] = pos
	return nil
}

// ListPositions returns every position row, sorted by venue then market.
func (s *Memory) ListPositions(_ context.Context) ([]types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]types.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Venue != positions[j].Venue {
			return positions[i].Venue < positions[j].Venue
		}
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}

// AppendEvent records an audit event.
func (s *Memory) AppendEvent(_ context.Context, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, MemoryEvent{At: time.Now(), Type: eventType, Payload: payload})
	return nil
}

// Events returns a copy of the audit log, oldest first.
func (s *Memory) Events() []MemoryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemoryEvent, len(s.events))
	copy(out, s.events)
	return out
}

// SaveConfig stores one versioned config value.
func (s *Memory) SaveConfig(_ context.Context, key string, version int, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[fmt.Sprintf("%s@%d", key, version)] = val
	return nil
}
