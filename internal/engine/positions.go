package engine

import (
	"math"
	"sort"
	"sync"
	"time"

	"prediction-arb/pkg/types"
)

// PositionTracker folds fills into signed per-market positions. A positive
// size is long the YES contract, negative is short. Reducing fills realize
// PnL against the average entry; a fill crossing through zero closes the old
// position and opens the remainder at the fill price.
type PositionTracker struct {
	mu  sync.Mutex
	pos map[string]*types.Position // "venue:market_id"
}

func NewPositionTracker() *PositionTracker {
	return &PositionTracker{pos: make(map[string]*types.Position)}
}

// Load seeds the tracker from persisted positions on startup.
func (t *PositionTracker) Load(positions []types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range positions {
		cp := p
		t.pos[posKey(p.Venue, p.MarketID)] = &cp
	}
}

// ApplyFill folds one fill into the market's position and returns the
// updated copy.
func (t *PositionTracker) ApplyFill(venue types.Venue, marketID string, side types.Side, price, size float64, at time.Time) types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := posKey(venue, marketID)
	p, ok := t.pos[k]
	if !ok {
		p = &types.Position{Venue: venue, MarketID: marketID}
		t.pos[k] = p
	}

	delta := size
	if side == types.SELL {
		delta = -size
	}

	switch {
	case p.Size == 0 || sameSign(p.Size, delta):
		held := math.Abs(p.Size)
		total := held + math.Abs(delta)
		if total > 0 {
			p.AvgPrice = (held*p.AvgPrice + math.Abs(delta)*price) / total
		}
		p.Size += delta
	case math.Abs(delta) <= math.Abs(p.Size):
		p.Realized += closePnL(p.Size, p.AvgPrice, price, math.Abs(delta))
		p.Size += delta
		if p.Size == 0 {
			p.AvgPrice = 0
		}
	default:
		p.Realized += closePnL(p.Size, p.AvgPrice, price, math.Abs(p.Size))
		p.Size += delta
		p.AvgPrice = price
	}
	p.UpdatedAt = at

	return *p
}

// closePnL realizes qty contracts of a position held at avg closing out at
// price. Longs profit when price rises above entry, shorts when it falls.
func closePnL(size, avg, price, qty float64) float64 {
	if size > 0 {
		return (price - avg) * qty
	}
	return (avg - price) * qty
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// VenueExposure sums open notional and cumulative realized PnL across one
// venue's positions.
func (t *PositionTracker) VenueExposure(venue types.Venue) (notionalUSD, realized float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pos {
		if p.Venue != venue {
			continue
		}
		notionalUSD += math.Abs(p.Size) * p.AvgPrice
		realized += p.Realized
	}
	return notionalUSD, realized
}

// Get returns the current position for one market, if tracked.
func (t *PositionTracker) Get(venue types.Venue, marketID string) (types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pos[posKey(venue, marketID)]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Snapshot copies every tracked position, flat ones included, ordered by
// venue then market id.
func (t *PositionTracker) Snapshot() []types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Position, 0, len(t.pos))
	for _, p := range t.pos {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out
}

func posKey(v types.Venue, marketID string) string {
	return string(v) + ":" + marketID
}
