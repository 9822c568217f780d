package venue

import (
	"sort"
	"sync"
	"time"

	"prediction-arb/pkg/types"
)

// Feed status values reported by the health endpoint.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

const (
	degradedAfter = 30 * time.Second
	downAfter     = 120 * time.Second
	latencyRing   = 256
)

// HealthTracker watches per-venue feed liveness. Adapters record every
// snapshot and failure; the tracker derives a status per venue from snapshot
// staleness and permanent-failure flags, and keeps an inter-arrival latency
// ring for the p50/p95 figures on the health endpoint.
type HealthTracker struct {
	mu     sync.RWMutex
	venues map[types.Venue]*venueHealth
}

type venueHealth struct {
	lastSnapshot time.Time
	latencies    []time.Duration // inter-arrival ring, latencyRing entries max
	next         int
	filled       bool
	failures     int // consecutive stream failures
	permanent    bool
}

// VenueHealth is the per-venue view exposed to the health endpoint.
type VenueHealth struct {
	Venue        types.Venue   `json:"venue"`
	Status       string        `json:"status"`
	LastSnapshot time.Time     `json:"last_snapshot"`
	Staleness    time.Duration `json:"staleness"`
	P50          time.Duration `json:"p50_interval"`
	P95          time.Duration `json:"p95_interval"`
	Failures     int           `json:"consecutive_failures"`
}

// NewHealthTracker creates a tracker with no venues registered.
// Venues appear on first RecordSnapshot or RecordFailure.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{venues: make(map[types.Venue]*venueHealth)}
}

func (h *HealthTracker) venue(v types.Venue) *venueHealth {
	vh, ok := h.venues[v]
	if !ok {
		vh = &venueHealth{latencies: make([]time.Duration, latencyRing)}
		h.venues[v] = vh
	}
	return vh
}

// RecordSnapshot notes a snapshot arrival and clears the failure streak.
func (h *HealthTracker) RecordSnapshot(v types.Venue, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vh := h.venue(v)
	if !vh.lastSnapshot.IsZero() {
		interval := at.Sub(vh.lastSnapshot)
		if interval > 0 {
			vh.latencies[vh.next] = interval
			vh.next = (vh.next + 1) % latencyRing
			if vh.next == 0 {
				vh.filled = true
			}
		}
	}
	vh.lastSnapshot = at
	vh.failures = 0
}

// RecordFailure notes one stream failure. Returns the consecutive count so
// the adapter can decide when to give up.
func (h *HealthTracker) RecordFailure(v types.Venue) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	vh := h.venue(v)
	vh.failures++
	return vh.failures
}

// MarkDown flags the venue as permanently failed. Status reports down from
// here on regardless of staleness.
func (h *HealthTracker) MarkDown(v types.Venue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.venue(v).permanent = true
}

// Status derives the venue's feed status at the given instant.
func (h *HealthTracker) Status(v types.Venue, now time.Time) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	vh, ok := h.venues[v]
	if !ok || vh.lastSnapshot.IsZero() {
		return StatusDown
	}
	if vh.permanent {
		return StatusDown
	}
	stale := now.Sub(vh.lastSnapshot)
	switch {
	case stale > downAfter:
		return StatusDown
	case stale > degradedAfter:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Overall returns the worst status across all registered venues.
// With no venues registered it reports down.
func (h *HealthTracker) Overall(now time.Time) string {
	h.mu.RLock()
	venues := make([]types.Venue, 0, len(h.venues))
	for v := range h.venues {
		venues = append(venues, v)
	}
	h.mu.RUnlock()

	if len(venues) == 0 {
		return StatusDown
	}
	worst := StatusHealthy
	for _, v := range venues {
		switch h.Status(v, now) {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			worst = StatusDegraded
		}
	}
	return worst
}

// Report builds the per-venue health view, sorted by venue name.
func (h *HealthTracker) Report(now time.Time) []VenueHealth {
	h.mu.RLock()
	out := make([]VenueHealth, 0, len(h.venues))
	for v, vh := range h.venues {
		p50, p95 := percentiles(vh)
		entry := VenueHealth{
			Venue:        v,
			LastSnapshot: vh.lastSnapshot,
			P50:          p50,
			P95:          p95,
			Failures:     vh.failures,
		}
		if !vh.lastSnapshot.IsZero() {
			entry.Staleness = now.Sub(vh.lastSnapshot)
		}
		out = append(out, entry)
	}
	h.mu.RUnlock()

	for i := range out {
		out[i].Status = h.Status(out[i].Venue, now)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// percentiles computes p50/p95 over the filled portion of the latency ring.
// Caller holds at least a read lock.
func percentiles(vh *venueHealth) (p50, p95 time.Duration) {
	n := vh.next
	if vh.filled {
		n = latencyRing
	}
	if n == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, vh.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p50 = sorted[n/2]
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	p95 = sorted[idx]
	return p50, p95
}
