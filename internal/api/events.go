package api

import (
	"time"

	"prediction-arb/internal/store"
	"prediction-arb/pkg/types"
)

// Dashboard event types pushed over the websocket.
const (
	EventSnapshot = "snapshot"
	EventEdge     = "edge"
	EventFill     = "fill"
	EventKill     = "kill"
)

// DashboardEvent is the envelope for everything sent to dashboard clients.
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// KillEvent reports a kill switch trip to the dashboard.
type KillEvent struct {
	Venue  types.Venue `json:"venue,omitempty"` // empty = all venues
	Reason string      `json:"reason"`
	Until  time.Time   `json:"until,omitempty"`
}

// NewEdgeEvent wraps a live edge signal for broadcast. The pair supplies
// the display names for both legs.
func NewEdgeEvent(pair types.MarketPair, sig types.EdgeSignal) DashboardEvent {
	return DashboardEvent{
		Type:      EventEdge,
		Timestamp: sig.Timestamp,
		Data: EdgeResponse{
			PairID:         sig.PairID,
			PrimaryMarket:  pair.Primary.Key(),
			HedgeMarket:    pair.Hedge.Key(),
			Side:           sig.PrimarySide,
			GrossEdgeCents: sig.GrossEdgeCents,
			NetEdgeCents:   sig.NetEdgeCents,
			SlippageCents:  sig.SlippageCents,
			Confidence:     sig.Confidence,
			Leader:         sig.Leader,
			Timestamp:      sig.Timestamp,
		},
	}
}

// NewFillEvent wraps an executed fill for broadcast.
func NewFillEvent(rec store.FillRecord) DashboardEvent {
	return DashboardEvent{
		Type:      EventFill,
		Timestamp: rec.Timestamp,
		Data:      fillResponse(rec),
	}
}

// NewKillEvent wraps a kill switch trip for broadcast.
func NewKillEvent(venue types.Venue, reason string, until time.Time) DashboardEvent {
	return DashboardEvent{
		Type:      EventKill,
		Timestamp: time.Now().UTC(),
		Data:      KillEvent{Venue: venue, Reason: reason, Until: until},
	}
}
