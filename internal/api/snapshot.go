package api

import (
	"context"
	"time"

	"prediction-arb/internal/risk"
	"prediction-arb/internal/store"
	"prediction-arb/internal/venue"
)

// Sections of the initial websocket frame.
const (
	snapshotEdgeLimit = 20
	snapshotFillLimit = 20
)

// DashboardSnapshot is the full dashboard state pushed to a client on
// connect, and available as the union of the REST endpoints.
type DashboardSnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Edges       []EdgeResponse     `json:"edges"`
	Fills       []FillResponse     `json:"fills"`
	Exposure    []ExposureResponse `json:"exposure"`
	Health      []HealthResponse   `json:"health"`
	Risk        *risk.RiskSnapshot `json:"risk,omitempty"`
}

// BuildSnapshot assembles the dashboard state. Each section is best effort:
// a failing store read leaves that section empty rather than sinking the
// whole snapshot.
func BuildSnapshot(ctx context.Context, st store.Store, health *venue.HealthTracker, rk *risk.Manager) DashboardSnapshot {
	now := time.Now().UTC()
	snap := DashboardSnapshot{GeneratedAt: now}

	if edges, err := st.RecentEdges(ctx, snapshotEdgeLimit); err == nil {
		var names pairNames
		if pairs, err := st.ListActivePairs(ctx); err == nil {
			names = buildPairNames(pairs)
		}
		for _, rec := range edges {
			snap.Edges = append(snap.Edges, edgeResponse(rec, names))
		}
	}

	if fills, err := st.RecentFills(ctx, snapshotFillLimit); err == nil {
		for _, rec := range fills {
			snap.Fills = append(snap.Fills, fillResponse(rec))
		}
	}

	if positions, err := st.ListPositions(ctx); err == nil {
		snap.Exposure = buildExposure(positions, nil)
	}

	if health != nil {
		for _, vh := range health.Report(now) {
			snap.Health = append(snap.Health, healthResponse(vh))
		}
	}

	if rk != nil {
		rs := rk.GetRiskSnapshot()
		snap.Risk = &rs
	}
	return snap
}
