package api

import (
	"sort"
	"time"

	"prediction-arb/internal/store"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

// Read models served by the dashboard. They are built from storage rows and
// tracker reports at request time and never expose persistence types to
// clients.

// EdgeResponse is one live edge opportunity.
type EdgeResponse struct {
	PairID         int64       `json:"pair_id"`
	PrimaryMarket  string      `json:"primary_market"`
	HedgeMarket    string      `json:"hedge_market"`
	Side           types.Side  `json:"side"`
	GrossEdgeCents float64     `json:"gross_edge_cents"`
	NetEdgeCents   float64     `json:"net_edge_cents"`
	SlippageCents  float64     `json:"expected_slippage_cents"`
	Confidence     float64     `json:"confidence"`
	Leader         types.Venue `json:"leader,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// FillResponse is one executed fill.
type FillResponse struct {
	OrderID       string      `json:"order_id"`
	Venue         types.Venue `json:"venue"`
	MarketID      string      `json:"market_id"`
	Side          types.Side  `json:"side"`
	Price         float64     `json:"price"`
	Size          float64     `json:"size"`
	FeeUSD        float64     `json:"fee_usd"`
	SlippageCents float64     `json:"slippage_cents"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ExposureResponse is the current exposure on one venue.
type ExposureResponse struct {
	Venue             types.Venue        `json:"venue"`
	TotalNotionalUSD  float64            `json:"total_notional_usd"`
	NumPositions      int                `json:"num_positions"`
	RealizedPnLUSD    float64            `json:"realized_pnl_usd"`
	CategoryBreakdown map[string]float64 `json:"category_breakdown,omitempty"`
}

// HealthResponse is the feed health of one venue.
type HealthResponse struct {
	Venue          types.Venue `json:"venue"`
	Status         string      `json:"status"` // healthy | degraded | down
	FeedLatencyP50 float64     `json:"feed_latency_p50_ms"`
	FeedLatencyP95 float64     `json:"feed_latency_p95_ms"`
	StalenessMS    float64     `json:"staleness_ms"`
	Failures       int         `json:"consecutive_failures"`
	LastUpdate     time.Time   `json:"last_update"`
}

// pairNames maps a pair id to its leg market keys for display.
type pairNames map[int64][2]string

func buildPairNames(pairs []types.MarketPair) pairNames {
	names := make(pairNames, len(pairs))
	for _, p := range pairs {
		names[p.ID] = [2]string{p.Primary.Key(), p.Hedge.Key()}
	}
	return names
}

func edgeResponse(rec store.EdgeRecord, names pairNames) EdgeResponse {
	legs := names[rec.PairID]
	return EdgeResponse{
		PairID:         rec.PairID,
		PrimaryMarket:  legs[0],
		HedgeMarket:    legs[1],
		Side:           rec.PrimarySide,
		GrossEdgeCents: rec.GrossEdgeCents,
		NetEdgeCents:   rec.NetEdgeCents,
		SlippageCents:  rec.SlippageCents,
		Confidence:     rec.Confidence,
		Leader:         rec.Leader,
		Timestamp:      rec.Timestamp,
	}
}

func fillResponse(rec store.FillRecord) FillResponse {
	return FillResponse{
		OrderID:       rec.OrderID,
		Venue:         rec.Venue,
		MarketID:      rec.MarketID,
		Side:          rec.Side,
		Price:         rec.Price,
		Size:          rec.Size,
		FeeUSD:        rec.Fee,
		SlippageCents: rec.SlippageCents,
		Timestamp:     rec.Timestamp,
	}
}

// buildExposure folds open positions into per-venue totals. categories maps
// "venue:ticker" to the market's category; unknown markets land in "other".
// Output is sorted by venue for stable responses.
func buildExposure(positions []types.Position, categories map[string]string) []ExposureResponse {
	byVenue := make(map[types.Venue]*ExposureResponse)
	for _, pos := range positions {
		if pos.Size == 0 {
			continue
		}
		exp, ok := byVenue[pos.Venue]
		if !ok {
			exp = &ExposureResponse{Venue: pos.Venue, CategoryBreakdown: make(map[string]float64)}
			byVenue[pos.Venue] = exp
		}
		notional := abs(pos.Size) * pos.AvgPrice
		exp.TotalNotionalUSD += notional
		exp.NumPositions++
		exp.RealizedPnLUSD += pos.Realized

		cat := categories[string(pos.Venue)+":"+pos.MarketID]
		if cat == "" {
			cat = "other"
		}
		exp.CategoryBreakdown[cat] += notional
	}

	out := make([]ExposureResponse, 0, len(byVenue))
	for _, exp := range byVenue {
		out = append(out, *exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

func healthResponse(vh venue.VenueHealth) HealthResponse {
	return HealthResponse{
		Venue:          vh.Venue,
		Status:         vh.Status,
		FeedLatencyP50: float64(vh.P50.Milliseconds()),
		FeedLatencyP95: float64(vh.P95.Milliseconds()),
		StalenessMS:    float64(vh.Staleness.Milliseconds()),
		Failures:       vh.Failures,
		LastUpdate:     vh.LastSnapshot,
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
