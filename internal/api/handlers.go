package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"prediction-arb/internal/risk"
	"prediction-arb/internal/store"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

// Default list sizes when the client omits ?limit.
const (
	defaultEdgeLimit = 20
	defaultFillLimit = 50
)

// Handlers serves the dashboard read models.
type Handlers struct {
	store    store.Store
	health   *venue.HealthTracker
	risk     *risk.Manager
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the read endpoints. allowedOrigins restricts websocket
// upgrades; empty means same-host only, a single "*" admits everyone.
func NewHandlers(st store.Store, health *venue.HealthTracker, rk *risk.Manager, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	h := &Handlers{
		store:  st,
		health: health,
		risk:   rk,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker builds the upgrade policy from the configured origin list.
func originChecker(allowed []string) func(*http.Request) bool {
	wildcard := false
	hosts := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts[u.Host] = struct{}{}
		} else if o != "" {
			hosts[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if _, ok := hosts[u.Host]; ok {
			return true
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// HandleEdges serves GET /api/edges?limit=N, best net edge first.
func (h *Handlers) HandleEdges(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultEdgeLimit)
	edges, err := h.store.RecentEdges(r.Context(), limit)
	if err != nil {
		h.fail(w, "list edges", err)
		return
	}
	pairs, err := h.store.ListActivePairs(r.Context())
	if err != nil {
		h.fail(w, "list pairs", err)
		return
	}

	names := buildPairNames(pairs)
	out := make([]EdgeResponse, 0, len(edges))
	for _, rec := range edges {
		out = append(out, edgeResponse(rec, names))
	}
	h.writeJSON(w, out)
}

// HandleFills serves GET /api/fills?limit=N, newest first.
func (h *Handlers) HandleFills(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultFillLimit)
	fills, err := h.store.RecentFills(r.Context(), limit)
	if err != nil {
		h.fail(w, "list fills", err)
		return
	}

	out := make([]FillResponse, 0, len(fills))
	for _, rec := range fills {
		out = append(out, fillResponse(rec))
	}
	h.writeJSON(w, out)
}

// HandleExposure serves GET /api/exposure: per-venue notional, open
// position count, and realized PnL.
func (h *Handlers) HandleExposure(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ListPositions(r.Context())
	if err != nil {
		h.fail(w, "list positions", err)
		return
	}
	h.writeJSON(w, buildExposure(positions, h.marketCategories(r)))
}

// marketCategories maps "venue:ticker" to category for the exposure
// breakdown. Best effort; a catalog error just collapses everything into
// "other".
func (h *Handlers) marketCategories(r *http.Request) map[string]string {
	categories := make(map[string]string)
	for _, v := range []types.Venue{types.VenuePolymarket, types.VenueKalshi} {
		markets, err := h.store.ListMarkets(r.Context(), v)
		if err != nil {
			h.logger.Warn("list markets for exposure", "venue", v, "error", err)
			continue
		}
		for _, m := range markets {
			if m.Category != "" {
				categories[string(m.Venue)+":"+m.Ticker] = m.Category
			}
		}
	}
	return categories
}

// HandleHealth serves GET /health: per-venue feed status plus an overall
// verdict. Degraded or down feeds still answer 200; the payload carries
// the verdict.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	report := h.health.Report(now)

	venues := make([]HealthResponse, 0, len(report))
	for _, vh := range report {
		venues = append(venues, healthResponse(vh))
	}
	h.writeJSON(w, struct {
		Status string           `json:"status"`
		Venues []HealthResponse `json:"venues"`
	}{
		Status: h.health.Overall(now),
		Venues: venues,
	})
}

// HandleWS upgrades to a websocket and registers the client with the hub.
// The first frame is a full dashboard snapshot; afterwards the client
// receives edge, fill, and kill events as they happen.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade refused", "remote", r.RemoteAddr, "error", err)
		return
	}

	snap := BuildSnapshot(r.Context(), h.store, h.health, h.risk)
	initial, err := gojson.Marshal(DashboardEvent{
		Type:      EventSnapshot,
		Timestamp: time.Now().UTC(),
		Data:      snap,
	})
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		initial = nil
	}
	h.hub.add(conn, initial)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := gojson.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
