// Package metrics defines the Prometheus instruments for the arbitrage engine.
// A single Metrics value is constructed at startup and threaded through the
// components; every observe method is nil-safe so tests can pass a nil
// receiver and skip telemetry entirely.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "arb"

// Metrics holds every instrument the engine exports.
type Metrics struct {
	snapshotsTotal   *prometheus.CounterVec
	feedReconnects   *prometheus.CounterVec
	feedFailures     *prometheus.CounterVec
	snapshotsDropped *prometheus.CounterVec
	feedStaleness    *prometheus.GaugeVec

	edgesEvaluated *prometheus.CounterVec
	signalsEmitted *prometheus.CounterVec
	netEdgeCents   *prometheus.HistogramVec

	matchCandidates *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	llmCostUSD      *prometheus.CounterVec
	pairsActive     prometheus.Gauge

	intentsTotal  *prometheus.CounterVec
	hedgeLatency  prometheus.Histogram
	riskDeclines  *prometheus.CounterVec
	venueExposure *prometheus.GaugeVec

	wsClients prometheus.Gauge
}

// New constructs the instruments registered against the supplied registerer.
// A nil registerer falls back to the Prometheus default.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		snapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "snapshots_total",
				Help:      "Total canonical book snapshots produced per venue.",
			},
			[]string{"venue"},
		),
		feedReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "feed_reconnects_total",
				Help:      "Total feed reconnect attempts per venue.",
			},
			[]string{"venue"},
		),
		feedFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "feed_failures_total",
				Help:      "Total feed failures per venue.",
			},
			[]string{"venue"},
		),
		snapshotsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "snapshots_dropped_total",
				Help:      "Snapshots dropped due to full downstream queues.",
			},
			[]string{"venue"},
		),
		feedStaleness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "feed_staleness_seconds",
				Help:      "Seconds since the last snapshot per venue.",
			},
			[]string{"venue"},
		),
		edgesEvaluated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "edges_evaluated_total",
				Help:      "Total edge evaluations per pair outcome.",
			},
			[]string{"outcome"},
		),
		signalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "signals_emitted_total",
				Help:      "Total actionable signals emitted per primary venue.",
			},
			[]string{"venue"},
		),
		netEdgeCents: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "signal",
				Name:      "net_edge_cents",
				Help:      "Distribution of net edge per evaluation, in cents.",
				Buckets:   []float64{-5, -2.5, 0, 1, 2.5, 4, 6, 10, 20},
			},
			[]string{"venue"},
		),
		matchCandidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "match",
				Name:      "candidates_total",
				Help:      "Candidate pairs per blocking outcome (accepted or blocked).",
			},
			[]string{"outcome"},
		),
		llmRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "match",
				Name:      "llm_requests_total",
				Help:      "Total LLM verification requests per provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		llmCostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "match",
				Name:      "llm_cost_usd_total",
				Help:      "Cumulative estimated LLM spend per provider, in USD.",
			},
			[]string{"provider"},
		),
		pairsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "match",
				Name:      "pairs_active",
				Help:      "Number of confirmed tradeable pairs.",
			},
		),
		intentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "intents_total",
				Help:      "Total execution intents per terminal state.",
			},
			[]string{"state"},
		),
		hedgeLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "execution",
				Name:      "hedge_latency_seconds",
				Help:      "Wall-clock time from primary fill to hedge resolution.",
				Buckets:   []float64{0.05, 0.1, 0.15, 0.2, 0.25, 0.35, 0.5, 1},
			},
		),
		riskDeclines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "declines_total",
				Help:      "Total intents declined by pre-trade risk checks.",
			},
			[]string{"reason"},
		),
		venueExposure: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "venue_exposure_usd",
				Help:      "Open notional committed per venue, in USD.",
			},
			[]string{"venue"},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "ws_clients",
				Help:      "Connected dashboard websocket clients.",
			},
		),
	}
	reg.MustRegister(
		m.snapshotsTotal, m.feedReconnects, m.feedFailures, m.snapshotsDropped,
		m.feedStaleness, m.edgesEvaluated, m.signalsEmitted, m.netEdgeCents,
		m.matchCandidates, m.llmRequests, m.llmCostUSD, m.pairsActive, m.intentsTotal,
		m.hedgeLatency, m.riskDeclines, m.venueExposure, m.wsClients,
	)
	return m
}

// ObserveSnapshot counts one canonical snapshot from the venue.
func (m *Metrics) ObserveSnapshot(venue string) {
	if m == nil {
		return
	}
	m.snapshotsTotal.WithLabelValues(venue).Inc()
}

// ObserveReconnect counts one feed reconnect attempt.
func (m *Metrics) ObserveReconnect(venue string) {
	if m == nil {
		return
	}
	m.feedReconnects.WithLabelValues(venue).Inc()
}

// ObserveFeedFailure counts one feed failure.
func (m *Metrics) ObserveFeedFailure(venue string) {
	if m == nil {
		return
	}
	m.feedFailures.WithLabelValues(venue).Inc()
}

// ObserveSnapshotDropped counts one snapshot dropped on queue overflow.
func (m *Metrics) ObserveSnapshotDropped(venue string) {
	if m == nil {
		return
	}
	m.snapshotsDropped.WithLabelValues(venue).Inc()
}

// SetFeedStaleness records seconds since the venue's last snapshot.
func (m *Metrics) SetFeedStaleness(venue string, seconds float64) {
	if m == nil {
		return
	}
	m.feedStaleness.WithLabelValues(venue).Set(seconds)
}

// ObserveEdgeEvaluation counts one edge evaluation with its outcome
// (emitted, below_threshold, low_confidence, stale_book).
func (m *Metrics) ObserveEdgeEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.edgesEvaluated.WithLabelValues(outcome).Inc()
}

// ObserveSignal counts one actionable signal and records its net edge.
func (m *Metrics) ObserveSignal(venue string, netEdgeCents float64) {
	if m == nil {
		return
	}
	m.signalsEmitted.WithLabelValues(venue).Inc()
	m.netEdgeCents.WithLabelValues(venue).Observe(netEdgeCents)
}

// AddMatchCandidates records one blocking pass: how many pairs survived and
// how many were blocked.
func (m *Metrics) AddMatchCandidates(accepted, blocked int) {
	if m == nil {
		return
	}
	m.matchCandidates.WithLabelValues("accepted").Add(float64(accepted))
	m.matchCandidates.WithLabelValues("blocked").Add(float64(blocked))
}

// ObserveLLMRequest counts one provider call with its outcome
// (ok, error, rate_limited, circuit_open).
func (m *Metrics) ObserveLLMRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, outcome).Inc()
}

// AddLLMCost accumulates estimated provider spend.
func (m *Metrics) AddLLMCost(provider string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.llmCostUSD.WithLabelValues(provider).Add(usd)
}

// SetPairsActive records the confirmed pair count.
func (m *Metrics) SetPairsActive(n int) {
	if m == nil {
		return
	}
	m.pairsActive.Set(float64(n))
}

// ObserveIntent counts one intent reaching a terminal state.
func (m *Metrics) ObserveIntent(state string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(state).Inc()
}

// ObserveHedgeLatency records the primary-fill-to-hedge-resolution time.
func (m *Metrics) ObserveHedgeLatency(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.hedgeLatency.Observe(d.Seconds())
}

// ObserveRiskDecline counts one declined intent by reason
// (venue_cap, contract_limit, concurrency, cooldown).
func (m *Metrics) ObserveRiskDecline(reason string) {
	if m == nil {
		return
	}
	m.riskDeclines.WithLabelValues(reason).Inc()
}

// SetVenueExposure records open notional for the venue.
func (m *Metrics) SetVenueExposure(venue string, usd float64) {
	if m == nil {
		return
	}
	m.venueExposure.WithLabelValues(venue).Set(usd)
}

// SetWSClients records the connected dashboard client count.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
