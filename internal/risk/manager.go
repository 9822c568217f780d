// Package risk enforces pre-trade limits for hedged execution intents.
//
// Every intent passes through Approve before the executor runs it:
//
//   - Per-contract limit:  caps the notional of any single intent
//   - Venue cap:           caps total open notional per venue
//   - Concurrent pairs:    caps how many intents may execute at once
//
// Approval is a compare-and-increment under one mutex: either the intent
// fits every limit and the venue counters advance, or it is declined and
// no counter moves. Release returns an intent's notional when execution
// reaches a terminal state.
//
// The manager also runs as a goroutine consuming ExposureReports from
// fill processing. A breach of the daily loss limit or a venue running
// over its cap emits a KillSignal on KillCh() and pauses approvals for
// CooldownAfterKill.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/internal/metrics"
	"prediction-arb/pkg/types"
)

// Defaults applied when the config leaves a limit zero.
const (
	defaultVenueCap         = 5000.0
	defaultPerContractLimit = 250.0
	defaultConcurrentPairs  = 5
)

// Store tracks committed notional per venue. The manager is the only
// writer during live trading; implementations must still be safe for
// concurrent use because the dashboard reads through the manager.
type Store interface {
	TotalNotional(venue types.Venue) float64
	IncrementNotional(venue types.Venue, amount float64)
}

// MemoryStore is the in-process Store used for live trading and tests.
type MemoryStore struct {
	mu       sync.Mutex
	notional map[types.Venue]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notional: make(map[types.Venue]float64)}
}

func (s *MemoryStore) TotalNotional(venue types.Venue) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notional[venue]
}

func (s *MemoryStore) IncrementNotional(venue types.Venue, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notional[venue] += amount
	if s.notional[venue] < 0 {
		s.notional[venue] = 0
	}
}

// ExposureReport is sent by fill processing after positions change.
// RealizedPnL is the venue's cumulative realized PnL, not a delta.
type ExposureReport struct {
	Venue       types.Venue
	NotionalUSD float64
	RealizedPnL float64
	Timestamp   time.Time
}

// KillSignal tells the engine to stop opening new positions. An empty
// Venue means trading pauses everywhere.
type KillSignal struct {
	Venue  types.Venue
	Reason string
}

// Manager owns the approval counters and the kill switch.
type Manager struct {
	cfg     config.RiskConfig
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu               sync.Mutex
	activePairs      int
	realizedPnL      map[types.Venue]float64
	killSwitchActive bool
	killSwitchUntil  time.Time

	reportCh chan ExposureReport // fill processing writes here
	killCh   chan KillSignal     // engine reads kill signals from here
}

// NewManager creates a risk manager backed by the given store.
func NewManager(cfg config.RiskConfig, store Store, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if cfg.VenueCap <= 0 {
		cfg.VenueCap = defaultVenueCap
	}
	if cfg.PerContractLimit <= 0 {
		cfg.PerContractLimit = defaultPerContractLimit
	}
	if cfg.MaxConcurrentPairs <= 0 {
		cfg.MaxConcurrentPairs = defaultConcurrentPairs
	}
	return &Manager{
		cfg:         cfg,
		store:       store,
		metrics:     m,
		logger:      logger.With("component", "risk"),
		realizedPnL: make(map[types.Venue]float64),
		reportCh:    make(chan ExposureReport, 100),
		killCh:      make(chan KillSignal, 10),
	}
}

// Approve checks an intent against every limit and, when it fits,
// advances both venue counters and the active-pair count inside the same
// critical section. A declined intent changes nothing.
func (rm *Manager) Approve(intent types.ExecutionIntent) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActiveLocked() {
		return rm.decline("kill_switch", fmt.Errorf("kill switch active until %s: %w",
			rm.killSwitchUntil.Format(time.RFC3339), types.ErrRiskDeclined))
	}
	if intent.MaxNotional > rm.cfg.PerContractLimit {
		return rm.decline("per_contract", fmt.Errorf("intent notional %.2f above per-contract limit %.2f: %w",
			intent.MaxNotional, rm.cfg.PerContractLimit, types.ErrRiskDeclined))
	}
	if rm.activePairs >= rm.cfg.MaxConcurrentPairs {
		return rm.decline("concurrent_pairs", fmt.Errorf("%d intents already executing (limit %d): %w",
			rm.activePairs, rm.cfg.MaxConcurrentPairs, types.ErrRiskDeclined))
	}
	for _, venue := range intentVenues(intent) {
		current := rm.store.TotalNotional(venue)
		if current+intent.MaxNotional > rm.cfg.VenueCap {
			return rm.decline("venue_cap", fmt.Errorf("venue %s exposure %.2f + intent %.2f exceeds cap %.2f: %w",
				venue, current, intent.MaxNotional, rm.cfg.VenueCap, types.ErrRiskDeclined))
		}
	}

	for _, venue := range intentVenues(intent) {
		rm.store.IncrementNotional(venue, intent.MaxNotional)
		rm.metrics.SetVenueExposure(string(venue), rm.store.TotalNotional(venue))
	}
	rm.activePairs++

	rm.logger.Info("intent approved",
		"intent_id", intent.ID,
		"notional", intent.MaxNotional,
		"active_pairs", rm.activePairs,
	)
	return nil
}

// Release returns an approved intent's notional once its execution is
// terminal, settled or failed.
func (rm *Manager) Release(intent types.ExecutionIntent) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, venue := range intentVenues(intent) {
		rm.store.IncrementNotional(venue, -intent.MaxNotional)
		rm.metrics.SetVenueExposure(string(venue), rm.store.TotalNotional(venue))
	}
	if rm.activePairs > 0 {
		rm.activePairs--
	}
}

func (rm *Manager) decline(reason string, err error) error {
	rm.metrics.ObserveRiskDecline(reason)
	rm.logger.Warn("intent declined", "reason", reason, "error", err)
	return err
}

// intentVenues lists the distinct venues an intent touches. Both legs are
// normally on different venues; a same-venue intent counts once.
func intentVenues(intent types.ExecutionIntent) []types.Venue {
	venues := []types.Venue{intent.Primary.Venue}
	if intent.Hedge.Venue != intent.Primary.Venue {
		venues = append(venues, intent.Hedge.Venue)
	}
	return venues
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears kill switch even when no reports arrive
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits an exposure report (non-blocking).
func (rm *Manager) Report(report ExposureReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report",
			"venue", report.Venue)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.killSwitchActiveLocked()
}

func (rm *Manager) killSwitchActiveLocked() bool {
	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

func (rm *Manager) processReport(report ExposureReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.realizedPnL[report.Venue] = report.RealizedPnL

	// A venue reporting exposure above its cap means fills ran past what
	// approvals committed, so stop opening anything new.
	if report.NotionalUSD > rm.cfg.VenueCap {
		rm.emitKill(report.Venue, "venue exposure above cap")
	}

	if rm.cfg.MaxDailyLoss > 0 {
		var total float64
		for _, pnl := range rm.realizedPnL {
			total += pnl
		}
		if total < -rm.cfg.MaxDailyLoss {
			rm.emitKill("", "max daily loss breached")
		}
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

// emitKill activates the kill switch, starts the cooldown timer, and sends
// a KillSignal to the engine. If the kill channel is full, it drains the
// stale signal first to ensure the latest kill reason is always delivered.
// Callers hold mu.
func (rm *Manager) emitKill(venue types.Venue, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)
	rm.metrics.ObserveRiskDecline("kill_switch")

	rm.logger.Error("KILL SWITCH",
		"venue", venue,
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	// Drain stale signal if channel full, then send
	sig := KillSignal{Venue: venue, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}

// RiskSnapshot represents aggregate risk metrics for dashboard
type RiskSnapshot struct {
	VenueNotional      map[types.Venue]float64 `json:"venue_notional"`
	VenueCap           float64                 `json:"venue_cap"`
	PerContractLimit   float64                 `json:"per_contract_limit"`
	ActivePairs        int                     `json:"active_pairs"`
	MaxConcurrentPairs int                     `json:"max_concurrent_pairs"`
	RealizedPnL        float64                 `json:"realized_pnl"`
	MaxDailyLoss       float64                 `json:"max_daily_loss"`
	KillSwitchActive   bool                    `json:"kill_switch_active"`
	KillSwitchUntil    time.Time               `json:"kill_switch_until,omitempty"`
}

// GetRiskSnapshot returns current aggregate risk metrics for dashboard.
func (rm *Manager) GetRiskSnapshot() RiskSnapshot {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	venues := map[types.Venue]float64{
		types.VenuePolymarket: rm.store.TotalNotional(types.VenuePolymarket),
		types.VenueKalshi:     rm.store.TotalNotional(types.VenueKalshi),
	}
	var pnl float64
	for _, v := range rm.realizedPnL {
		pnl += v
	}
	return RiskSnapshot{
		VenueNotional:      venues,
		VenueCap:           rm.cfg.VenueCap,
		PerContractLimit:   rm.cfg.PerContractLimit,
		ActivePairs:        rm.activePairs,
		MaxConcurrentPairs: rm.cfg.MaxConcurrentPairs,
		RealizedPnL:        pnl,
		MaxDailyLoss:       rm.cfg.MaxDailyLoss,
		KillSwitchActive:   rm.killSwitchActive,
		KillSwitchUntil:    rm.killSwitchUntil,
	}
}
