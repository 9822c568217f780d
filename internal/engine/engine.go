// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. Venue adapters stream canonical book snapshots into one bounded
//     fan-in queue.
//  2. A pair refresher keeps one signal evaluator per validated tradeable
//     pair (reconcilePairs), restarting venue streams when the watched
//     market set changes.
//  3. Snapshots route to the evaluators watching that market; an emitted
//     edge becomes an execution intent once the risk manager approves it.
//  4. Each approved intent runs in its own goroutine through the hedged
//     state machine; fills fold into positions and exposure reports.
//  5. The risk manager monitors exposure and can pause trading; kills are
//     alerted and broadcast to the dashboard.
//
// Persistence is write-behind: the hot path hands records to a background
// writer and never blocks on the database.
//
// Lifecycle: New() -> Run(ctx) -> [runs until ctx cancel or a venue feed
// is permanently broken].
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"prediction-arb/internal/alert"
	"prediction-arb/internal/api"
	"prediction-arb/internal/config"
	"prediction-arb/internal/execution"
	"prediction-arb/internal/market"
	"prediction-arb/internal/metrics"
	"prediction-arb/internal/risk"
	"prediction-arb/internal/signal"
	"prediction-arb/internal/store"
	"prediction-arb/internal/venue"
	"prediction-arb/internal/venue/kalshi"
	"prediction-arb/internal/venue/polymarket"
	"prediction-arb/pkg/types"
)

const (
	defaultQueueSize    = 1024
	writeQueueSize      = 256
	writeTimeout        = 5 * time.Second
	monitorInterval     = 15 * time.Second
	catalogResyncMinGap = 10 * time.Minute
	flushTimeout        = 5 * time.Second
)

// pairSlot is one watched pair: its evaluator plus the in-flight gate that
// keeps execution to a single intent per pair at a time.
type pairSlot struct {
	pair      types.MarketPair
	evaluator *signal.Evaluator
	executing atomic.Bool
}

// venueStream is one running StreamBooks goroutine. key identifies the
// subscribed market set so reconciliation can tell when a restart is due.
type venueStream struct {
	cancel context.CancelFunc
	key    string
	done   chan struct{}
}

// writeOp is one deferred persistence write.
type writeOp struct {
	name string
	fn   func(context.Context) error
}

// Engine owns the lifecycle of every goroutine in the trading process.
type Engine struct {
	cfg      config.Config
	store    store.Store
	hot      *store.Cache // nil when the hot cache is disabled
	health   *venue.HealthTracker
	metrics  *metrics.Metrics
	riskMgr  *risk.Manager
	notifier *alert.Notifier
	scanner  *market.Scanner
	books    *market.BookCache

	friction  *signal.FrictionModel
	depth     *signal.DepthModel
	positions *PositionTracker

	machine *execution.StateMachine // nil when execution is disabled
	router  *execution.Router
	server  *api.Server // nil when the dashboard is disabled

	adapters map[types.Venue]venue.Adapter
	streams  map[types.Venue]*venueStream // owned by the manage goroutine
	lastSync time.Time

	snapshots chan types.BookSnapshot
	writes    chan writeOp

	// slots maps pair id -> evaluator; byMarket maps "venue:market_id" to
	// the slots watching that leg. Both protected by slotsMu.
	slots    map[int64]*pairSlot
	byMarket map[string][]*pairSlot
	slotsMu  sync.RWMutex

	// dbIDs maps "venue:market_id" to the catalog row id so book snapshots
	// supporting an edge can be archived.
	dbIDs  map[string]int64
	dbIDMu sync.RWMutex

	cancel   context.CancelFunc
	wg       conc.WaitGroup
	failOnce sync.Once
	failErr  error

	logger *slog.Logger
}

// New wires all engine components. The store is injected so dry runs can
// use the in-memory implementation; hot may be nil.
func New(cfg config.Config, st store.Store, hot *store.Cache, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	pack, err := signal.LoadPacks(cfg.Signal.FrictionPackPaths)
	if err != nil {
		return nil, fmt.Errorf("load friction packs: %w", err)
	}

	health := venue.NewHealthTracker()
	queueSize := cfg.Ingest.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		hot:       hot,
		health:    health,
		metrics:   m,
		riskMgr:   risk.NewManager(cfg.Risk, risk.NewMemoryStore(), m, logger),
		notifier:  alert.New(cfg.Alerts.WebhookURL, logger),
		scanner:   market.NewScanner(st, cfg.Signal.PairRefreshInterval, m, logger),
		books:     market.NewBookCache(),
		friction:  signal.NewFrictionModel(pack, logger),
		depth:     signal.NewDepthModel(cfg.Signal.DepthLevels, logger),
		positions: NewPositionTracker(),
		adapters:  make(map[types.Venue]venue.Adapter),
		streams:   make(map[types.Venue]*venueStream),
		snapshots: make(chan types.BookSnapshot, queueSize),
		writes:    make(chan writeOp, writeQueueSize),
		slots:     make(map[int64]*pairSlot),
		byMarket:  make(map[string][]*pairSlot),
		dbIDs:     make(map[string]int64),
		logger:    logger.With("component", "engine"),
	}

	kAdapter := kalshi.NewAdapter(cfg.Kalshi, cfg.Ingest, cfg.Execution.TokenRefreshSlack,
		cfg.DryRun, health, m, logger)
	pAdapter := polymarket.NewAdapter(cfg.Polymarket, cfg.Ingest, cfg.DryRun, health, m, logger)
	e.adapters[types.VenueKalshi] = kAdapter
	e.adapters[types.VenuePolymarket] = pAdapter

	if cfg.ServiceEnabled("execution") {
		signer, err := polymarket.NewSigner(cfg.Polymarket)
		switch {
		case err != nil && cfg.DryRun:
			logger.Warn("no usable signing key, execution stays disabled", "error", err)
		case err != nil:
			return nil, fmt.Errorf("polymarket signer: %w", err)
		default:
			e.router = execution.NewRouter(logger,
				polymarket.NewExecutor(pAdapter.Client(), signer, cfg.Execution, logger),
				kalshi.NewExecutor(kAdapter.Client(), logger),
			)
			e.machine = execution.NewStateMachine(cfg.Execution, e.router, m, logger)
		}
	}

	if cfg.Dashboard.Enabled && cfg.ServiceEnabled("api") {
		e.server = api.NewServer(cfg.Dashboard, st, health, e.riskMgr, m, nil, logger)
	}

	return e, nil
}

// Run starts every subsystem and blocks until the context ends or a venue
// feed is permanently broken. On return all goroutines have stopped and
// final positions are flushed.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	if positions, err := e.store.ListPositions(ctx); err != nil {
		e.logger.Warn("position restore failed", "error", err)
	} else if len(positions) > 0 {
		e.positions.Load(positions)
		e.logger.Info("positions restored", "count", len(positions))
	}

	if e.cfg.ServiceEnabled("ingest") {
		if err := e.syncCatalogs(ctx); err != nil {
			return fmt.Errorf("catalog sync: %w", err)
		}
	}

	e.wg.Go(func() { e.riskMgr.Run(ctx) })
	e.wg.Go(func() { e.notifier.Run(ctx) })
	e.wg.Go(func() { e.scanner.Run(ctx) })
	e.wg.Go(func() { e.writeLoop(ctx) })
	e.wg.Go(func() { e.routeSnapshots(ctx) })
	e.wg.Go(func() { e.manage(ctx) })
	e.wg.Go(func() { e.monitor(ctx) })
	if e.server != nil {
		e.wg.Go(func() {
			if err := e.server.Run(ctx); err != nil && ctx.Err() == nil {
				e.notifier.ComponentDown("dashboard", err)
				e.fail(fmt.Errorf("dashboard server: %w", err))
			}
		})
	}

	e.logger.Info("engine running",
		"dry_run", e.cfg.DryRun,
		"execution", e.machine != nil,
		"dashboard", e.server != nil,
	)

	<-ctx.Done()
	e.wg.Wait()
	e.flushPositions()
	e.logger.Info("engine stopped")
	return e.failErr
}

// fail records the first unrecoverable error and tears the engine down.
func (e *Engine) fail(err error) {
	e.failOnce.Do(func() {
		e.failErr = err
		e.logger.Error("engine failing", "error", err)
		e.cancel()
	})
}

// syncCatalogs refreshes both venue market catalogs. Polymarket token ids
// learned here are what its feed subscribes with, so this must complete
// before the first stream starts.
func (e *Engine) syncCatalogs(ctx context.Context) error {
	for _, ad := range e.adapters {
		markets, err := ad.FetchMarkets(ctx)
		if err != nil {
			return fmt.Errorf("%s catalog: %w", ad.Name(), err)
		}
		for _, mkt := range markets {
			id, err := e.store.UpsertMarket(ctx, mkt)
			if err != nil {
				e.logger.Warn("market upsert failed", "market", mkt.Ref().Key(), "error", err)
				continue
			}
			e.dbIDMu.Lock()
			e.dbIDs[mkt.Ref().Key()] = id
			e.dbIDMu.Unlock()
		}
		e.logger.Info("catalog synced", "venue", ad.Name(), "markets", len(markets))
	}
	e.lastSync = time.Now()
	return nil
}

// manage reacts to pair refreshes and kill signals. It is the only
// goroutine that touches e.streams.
func (e *Engine) manage(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, vs := range e.streams {
				vs.cancel()
			}
			return
		case result := <-e.scanner.Results():
			e.reconcilePairs(ctx, result)
		case kill := <-e.riskMgr.KillCh():
			e.handleKill(kill)
		}
	}
}

// reconcilePairs diffs the tradeable pair set against running evaluators,
// then restarts any venue stream whose watched market set changed.
func (e *Engine) reconcilePairs(ctx context.Context, result market.ScanResult) {
	desired := make(map[int64]types.MarketPair, len(result.Pairs))
	for _, pair := range result.Pairs {
		desired[pair.ID] = pair
	}

	var added int
	e.slotsMu.Lock()
	for id, slot := range e.slots {
		if _, ok := desired[id]; !ok {
			delete(e.slots, id)
			e.logger.Info("pair retired",
				"pair_id", id,
				"primary", slot.pair.Primary.Key(),
				"hedge", slot.pair.Hedge.Key(),
			)
		}
	}
	for id, pair := range desired {
		if _, ok := e.slots[id]; ok {
			continue
		}
		detector := signal.NewDetector(pair.Primary.Venue, pair.Hedge.Venue, e.cfg.Signal, e.logger)
		e.slots[id] = &pairSlot{
			pair:      pair,
			evaluator: signal.NewEvaluator(pair, e.cfg.Signal, e.friction, e.depth, detector, e.logger),
		}
		added++
		e.logger.Info("pair activated",
			"pair_id", id,
			"primary", pair.Primary.Key(),
			"hedge", pair.Hedge.Key(),
			"llm_score", pair.LLMScore,
		)
	}
	byMarket := make(map[string][]*pairSlot, 2*len(e.slots))
	for _, slot := range e.slots {
		byMarket[slot.pair.Primary.Key()] = append(byMarket[slot.pair.Primary.Key()], slot)
		byMarket[slot.pair.Hedge.Key()] = append(byMarket[slot.pair.Hedge.Key()], slot)
	}
	e.byMarket = byMarket
	e.slotsMu.Unlock()

	if !e.cfg.ServiceEnabled("ingest") {
		return
	}
	// New pairs may reference markets the feeds have never seen; refresh
	// the catalogs so subscriptions resolve.
	if added > 0 && time.Since(e.lastSync) > catalogResyncMinGap {
		if err := e.syncCatalogs(ctx); err != nil {
			e.logger.Warn("catalog resync failed", "error", err)
		}
	}
	e.syncStreams(ctx)
}

// syncStreams restarts each venue's feed when its watched market set
// changed. A venue with no watched markets gets no stream.
func (e *Engine) syncStreams(ctx context.Context) {
	refs := e.watchedRefs()
	for name, ad := range e.adapters {
		want := refs[name]
		key := refKey(want)
		cur := e.streams[name]
		if cur != nil && cur.key == key {
			continue
		}
		if cur != nil {
			cur.cancel()
			<-cur.done
			delete(e.streams, name)
		}
		if len(want) == 0 {
			continue
		}
		e.startStream(ctx, ad, want, key)
	}
}

func (e *Engine) startStream(ctx context.Context, ad venue.Adapter, refs []types.MarketRef, key string) {
	sctx, scancel := context.WithCancel(ctx)
	vs := &venueStream{cancel: scancel, key: key, done: make(chan struct{})}
	e.streams[ad.Name()] = vs

	e.logger.Info("feed starting", "venue", ad.Name(), "markets", len(refs))
	e.wg.Go(func() {
		defer close(vs.done)
		err := ad.StreamBooks(sctx, refs, e.snapshots)
		if err != nil && sctx.Err() == nil {
			e.notifier.ComponentDown(string(ad.Name())+" feed", err)
			e.fail(fmt.Errorf("%s feed: %w", ad.Name(), err))
		}
	})
}

// watchedRefs groups the distinct market refs of all active pairs by venue.
func (e *Engine) watchedRefs() map[types.Venue][]types.MarketRef {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	seen := make(map[string]bool)
	out := make(map[types.Venue][]types.MarketRef)
	for _, slot := range e.slots {
		for _, ref := range []types.MarketRef{slot.pair.Primary, slot.pair.Hedge} {
			if seen[ref.Key()] {
				continue
			}
			seen[ref.Key()] = true
			out[ref.Venue] = append(out[ref.Venue], ref)
		}
	}
	return out
}

// refKey builds a stable identity for a subscription set.
func refKey(refs []types.MarketRef) string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.MarketID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// routeSnapshots drains the fan-in queue: cache the book, then hand the
// snapshot to every evaluator watching that market.
func (e *Engine) routeSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-e.snapshots:
			e.books.Put(snap)
			e.hot.SetBookTop(ctx, snap)
			e.dispatch(ctx, snap)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, snap types.BookSnapshot) {
	e.slotsMu.RLock()
	slots := e.byMarket[snap.Market.Key()]
	e.slotsMu.RUnlock()

	for _, slot := range slots {
		sig, ok := slot.evaluator.OnSnapshot(snap)
		if sig.PairID == 0 {
			continue // pair incomplete, nothing was evaluated
		}
		if !ok {
			e.metrics.ObserveEdgeEvaluation("suppressed")
			continue
		}
		e.metrics.ObserveEdgeEvaluation("emitted")
		e.metrics.ObserveSignal(string(slot.pair.Primary.Venue), sig.NetEdgeCents)
		e.handleSignal(ctx, slot, sig)
	}
}

// handleSignal persists and publishes an actionable edge, then tries to
// turn it into an execution intent. One intent per pair runs at a time.
func (e *Engine) handleSignal(ctx context.Context, slot *pairSlot, sig types.EdgeSignal) {
	e.enqueueWrite("edge", func(wctx context.Context) error {
		return e.store.InsertEdge(wctx, sig)
	})
	e.archiveBooks(slot.pair)
	e.hot.SetEdge(ctx, sig)
	if e.server != nil {
		e.server.Hub().Broadcast(api.NewEdgeEvent(slot.pair, sig))
	}

	if e.machine == nil {
		return
	}
	if !slot.executing.CompareAndSwap(false, true) {
		return
	}

	intent, ok := slot.evaluator.BuildIntent(sig, e.cfg.Signal.TradeNotionalUSD)
	if !ok {
		slot.executing.Store(false)
		return
	}
	if err := e.riskMgr.Approve(intent); err != nil {
		slot.executing.Store(false)
		e.logger.Debug("intent declined", "pair_id", sig.PairID, "reason", err)
		return
	}

	e.wg.Go(func() { e.runIntent(ctx, slot, intent) })
}

// archiveBooks persists both legs' current snapshots alongside the edge
// they support. Markets the catalog has not assigned a row id yet are
// skipped.
func (e *Engine) archiveBooks(pair types.MarketPair) {
	for _, ref := range []types.MarketRef{pair.Primary, pair.Hedge} {
		snap, ok := e.books.Get(ref)
		if !ok {
			continue
		}
		e.dbIDMu.RLock()
		id, ok := e.dbIDs[ref.Key()]
		e.dbIDMu.RUnlock()
		if !ok {
			continue
		}
		e.enqueueWrite("orderbook", func(wctx context.Context) error {
			return e.store.InsertOrderbook(wctx, id, snap)
		})
	}
}

// runIntent executes one intent to a terminal state and folds the outcome
// into persistence, positions, risk, alerts, and the dashboard.
func (e *Engine) runIntent(ctx context.Context, slot *pairSlot, intent types.ExecutionIntent) {
	defer slot.executing.Store(false)

	result := e.machine.Execute(ctx, intent)
	e.riskMgr.Release(intent)
	e.router.Forget(intent.ID)
	e.metrics.ObserveIntent(string(result.State))

	e.recordLeg(result, "primary", intent.Primary, result.PrimaryOrder, intent.CreatedAt)
	e.recordLeg(result, "hedge", intent.Hedge, result.HedgeOrder, intent.CreatedAt)

	e.enqueueWrite("execution_result", func(wctx context.Context) error {
		return e.store.AppendEvent(wctx, "execution_result", result)
	})

	switch {
	case result.Success:
		e.notifier.FillExecuted(intent.ID, intent.Edge.PairID, intent.Primary.Venue,
			intent.Primary.Side, intent.Primary.Price, intent.Primary.Size)
		e.logger.Info("package settled",
			"intent_id", intent.ID,
			"pair_id", intent.Edge.PairID,
			"net_edge_cents", intent.Edge.NetEdgeCents,
		)
	case strings.Contains(result.Error, "timeout"):
		e.notifier.HedgeTimeout(intent.ID, intent.Edge.PairID,
			result.CompletedAt.Sub(intent.CreatedAt))
	default:
		e.logger.Warn("package failed",
			"intent_id", intent.ID,
			"pair_id", intent.Edge.PairID,
			"error", result.Error,
		)
	}
}

// recordLeg persists one leg's order row and, when it filled, the fill,
// the updated position, and the venue exposure report.
func (e *Engine) recordLeg(result types.ExecutionResult, leg string, order types.OrderIntent, placed *types.OrderResult, sentAt time.Time) {
	if placed == nil || placed.OrderID == "" {
		return
	}
	rec := store.OrderRecord{
		ID:       placed.OrderID,
		Venue:    order.Venue,
		MarketID: order.MarketID,
		Side:     order.Side,
		Price:    order.Price,
		Qty:      order.Size,
		SentAt:   sentAt,
		AckAt:    result.CompletedAt,
		Status:   placed.Status,
	}
	e.enqueueWrite("order", func(wctx context.Context) error {
		return e.store.RecordOrder(wctx, rec)
	})

	if placed.FilledSize <= 0 {
		return
	}

	slip := (placed.AvgPrice - order.Price) * 100
	if order.Side == types.SELL {
		slip = -slip
	}
	fill := types.Fill{
		OrderID:       placed.OrderID,
		Price:         placed.AvgPrice,
		Size:          placed.FilledSize,
		Timestamp:     result.CompletedAt,
		SlippageCents: slip,
	}
	e.enqueueWrite("fill", func(wctx context.Context) error {
		return e.store.InsertFill(wctx, fill)
	})
	if e.server != nil {
		e.server.Hub().Broadcast(api.NewFillEvent(store.FillRecord{
			Fill:     fill,
			Venue:    order.Venue,
			MarketID: order.MarketID,
			Side:     order.Side,
		}))
	}

	pos := e.positions.ApplyFill(order.Venue, order.MarketID, order.Side,
		placed.AvgPrice, placed.FilledSize, result.CompletedAt)
	e.enqueueWrite("position", func(wctx context.Context) error {
		return e.store.UpsertPosition(wctx, pos)
	})

	notional, realized := e.positions.VenueExposure(order.Venue)
	e.metrics.SetVenueExposure(string(order.Venue), notional)
	e.riskMgr.Report(risk.ExposureReport{
		Venue:       order.Venue,
		NotionalUSD: notional,
		RealizedPnL: realized,
		Timestamp:   result.CompletedAt,
	})
	e.logger.Info("fill recorded",
		"leg", leg,
		"venue", order.Venue,
		"market", order.MarketID,
		"side", order.Side,
		"price", placed.AvgPrice,
		"size", placed.FilledSize,
	)
}

// handleKill publishes a risk kill to the alert sink, the audit log, and
// the dashboard. Approvals are already paused by the risk manager.
func (e *Engine) handleKill(kill risk.KillSignal) {
	e.logger.Error("kill switch engaged", "venue", kill.Venue, "reason", kill.Reason)

	until := time.Now().Add(e.cfg.Risk.CooldownAfterKill)
	e.notifier.RiskKill(kill.Venue, kill.Reason)
	e.enqueueWrite("risk_kill", func(wctx context.Context) error {
		return e.store.AppendEvent(wctx, "risk_kill", kill)
	})
	if e.server != nil {
		e.server.Hub().Broadcast(api.NewKillEvent(kill.Venue, kill.Reason, until))
	}
	if kill.Venue != "" {
		e.hot.SetVenueStatus(context.Background(), kill.Venue, "killed")
	}
}

// monitor publishes feed staleness gauges and venue status to the hot
// cache on a fixed cadence.
func (e *Engine) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, vh := range e.health.Report(now) {
				e.metrics.SetFeedStaleness(string(vh.Venue), vh.Staleness.Seconds())
				e.hot.SetVenueStatus(ctx, vh.Venue, vh.Status)
			}
		}
	}
}

// enqueueWrite hands a persistence op to the background writer. A full
// queue drops the op; the hot path never blocks on the database.
func (e *Engine) enqueueWrite(name string, fn func(context.Context) error) {
	select {
	case e.writes <- writeOp{name: name, fn: fn}:
	default:
		e.logger.Warn("write queue full, dropping", "op", name)
	}
}

// writeLoop runs deferred persistence ops. On shutdown it drains whatever
// is queued before returning.
func (e *Engine) writeLoop(ctx context.Context) {
	run := func(opCtx context.Context, op writeOp) {
		wctx, cancel := context.WithTimeout(opCtx, writeTimeout)
		defer cancel()
		if err := op.fn(wctx); err != nil {
			e.logger.Warn("write failed", "op", op.name, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			for {
				select {
				case op := <-e.writes:
					run(drainCtx, op)
				default:
					return
				}
			}
		case op := <-e.writes:
			run(ctx, op)
		}
	}
}

// flushPositions persists every tracked position after the goroutines have
// stopped, so a restart resumes from the last fill.
func (e *Engine) flushPositions() {
	positions := e.positions.Snapshot()
	if len(positions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, pos := range positions {
		if err := e.store.UpsertPosition(ctx, pos); err != nil {
			e.logger.Error("position flush failed",
				"venue", pos.Venue, "market", pos.MarketID, "error", err)
		}
	}
	e.logger.Info("positions flushed", "count", len(positions))
}
