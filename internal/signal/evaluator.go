package signal

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// Edge policy defaults.
const (
	defaultMinEdgeCents  = 2.5
	defaultMinHedgeProb  = 0.99
	defaultTradeNotional = 100.0

	// intentMaxSlippage is the per-leg limit tolerance priced into intents.
	intentMaxSlippage = 0.004
)

// Modeled hedge fill probabilities. A fully coverable notional maps to the
// emission floor; a stable leader earns a small bump; thin books drop the
// estimate well below the floor.
const (
	hedgeProbSufficient   = 0.99
	hedgeProbStableBonus  = 0.005
	hedgeProbInsufficient = 0.90
)

// FrictionEstimator prices the fixed and proportional costs of a hedged
// package. Satisfied by FrictionModel.
type FrictionEstimator interface {
	TotalCostCents(pair types.MarketPair, sizeUSD float64) float64
	Version() string
}

// DepthEstimator prices book impact. Satisfied by DepthModel.
type DepthEstimator interface {
	Slippage(primary, hedge *types.BookSnapshot, side types.Side, notionalUSD float64) SlippageEstimate
	MaxTradeableSize(primary, hedge *types.BookSnapshot, side types.Side) float64
}

// Evaluator recomputes the edge for one validated pair on every book
// update for either leg. Each pair gets its own evaluator; updates for the
// same pair are serialized by the internal mutex.
type Evaluator struct {
	pair     types.MarketPair
	friction FrictionEstimator
	depth    DepthEstimator
	detector *Detector

	notional     float64
	minEdge      float64
	minHedgeProb float64

	logger *slog.Logger

	mu      sync.Mutex
	primary *types.BookSnapshot
	hedge   *types.BookSnapshot
}

func NewEvaluator(
	pair types.MarketPair,
	cfg config.SignalConfig,
	friction FrictionEstimator,
	depth DepthEstimator,
	detector *Detector,
	logger *slog.Logger,
) *Evaluator {
	notional := cfg.TradeNotionalUSD
	if notional <= 0 {
		notional = defaultTradeNotional
	}
	minEdge := cfg.MinEdgeCents
	if minEdge <= 0 {
		minEdge = defaultMinEdgeCents
	}
	minHedgeProb := cfg.MinHedgeProbability
	if minHedgeProb <= 0 {
		minHedgeProb = defaultMinHedgeProb
	}
	return &Evaluator{
		pair:         pair,
		friction:     friction,
		depth:        depth,
		detector:     detector,
		notional:     notional,
		minEdge:      minEdge,
		minHedgeProb: minHedgeProb,
		logger:       logger.With("component", "evaluator", "pair_id", pair.ID),
	}
}

// Pair returns the pair this evaluator watches.
func (e *Evaluator) Pair() types.MarketPair {
	return e.pair
}

// OnSnapshot folds one book update into the pair state, feeds the lead-lag
// detector, and reevaluates once both legs have books. The returned signal
// carries the evaluation either way; ok reports whether it cleared both
// the net-edge and hedge-probability thresholds.
func (e *Evaluator) OnSnapshot(snap types.BookSnapshot) (types.EdgeSignal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch snap.Market.Key() {
	case e.pair.Primary.Key():
		e.primary = &snap
	case e.pair.Hedge.Key():
		e.hedge = &snap
	default:
		return types.EdgeSignal{}, false
	}

	if mid := snap.Mid(); mid > 0 {
		e.detector.Observe(types.PricePoint{
			Venue:     snap.Market.Venue,
			Timestamp: snap.Timestamp,
			Mid:       mid,
		})
	}

	if e.primary == nil || e.hedge == nil {
		return types.EdgeSignal{}, false
	}
	return e.evaluate(snap.Timestamp)
}

func (e *Evaluator) evaluate(ts time.Time) (types.EdgeSignal, bool) {
	side, gross, ok := e.grossEdge()
	if !ok {
		return types.EdgeSignal{}, false
	}

	frictionCents := e.friction.TotalCostCents(e.pair, e.notional)
	slip := e.depth.Slippage(e.primary, e.hedge, side, e.notional)
	net := gross - frictionCents - slip.TotalCents
	ll := e.detector.Analyze()

	hedgeProb := hedgeProbSufficient
	switch {
	case slip.Insufficient:
		hedgeProb = hedgeProbInsufficient
	case ll.Stable:
		hedgeProb += hedgeProbStableBonus
	}

	sig := types.EdgeSignal{
		PairID:           e.pair.ID,
		Timestamp:        ts,
		PrimarySide:      side,
		GrossEdgeCents:   gross,
		FrictionCents:    frictionCents,
		SlippageCents:    slip.TotalCents,
		NetEdgeCents:     net,
		Confidence:       ll.Confidence,
		Leader:           ll.Leader,
		LeaderStable:     ll.Stable,
		MaxSize:          e.depth.MaxTradeableSize(e.primary, e.hedge, side),
		HedgeProbability: hedgeProb,
		FrictionVersion:  e.friction.Version(),
	}

	if net < e.minEdge || hedgeProb < e.minHedgeProb {
		e.logger.Debug("edge below thresholds",
			"side", side, "net_cents", net, "hedge_probability", hedgeProb)
		return sig, false
	}
	e.logger.Info("edge signal",
		"side", side,
		"gross_cents", gross,
		"friction_cents", frictionCents,
		"slippage_cents", slip.TotalCents,
		"net_cents", net,
		"leader", ll.Leader,
		"stable", ll.Stable,
	)
	return sig, true
}

// grossEdge tests both package directions: a BUY lifts the primary ask and
// hits the hedge bid, a SELL the reverse. Returns the better positive
// direction, or false when neither side is profitable before costs.
func (e *Evaluator) grossEdge() (types.Side, float64, bool) {
	buy := math.Inf(-1)
	if ask, ok := e.primary.BestAsk(); ok {
		if bid, ok2 := e.hedge.BestBid(); ok2 {
			buy = (bid.Price - ask.Price) * 100
		}
	}
	sell := math.Inf(-1)
	if bid, ok := e.primary.BestBid(); ok {
		if ask, ok2 := e.hedge.BestAsk(); ok2 {
			sell = (bid.Price - ask.Price) * 100
		}
	}
	switch {
	case buy > 0 && buy >= sell:
		return types.BUY, buy, true
	case sell > 0:
		return types.SELL, sell, true
	default:
		return "", 0, false
	}
}

// BuildIntent prices an emitted signal into a two-leg execution intent at
// the current top of book. notionalUSD is capped by the signal's max
// tradable size. Returns false if either leg's book has gone away or the
// cap leaves nothing to trade.
func (e *Evaluator) BuildIntent(sig types.EdgeSignal, notionalUSD float64) (types.ExecutionIntent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.primary == nil || e.hedge == nil {
		return types.ExecutionIntent{}, false
	}
	if sig.MaxSize > 0 && notionalUSD > sig.MaxSize {
		notionalUSD = sig.MaxSize
	}
	if notionalUSD <= 0 {
		return types.ExecutionIntent{}, false
	}

	var primaryQuote, hedgeQuote types.BookLevel
	var have bool
	if sig.PrimarySide == types.BUY {
		pq, ok1 := e.primary.BestAsk()
		hq, ok2 := e.hedge.BestBid()
		primaryQuote, hedgeQuote, have = pq, hq, ok1 && ok2
	} else {
		pq, ok1 := e.primary.BestBid()
		hq, ok2 := e.hedge.BestAsk()
		primaryQuote, hedgeQuote, have = pq, hq, ok1 && ok2
	}
	if !have || primaryQuote.Price <= 0 {
		return types.ExecutionIntent{}, false
	}

	contracts := notionalUSD / primaryQuote.Price
	now := time.Now().UTC()
	intent := types.ExecutionIntent{
		ID:   uuid.NewString(),
		Edge: sig,
		Primary: types.OrderIntent{
			Venue:       e.pair.Primary.Venue,
			MarketID:    e.pair.Primary.MarketID,
			Side:        sig.PrimarySide,
			Price:       primaryQuote.Price,
			Size:        contracts,
			MaxSlippage: intentMaxSlippage,
			CreatedAt:   now,
		},
		Hedge: types.OrderIntent{
			Venue:       e.pair.Hedge.Venue,
			MarketID:    e.pair.Hedge.MarketID,
			Side:        sig.PrimarySide.Opposite(),
			Price:       hedgeQuote.Price,
			Size:        contracts,
			MaxSlippage: intentMaxSlippage,
			CreatedAt:   now,
		},
		MaxNotional:      notionalUSD,
		HedgeProbability: sig.HedgeProbability,
		CreatedAt:        now,
	}
	return intent, true
}
