package signal

import (
	"log/slog"
	"math"

	"prediction-arb/pkg/types"
)

// defaultDepthLevels caps the book walk: resting liquidity past the top
// few levels is too unstable to price against.
const defaultDepthLevels = 3

// Conservative slippage penalties, as a fraction of target notional.
const (
	missingBookPenalty  = 0.01
	insufficientPenalty = 0.02
)

// SlippageEstimate is the depth model's answer for one hedged package.
// Insufficient is set when either leg cannot fill the target notional from
// the top levels, in which case the cents figures are penalty estimates
// rather than a VWAP walk.
type SlippageEstimate struct {
	TotalCents   float64
	PrimaryCents float64
	HedgeCents   float64
	Insufficient bool
}

// DepthModel estimates slippage and achievable size by walking the top
// levels of both legs' books.
type DepthModel struct {
	maxLevels int
	logger    *slog.Logger
}

func NewDepthModel(maxLevels int, logger *slog.Logger) *DepthModel {
	if maxLevels <= 0 {
		maxLevels = defaultDepthLevels
	}
	return &DepthModel{
		maxLevels: maxLevels,
		logger:    logger.With("component", "depth_model"),
	}
}

// Slippage estimates the total cost, in cents, of crossing both legs for
// notionalUSD per side. side is the primary leg's direction: a BUY lifts
// the primary asks and hits the hedge bids, a SELL the reverse.
//
// A nil book yields a 1% conservative estimate; a leg that cannot fill the
// notional from the top levels yields 2% and the insufficient flag.
func (m *DepthModel) Slippage(primary, hedge *types.BookSnapshot, side types.Side, notionalUSD float64) SlippageEstimate {
	if primary == nil || hedge == nil {
		m.logger.Warn("slippage requested without both books", "side", side)
		cents := notionalUSD * missingBookPenalty * 100
		return SlippageEstimate{TotalCents: cents, Insufficient: true}
	}

	primaryLevels, hedgeLevels := primary.Asks, hedge.Bids
	if side == types.SELL {
		primaryLevels, hedgeLevels = primary.Bids, hedge.Asks
	}

	primaryVWAP, primaryFilled := m.vwap(primaryLevels, notionalUSD)
	if primaryFilled+1e-9 < notionalUSD {
		m.logger.Warn("insufficient primary liquidity",
			"market", primary.Market.Key(), "notional", notionalUSD, "filled", primaryFilled)
		cents := notionalUSD * insufficientPenalty * 100
		return SlippageEstimate{TotalCents: cents, Insufficient: true}
	}
	hedgeVWAP, hedgeFilled := m.vwap(hedgeLevels, notionalUSD)
	if hedgeFilled+1e-9 < notionalUSD {
		m.logger.Warn("insufficient hedge liquidity",
			"market", hedge.Market.Key(), "notional", notionalUSD, "filled", hedgeFilled)
		cents := notionalUSD * insufficientPenalty * 100
		return SlippageEstimate{TotalCents: cents, Insufficient: true}
	}

	primaryBest := primaryLevels[0].Price
	hedgeBest := hedgeLevels[0].Price

	primaryUSD := math.Abs(primaryVWAP-primaryBest) * notionalUSD / primaryBest
	hedgeUSD := math.Abs(hedgeVWAP-hedgeBest) * notionalUSD / hedgeBest

	return SlippageEstimate{
		TotalCents:   (primaryUSD + hedgeUSD) * 100,
		PrimaryCents: primaryUSD * 100,
		HedgeCents:   hedgeUSD * 100,
	}
}

// MaxTradeableSize returns the largest notional, in USD, fillable on both
// legs from the top levels: the lesser of the primary's crossable depth
// and the hedge's.
func (m *DepthModel) MaxTradeableSize(primary, hedge *types.BookSnapshot, side types.Side) float64 {
	if primary == nil || hedge == nil {
		return 0
	}
	primaryLevels, hedgeLevels := primary.Asks, hedge.Bids
	if side == types.SELL {
		primaryLevels, hedgeLevels = primary.Bids, hedge.Asks
	}
	return math.Min(m.sideDepth(primaryLevels), m.sideDepth(hedgeLevels))
}

// sideDepth sums price*size notional over the top levels of one side.
func (m *DepthModel) sideDepth(levels []types.BookLevel) float64 {
	var depth float64
	for i, lvl := range levels {
		if i >= m.maxLevels {
			break
		}
		depth += lvl.Notional()
	}
	return depth
}

// vwap walks levels consuming up to targetUSD of notional and returns the
// volume-weighted price alongside the notional actually consumed.
func (m *DepthModel) vwap(levels []types.BookLevel, targetUSD float64) (price, filledUSD float64) {
	var cost, size float64
	remaining := targetUSD

	for i, lvl := range levels {
		if i >= m.maxLevels || remaining <= 0 {
			break
		}
		notional := lvl.Notional()
		if notional <= remaining {
			cost += notional
			size += lvl.Size
			remaining -= notional
		} else {
			cost += remaining
			size += remaining / lvl.Price
			remaining = 0
		}
	}
	if size == 0 {
		return 0, 0
	}
	return cost / size, targetUSD - remaining
}
