// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: venue identities,
// canonical order book snapshots, market catalog records, matched pairs,
// edge signals, and execution intents/results. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"
)

// ------------------------------------------------------------------------
// Core enums
// ------------------------------------------------------------------------

// Venue identifies a trading venue by its slug. Slugs are the canonical
// encoding on the wire and in persistence.
type Venue string

const (
	VenuePolymarket Venue = "polymarket" // CLOB-style venue, signed orders
	VenueKalshi     Venue = "kalshi"     // central exchange, YES/NO books
)

// Valid reports whether the venue is one of the known slugs.
func (v Venue) Valid() bool {
	return v == VenuePolymarket || v == VenueKalshi
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// ------------------------------------------------------------------------
// Order book
// ------------------------------------------------------------------------

// BookLevel is a single bid or ask level in a canonical order book.
// Price is a dollar-denominated probability in (0,1); Size is in contracts.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Notional returns the dollar value of the level.
func (l BookLevel) Notional() float64 {
	return l.Price * l.Size
}

// MarketRef identifies a market on a venue. Identity is (Venue, MarketID);
// Symbol is the canonical human-readable symbol used for matching and logs.
type MarketRef struct {
	Venue    Venue  `json:"venue"`
	MarketID string `json:"market_id"`
	Symbol   string `json:"symbol,omitempty"`
}

// Key returns the "venue:market_id" identity string.
func (r MarketRef) Key() string {
	return string(r.Venue) + ":" + r.MarketID
}

// BookSnapshot is a point-in-time canonical view of one market's book.
// Bids are sorted descending by price, asks ascending, at most K levels per
// side. Snapshots are value records: once emitted they are never mutated.
type BookSnapshot struct {
	Market    MarketRef   `json:"market"`
	Timestamp time.Time   `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}

// BestBid returns the top bid level, if any.
func (b BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns (best_bid + best_ask) / 2, or 0 if either side is empty.
func (b BookSnapshot) Mid() float64 {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0
	}
	return (bid.Price + ask.Price) / 2
}

// Validate checks the canonical book invariants: bids descending, asks
// ascending, all prices in (0,1), all sizes positive, and best bid strictly
// below best ask when both sides are present.
func (b BookSnapshot) Validate() error {
	for i, lvl := range b.Bids {
		if lvl.Price <= 0 || lvl.Price >= 1 {
			return fmt.Errorf("bid %d price %v outside (0,1)", i, lvl.Price)
		}
		if lvl.Size <= 0 {
			return fmt.Errorf("bid %d size %v not positive", i, lvl.Size)
		}
		if i > 0 && lvl.Price > b.Bids[i-1].Price {
			return fmt.Errorf("bids not descending at level %d", i)
		}
	}
	for i, lvl := range b.Asks {
		if lvl.Price <= 0 || lvl.Price >= 1 {
			return fmt.Errorf("ask %d price %v outside (0,1)", i, lvl.Price)
		}
		if lvl.Size <= 0 {
			return fmt.Errorf("ask %d size %v not positive", i, lvl.Size)
		}
		if i > 0 && lvl.Price < b.Asks[i-1].Price {
			return fmt.Errorf("asks not ascending at level %d", i)
		}
	}
	if bid, ok := b.BestBid(); ok {
		if ask, ok := b.BestAsk(); ok && bid.Price >= ask.Price {
			return fmt.Errorf("crossed book: bid %v >= ask %v", bid.Price, ask.Price)
		}
	}
	return nil
}

// ------------------------------------------------------------------------
// Market catalog
// ------------------------------------------------------------------------

// Market is a catalog record for a single binary market on one venue.
// Populated from venue REST catalogs; consumed by the matching pipeline.
type Market struct {
	ID               int64     `json:"id"` // persistence id, 0 before first upsert
	Venue            Venue     `json:"venue"`
	Ticker           string    `json:"ticker"` // venue-native market id / ticker
	Title            string    `json:"title"`
	EventName        string    `json:"event_name,omitempty"`
	ResolutionSource string    `json:"resolution_source,omitempty"`
	OpenTime         time.Time `json:"open_time"`
	CloseTime        time.Time `json:"close_time"`
	Category         string    `json:"category,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	Binary           bool      `json:"is_binary"`
}

// Ref returns the MarketRef for this catalog record.
func (m Market) Ref() MarketRef {
	return MarketRef{Venue: m.Venue, MarketID: m.Ticker, Symbol: m.Title}
}

// MarketWindow is the live span of a market pair: both legs must be open
// and unresolved for the pair to trade.
type MarketWindow struct {
	Open       time.Time `json:"open"`
	Close      time.Time `json:"close"`
	Resolution time.Time `json:"resolution,omitempty"`
}

// Contains reports whether t falls inside [Open, Close).
func (w MarketWindow) Contains(t time.Time) bool {
	return !t.Before(w.Open) && t.Before(w.Close)
}

// MarketPair links two economically equivalent markets across venues.
// Primary is the leg bought; Hedge is the leg sold against it.
type MarketPair struct {
	ID              int64        `json:"id"`
	Primary         MarketRef    `json:"primary"`
	Hedge           MarketRef    `json:"hedge"`
	Window          MarketWindow `json:"window"`
	LLMScore        float64      `json:"llm_score"`
	HardRulesPassed bool         `json:"hard_rules_passed"`
	Active          bool         `json:"active"`
	LastValidated   time.Time    `json:"last_validated"`
	Notes           string       `json:"notes,omitempty"` // rejection reasons, validator remarks
}

// Tradeable reports whether the pair may be traded at time t:
// hard rules passed, pair active, and t inside the live window.
func (p MarketPair) Tradeable(t time.Time) bool {
	return p.HardRulesPassed && p.Active && p.Window.Contains(t)
}

// ------------------------------------------------------------------------
// Signals
// ------------------------------------------------------------------------

// PricePoint is one mid-price observation for the lead-lag detector.
type PricePoint struct {
	Venue     Venue     `json:"venue"`
	Timestamp time.Time `json:"timestamp"`
	Mid       float64   `json:"mid"`
}

// EdgeSignal is the output of the signal engine for one pair evaluation.
// All edge components are in cents per $1 contract.
type EdgeSignal struct {
	PairID    int64     `json:"pair_id"`
	Timestamp time.Time `json:"timestamp"`

	PrimarySide    Side    `json:"primary_side"` // side taken on the primary leg
	GrossEdgeCents float64 `json:"gross_edge_cents"`
	FrictionCents  float64 `json:"friction_cents"`
	SlippageCents  float64 `json:"slippage_cents"`
	NetEdgeCents   float64 `json:"net_edge_cents"`

	Confidence   float64 `json:"confidence"` // [0,1] from lead-lag stability
	Leader       Venue   `json:"leader,omitempty"`
	LeaderStable bool    `json:"leader_stable"`

	MaxSize          float64 `json:"max_size"`          // max tradable notional in USD
	HedgeProbability float64 `json:"hedge_probability"` // modeled fill probability for the hedge leg
	FrictionVersion  string  `json:"friction_version"`  // friction pack version hash for audit
}

// ------------------------------------------------------------------------
// Intents
// ------------------------------------------------------------------------

// OrderIntent is a single-leg order request produced by the signal engine.
type OrderIntent struct {
	Venue       Venue     `json:"venue"`
	MarketID    string    `json:"market_id"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"` // limit price in (0,1)
	Size        float64   `json:"size"`  // contracts
	MaxSlippage float64   `json:"max_slippage"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the intent constraints.
func (o OrderIntent) Validate() error {
	if !o.Venue.Valid() {
		return fmt.Errorf("unknown venue %q", o.Venue)
	}
	if o.Price < 0 || o.Price > 1 {
		return fmt.Errorf("price %v outside [0,1]", o.Price)
	}
	if o.Size <= 0 {
		return fmt.Errorf("size %v not positive", o.Size)
	}
	return nil
}

// ExecutionIntent is a hedged two-leg trade package. Created by the signal
// engine, approved by the risk manager, and consumed by exactly one
// execution attempt; the state machine owns it for the duration.
type ExecutionIntent struct {
	ID               string      `json:"id"` // uuid
	Edge             EdgeSignal  `json:"edge"`
	Primary          OrderIntent `json:"primary"`
	Hedge            OrderIntent `json:"hedge"`
	MaxNotional      float64     `json:"max_notional"` // USD committed across both legs
	HedgeProbability float64     `json:"hedge_probability"`
	CreatedAt        time.Time   `json:"created_at"`
}

// ------------------------------------------------------------------------
// Execution
// ------------------------------------------------------------------------

// ExecState enumerates the execution state machine states.
type ExecState string

const (
	StateReady         ExecState = "READY"
	StatePrimaryPlaced ExecState = "PRIMARY_PLACED"
	StateHedgePlaced   ExecState = "HEDGE_PLACED"
	StateSettled       ExecState = "SETTLED" // terminal success
	StateFailed        ExecState = "FAILED"  // terminal failure
)

// Terminal reports whether the state ends the intent lifecycle.
func (s ExecState) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// OrderStatus enumerates venue order lifecycle states as the engine sees them.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAccepted  OrderStatus = "accepted"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// OrderResult is the executor's report for one placed order.
type OrderResult struct {
	OrderID    string      `json:"order_id"`
	Status     OrderStatus `json:"status"`
	FilledSize float64     `json:"filled_size"`
	AvgPrice   float64     `json:"avg_price"`
}

// ExecutionResult is the single terminal report for one ExecutionIntent.
// Events is the ordered attempt log, e.g. "primary_rejected", "hedge_failed".
type ExecutionResult struct {
	IntentID     string       `json:"intent_id"`
	Success      bool         `json:"success"`
	State        ExecState    `json:"state"`
	Events       []string     `json:"events,omitempty"`
	PrimaryOrder *OrderResult `json:"primary_order,omitempty"`
	HedgeOrder   *OrderResult `json:"hedge_order,omitempty"`
	Error        string       `json:"error,omitempty"`
	CompletedAt  time.Time    `json:"completed_at"`
}

// ------------------------------------------------------------------------
// Persistence records
// ------------------------------------------------------------------------

// Fill is a realized execution on a venue order.
type Fill struct {
	OrderID       string    `json:"order_id"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	Timestamp     time.Time `json:"ts_fill"`
	Fee           float64   `json:"fee"`
	SlippageCents float64   `json:"slippage_cents"`
}

// Position is the net holding per (venue, market).
type Position struct {
	Venue     Venue     `json:"venue"`
	MarketID  string    `json:"market_id"`
	Size      float64   `json:"size"` // signed contracts, positive = long
	AvgPrice  float64   `json:"avg_price"`
	Realized  float64   `json:"realized_pnl"`
	UpdatedAt time.Time `json:"updated_at"`
}
