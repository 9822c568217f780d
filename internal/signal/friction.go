// Package signal computes net arbitrage edges for validated market pairs.
// It layers three models: friction (fees and transfer costs), depth
// (slippage from walking the book), and lead-lag (which venue moves first).
// The evaluator combines all three into an EdgeSignal per book update.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	gojson "github.com/goccy/go-json"

	"prediction-arb/pkg/types"
)

// expectedGrossSpread is the assumed winning spread, in dollars per $1
// contract, that profit fees are charged against.
const expectedGrossSpread = 0.025

// VenueFees is the fee schedule for one venue. Percentages are decimals
// (0.02 means 2%).
type VenueFees struct {
	TakerFeePct    float64 `json:"taker_fee_pct"`
	MakerFeePct    float64 `json:"maker_fee_pct"`
	ProfitFeePct   float64 `json:"profit_fee_pct"`
	RequiresBridge bool    `json:"requires_bridge,omitempty"`
}

// FrictionPack bundles per-venue fee schedules with the fixed transfer
// costs of moving money between venues. Packs are versioned by content so
// every emitted signal records exactly which cost model priced it.
type FrictionPack struct {
	Venues        map[types.Venue]VenueFees `json:"venues"`
	GasCostUSD    float64                   `json:"gas_cost_usd"`
	BridgeCostUSD float64                   `json:"bridge_cost_usd"`
	OnrampFeePct  float64                   `json:"onramp_fee_pct"`
	FXSpreadPct   float64                   `json:"fx_spread_pct"`
}

// DefaultPack returns the built-in cost model: Polymarket charges a 2%
// taker fee plus 2% on winnings and settles on-chain; Kalshi charges a
// 0.7% retail taker fee. Gas assumes a Polygon transaction.
func DefaultPack() FrictionPack {
	return FrictionPack{
		Venues: map[types.Venue]VenueFees{
			types.VenuePolymarket: {TakerFeePct: 0.02, ProfitFeePct: 0.02, RequiresBridge: true},
			types.VenueKalshi:     {TakerFeePct: 0.007},
		},
		GasCostUSD:    2.0,
		BridgeCostUSD: 5.0,
		OnrampFeePct:  0.005,
		FXSpreadPct:   0.001,
	}
}

// LoadPacks layers the JSON pack files in paths over the built-in
// defaults, in order. Fields absent from a file keep their prior value, so
// a file may override a single fee without restating the whole pack.
func LoadPacks(paths []string) (FrictionPack, error) {
	pack := DefaultPack()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return FrictionPack{}, fmt.Errorf("read friction pack %s: %w", path, err)
		}
		if err := gojson.Unmarshal(data, &pack); err != nil {
			return FrictionPack{}, fmt.Errorf("parse friction pack %s: %w", path, err)
		}
	}
	return pack, nil
}

// VersionHash returns the first 12 hex characters of the sha256 of the
// pack's canonical JSON. Map keys marshal in sorted order, so two packs
// with equal contents always hash the same.
func (p FrictionPack) VersionHash() string {
	data, err := gojson.Marshal(p)
	if err != nil {
		return "unversioned"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

func (p FrictionPack) fees(venue types.Venue) VenueFees {
	return p.Venues[venue]
}

// FrictionBreakdown itemizes the cost of one hedged trade package in USD,
// with the total in cents per $1 contract.
type FrictionBreakdown struct {
	ExchangeFeesUSD float64
	GasUSD          float64
	BridgeUSD       float64
	OnrampUSD       float64
	FXUSD           float64
	TotalCents      float64
}

// FrictionModel prices the full cost of a two-leg taker package: taker
// fees on both legs, profit fees where the venue charges them, two gas
// payments, a bridge hop when a leg settles on-chain, and on-ramp plus FX
// spread proportional to size.
type FrictionModel struct {
	pack    FrictionPack
	version string
	logger  *slog.Logger
}

func NewFrictionModel(pack FrictionPack, logger *slog.Logger) *FrictionModel {
	return &FrictionModel{
		pack:    pack,
		version: pack.VersionHash(),
		logger:  logger.With("component", "friction_model"),
	}
}

// Version returns the pack hash stamped into signals priced by this model.
func (m *FrictionModel) Version() string {
	return m.version
}

// TotalCostCents returns the friction cost in cents for a hedged package
// of sizeUSD notional per leg.
func (m *FrictionModel) TotalCostCents(pair types.MarketPair, sizeUSD float64) float64 {
	return m.Breakdown(pair, sizeUSD).TotalCents
}

// Breakdown itemizes the package cost for pair at sizeUSD per leg.
func (m *FrictionModel) Breakdown(pair types.MarketPair, sizeUSD float64) FrictionBreakdown {
	primary := m.pack.fees(pair.Primary.Venue)
	hedge := m.pack.fees(pair.Hedge.Venue)

	exchange := m.legFees(primary, sizeUSD) + m.legFees(hedge, sizeUSD)

	b := FrictionBreakdown{
		ExchangeFeesUSD: exchange,
		GasUSD:          m.pack.GasCostUSD * 2,
		OnrampUSD:       sizeUSD * m.pack.OnrampFeePct,
		FXUSD:           sizeUSD * m.pack.FXSpreadPct,
	}
	if primary.RequiresBridge || hedge.RequiresBridge {
		b.BridgeUSD = m.pack.BridgeCostUSD
	}
	totalUSD := b.ExchangeFeesUSD + b.GasUSD + b.BridgeUSD + b.OnrampUSD + b.FXUSD
	b.TotalCents = totalUSD * 100

	m.logger.Debug("friction breakdown",
		"pair_id", pair.ID,
		"exchange_usd", b.ExchangeFeesUSD,
		"gas_usd", b.GasUSD,
		"bridge_usd", b.BridgeUSD,
		"onramp_usd", b.OnrampUSD,
		"fx_usd", b.FXUSD,
		"total_cents", b.TotalCents,
	)
	return b
}

// legFees returns taker fee plus, for venues that charge one, the profit
// fee on the expected winning spread.
func (m *FrictionModel) legFees(fees VenueFees, sizeUSD float64) float64 {
	total := sizeUSD * fees.TakerFeePct
	if fees.ProfitFeePct > 0 {
		if profit := sizeUSD * expectedGrossSpread; profit > 0 {
			total += profit * fees.ProfitFeePct
		}
	}
	return total
}
