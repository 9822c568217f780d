package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// Executor turns order intents into signed CLOB orders. Orders go out as
// fill-and-kill so an unfilled remainder never rests on the book.
type Executor struct {
	client        *Client
	signer        *Signer
	expirySeconds int
	logger        *slog.Logger
}

// NewExecutor builds the executor from an existing client and signer.
func NewExecutor(client *Client, signer *Signer, cfg config.ExecutionConfig, logger *slog.Logger) *Executor {
	return &Executor{
		client:        client,
		signer:        signer,
		expirySeconds: cfg.OrderExpirySeconds,
		logger:        logger.With("component", "polymarket_executor"),
	}
}

// Venue implements execution.OrderPlacer.
func (e *Executor) Venue() types.Venue { return types.VenuePolymarket }

// PlaceOrder signs and submits one order. The signed payload carries a fresh
// salt, a strictly increasing nonce, and an expiry a couple of minutes out so
// a replayed request is dead on arrival.
func (e *Executor) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if err := intent.Validate(); err != nil {
		return types.OrderResult{}, fmt.Errorf("order intent: %w", err)
	}

	salt, err := NewSalt()
	if err != nil {
		return types.OrderResult{}, err
	}

	makerAmount := ShareAmount(intent.Size)
	if intent.Side == types.BUY {
		makerAmount = CollateralAmount(intent.Price, intent.Size)
	}

	expiry := time.Now().Add(time.Duration(e.expirySeconds) * time.Second).Unix()
	wire := WireOrder{
		Salt:        salt.String(),
		Maker:       e.signer.Funder().Hex(),
		Market:      intent.MarketID,
		Outcome:     "YES",
		Price:       PriceTicks(intent.Price).String(),
		MakerAmount: makerAmount.String(),
		Nonce:       strconv.FormatInt(e.signer.NextNonce(), 10),
		Expiry:      strconv.FormatInt(expiry, 10),
		IsBuy:       intent.Side == types.BUY,
	}

	sig, err := e.signer.SignOrder(wire)
	if err != nil {
		return types.OrderResult{}, err
	}

	resp, err := e.client.PostOrder(ctx, orderPayload{
		Order:     wire,
		Signature: sig,
		OrderType: "FAK",
	})
	if err != nil {
		return types.OrderResult{}, err
	}

	result := types.OrderResult{
		OrderID: resp.OrderID,
		Status:  mapStatus(resp.Status),
	}
	if result.Status == types.OrderFilled {
		result.FilledSize, result.AvgPrice = fillFromAmounts(resp, intent)
	}

	e.logger.Info("order placed",
		"order_id", result.OrderID,
		"market", intent.MarketID,
		"side", intent.Side,
		"price", intent.Price,
		"size", intent.Size,
		"status", result.Status,
	)
	return result, nil
}

// CancelOrder implements execution.OrderPlacer.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) error {
	return e.client.CancelOrder(ctx, orderID)
}

// FetchOrder reports the venue's current view of one order.
func (e *Executor) FetchOrder(ctx context.Context, orderID string) (types.OrderStatus, error) {
	status, err := e.client.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return mapStatus(status), nil
}

func mapStatus(venueStatus string) types.OrderStatus {
	switch strings.ToLower(venueStatus) {
	case "matched":
		return types.OrderFilled
	case "live", "delayed":
		return types.OrderAccepted
	case "unmatched", "canceled", "cancelled":
		return types.OrderCancelled
	default:
		return types.OrderPending
	}
}

// fillFromAmounts derives filled size and average price from the venue's
// 6-decimal amount fields, falling back to the intent values when the
// response omits them (dry-run does).
func fillFromAmounts(resp *orderResponse, intent types.OrderIntent) (size, avgPrice float64) {
	size, avgPrice = intent.Size, intent.Price

	making, errM := decimal.NewFromString(resp.Making)
	taking, errT := decimal.NewFromString(resp.Taking)
	if errM != nil || errT != nil || making.IsZero() || taking.IsZero() {
		return size, avgPrice
	}

	// For buys the maker side is collateral and the taker side is shares;
	// sells are the mirror image.
	shares, collateral := taking, making
	if intent.Side == types.SELL {
		shares, collateral = making, taking
	}

	sharesF, _ := shares.Div(usdcScale).Float64()
	if sharesF > 0 {
		size = sharesF
		priceF, _ := collateral.Div(shares).Float64()
		avgPrice = priceF
	}
	return size, avgPrice
}
