package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

type wireMarket struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	MarketType  string `json:"market_type"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	RulesURL    string `json:"rules_primary"`
	OpenTime    string `json:"open_time"`
	CloseTime   string `json:"close_time"`
	Status      string `json:"status"`
}

type marketsPage struct {
	Markets []wireMarket `json:"markets"`
	Cursor  string       `json:"cursor"`
}

// wireBook is the venue's orderbook: each side lists [price_cents, count]
// resting bids for that outcome. Asks are implied by the opposite side.
type wireBook struct {
	Orderbook struct {
		Yes [][2]float64 `json:"yes"`
		No  [][2]float64 `json:"no"`
	} `json:"orderbook"`
}

type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`   // always yes; direction comes from action
	Action        string `json:"action"` // buy or sell
	Count         int    `json:"count"`
	Type          string `json:"type"` // limit
	YesPrice      int    `json:"yes_price"`
	TimeInForce   string `json:"time_in_force"`
}

type orderResponse struct {
	Order struct {
		OrderID       string `json:"order_id"`
		Status        string `json:"status"`
		TakerFillCnt  int    `json:"taker_fill_count"`
		TakerFillCost int    `json:"taker_fill_cost"` // cents total
		YesPrice      int    `json:"yes_price"`
	} `json:"order"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the Kalshi trade API. Every call borrows a session token;
// a 401 invalidates the session and retries once with a fresh login before
// surfacing ErrAuthExpired.
type Client struct {
	http    *resty.Client
	session *Session
	rl      *venue.RateLimiter
	dryRun  bool
	logger  *slog.Logger
}

// NewClient creates a REST client sharing the given session.
func NewClient(cfg config.KalshiConfig, session *Session, dryRun bool, logger *slog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json"),
		session: session,
		rl:      venue.NewKalshiLimiter(),
		dryRun:  dryRun,
		logger:  logger.With("component", "kalshi_client"),
	}
}

// do executes an authenticated request, refreshing the session once on 401.
func (c *Client) do(ctx context.Context, build func(*resty.Request) *resty.Request, method, path string) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.session.Token(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := build(c.http.R().SetContext(ctx).SetAuthToken(token)).Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			if attempt == 0 {
				c.logger.Warn("session rejected, forcing re-login")
				c.session.Invalidate()
				continue
			}
			return nil, fmt.Errorf("%s %s: %w", method, path, types.ErrAuthExpired)
		}
		return resp, nil
	}
}

// ListMarkets pages through open binary markets.
func (c *Client) ListMarkets(ctx context.Context) ([]types.Market, error) {
	var (
		markets []types.Market
		cursor  string
	)

	for {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return nil, err
		}

		var page marketsPage
		resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
			r.SetQueryParam("status", "open").
				SetQueryParam("limit", "1000").
				SetResult(&page)
			if cursor != "" {
				r.SetQueryParam("cursor", cursor)
			}
			return r
		}, http.MethodGet, "/markets")
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, m := range page.Markets {
			if converted, ok := convertMarket(m); ok {
				markets = append(markets, converted)
			}
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	c.logger.Info("catalog fetched", "markets", len(markets))
	return markets, nil
}

func convertMarket(m wireMarket) (types.Market, bool) {
	if m.MarketType != "binary" || m.Status != "active" && m.Status != "open" {
		return types.Market{}, false
	}
	open, err := time.Parse(time.RFC3339, m.OpenTime)
	if err != nil {
		return types.Market{}, false
	}
	close, err := time.Parse(time.RFC3339, m.CloseTime)
	if err != nil {
		return types.Market{}, false
	}
	return types.Market{
		Venue:            types.VenueKalshi,
		Ticker:           m.Ticker,
		Title:            m.Title,
		EventName:        m.EventTicker,
		ResolutionSource: m.RulesURL,
		OpenTime:         open,
		CloseTime:        close,
		Category:         m.Category,
		Binary:           true,
	}, true
}

// GetBook fetches the resting orderbook for one market. Both sides arrive as
// bids in cents; the NO side flips into YES asks during normalization.
func (c *Client) GetBook(ctx context.Context, ticker string) (yes, no market.RawBook, err error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return market.RawBook{}, market.RawBook{}, err
	}

	var book wireBook
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetResult(&book)
	}, http.MethodGet, "/markets/"+ticker+"/orderbook")
	if err != nil {
		return market.RawBook{}, market.RawBook{}, fmt.Errorf("get orderbook: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return market.RawBook{}, market.RawBook{}, fmt.Errorf("get orderbook: status %d: %s", resp.StatusCode(), resp.String())
	}

	return market.RawBook{Bids: toRawLevels(book.Orderbook.Yes)},
		market.RawBook{Bids: toRawLevels(book.Orderbook.No)}, nil
}

// PlaceOrder submits an order.
func (c *Client) PlaceOrder(ctx context.Context, req orderRequest) (*orderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"ticker", req.Ticker, "action", req.Action, "count", req.Count, "yes_price", req.YesPrice)
		out := &orderResponse{}
		out.Order.OrderID = "dry-run"
		out.Order.Status = "executed"
		out.Order.TakerFillCnt = req.Count
		out.Order.TakerFillCost = req.Count * req.YesPrice
		return out, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var out orderResponse
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetBody(req).SetResult(&out).SetError(&out)
	}, http.MethodPost, "/portfolio/orders")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		reason := out.Error.Message
		if reason == "" {
			reason = resp.String()
		}
		return nil, fmt.Errorf("place order: %s: %w", reason, types.ErrRejected)
	}
	return &out, nil
}

// GetOrder returns the venue-native status string for one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (string, error) {
	if c.dryRun {
		return "executed", nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return "", err
	}

	var out orderResponse
	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r.SetResult(&out)
	}, http.MethodGet, "/portfolio/orders/"+orderID)
	if err != nil {
		return "", fmt.Errorf("get order: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out.Order.Status, nil
}

// CancelOrder cancels a resting order. Orders already gone count as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.do(ctx, func(r *resty.Request) *resty.Request {
		return r
	}, http.MethodDelete, "/portfolio/orders/"+orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// toRawLevels converts [price_cents, count] tuples to raw levels, still in
// cents; Normalize applies the /100 scale.
func toRawLevels(levels [][2]float64) []market.RawLevel {
	out := make([]market.RawLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, market.RawLevel{Price: lvl[0], Size: lvl[1]})
	}
	return out
}
