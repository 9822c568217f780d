// Package polymarket implements the Polymarket venue: catalog fetch over the
// gamma API, realtime books over the CLOB websocket, and order placement with
// EIP-712 signed orders against the CLOB REST API.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

const endCursor = "LTE=" // CLOB pagination sentinel for the last page

// WireOrder is the signed order body the CLOB expects. All uint256 fields
// travel as decimal strings.
type WireOrder struct {
	Salt        string `json:"salt"`
	Maker       string `json:"maker"`
	Market      string `json:"market"`
	Outcome     string `json:"outcome"`
	Price       string `json:"price"`       // ticks at 6 decimals
	MakerAmount string `json:"makerAmount"` // collateral or shares at 6 decimals
	Nonce       string `json:"nonce"`
	Expiry      string `json:"expiry"` // unix seconds
	IsBuy       bool   `json:"isBuy"`
}

type orderPayload struct {
	Order     WireOrder `json:"order"`
	Signature string    `json:"signature"`
	OrderType string    `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	Taking   string `json:"takingAmount"`
	Making   string `json:"makingAmount"`
	AvgPrice string `json:"avgPrice"`
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Hash      string      `json:"hash"`
	Timestamp string      `json:"timestamp"`
}

type catalogToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

type catalogMarket struct {
	ConditionID      string         `json:"condition_id"`
	QuestionID       string         `json:"question_id"`
	Question         string         `json:"question"`
	Slug             string         `json:"market_slug"`
	Category         string         `json:"category"`
	Tags             []string       `json:"tags"`
	ResolutionSource string         `json:"resolution_source"`
	StartDateISO     string         `json:"start_date_iso"`
	EndDateISO       string         `json:"end_date_iso"`
	Active           bool           `json:"active"`
	Closed           bool           `json:"closed"`
	AcceptingOrders  bool           `json:"accepting_orders"`
	Tokens           []catalogToken `json:"tokens"`
}

type catalogPage struct {
	Data       []catalogMarket `json:"data"`
	NextCursor string          `json:"next_cursor"`
}

// TokenPair maps one binary market to its YES and NO token ids.
type TokenPair struct {
	Yes string
	No  string
}

// Client wraps the CLOB and gamma REST APIs with rate limiting, retry, and
// bearer auth. Mutating methods short-circuit in dry-run mode.
type Client struct {
	clob   *resty.Client
	gamma  *resty.Client
	rl     *venue.RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates a REST client for both CLOB and gamma endpoints.
func NewClient(cfg config.PolymarketConfig, dryRun bool, logger *slog.Logger) *Client {
	newHTTP := func(base string) *resty.Client {
		c := resty.New().
			SetBaseURL(base).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json")
		if cfg.ApiKey != "" {
			c.SetAuthToken(cfg.ApiKey)
		}
		return c
	}

	return &Client{
		clob:   newHTTP(cfg.CLOBBaseURL),
		gamma:  newHTTP(cfg.GammaBaseURL),
		rl:     venue.NewPolymarketLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "polymarket_client"),
	}
}

// ListMarkets pages through the catalog and returns open binary markets
// together with their token ids. Markets that are closed, inactive, or not
// accepting orders are skipped.
func (c *Client) ListMarkets(ctx context.Context) ([]types.Market, map[string]TokenPair, error) {
	var (
		markets []types.Market
		tokens  = make(map[string]TokenPair)
		cursor  string
	)

	for {
		if err := c.rl.Read.Wait(ctx); err != nil {
			return nil, nil, err
		}

		var page catalogPage
		req := c.gamma.R().
			SetContext(ctx).
			SetQueryParam("limit", "500").
			SetResult(&page)
		if cursor != "" {
			req.SetQueryParam("next_cursor", cursor)
		}
		resp, err := req.Get("/markets")
		if err != nil {
			return nil, nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, m := range page.Data {
			market, pair, ok := convertMarket(m)
			if !ok {
				continue
			}
			markets = append(markets, market)
			tokens[market.Ticker] = pair
		}

		if page.NextCursor == "" || page.NextCursor == endCursor {
			break
		}
		cursor = page.NextCursor
	}

	c.logger.Info("catalog fetched", "markets", len(markets))
	return markets, tokens, nil
}

func convertMarket(m catalogMarket) (types.Market, TokenPair, bool) {
	if m.Closed || !m.Active || !m.AcceptingOrders || len(m.Tokens) != 2 {
		return types.Market{}, TokenPair{}, false
	}

	var pair TokenPair
	for _, tok := range m.Tokens {
		switch tok.Outcome {
		case "Yes", "YES":
			pair.Yes = tok.TokenID
		case "No", "NO":
			pair.No = tok.TokenID
		}
	}
	if pair.Yes == "" || pair.No == "" {
		return types.Market{}, TokenPair{}, false
	}

	open, _ := time.Parse(time.RFC3339, m.StartDateISO)
	close, err := time.Parse(time.RFC3339, m.EndDateISO)
	if err != nil {
		return types.Market{}, TokenPair{}, false
	}

	return types.Market{
		Venue:            types.VenuePolymarket,
		Ticker:           m.ConditionID,
		Title:            m.Question,
		EventName:        m.Slug,
		ResolutionSource: m.ResolutionSource,
		OpenTime:         open,
		CloseTime:        close,
		Category:         m.Category,
		Tags:             m.Tags,
		Binary:           true,
	}, pair, true
}

// GetBook fetches the current book for one token over REST. Used for the
// initial load and the full resync after a feed reconnect.
func (c *Client) GetBook(ctx context.Context, tokenID string) (*bookResponse, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result bookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// PostOrder submits one signed order. Rejections surface as ErrRejected with
// the venue's reason attached.
func (c *Client) PostOrder(ctx context.Context, payload orderPayload) (*orderResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post order",
			"market", payload.Order.Market, "isBuy", payload.Order.IsBuy)
		return &orderResponse{Success: true, OrderID: "dry-run", Status: "matched"}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		SetError(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("post order: %w", types.ErrAuthExpired)
	}
	if resp.IsError() || !result.Success {
		reason := result.ErrorMsg
		if reason == "" {
			reason = resp.String()
		}
		return nil, fmt.Errorf("post order: %s: %w", reason, types.ErrRejected)
	}
	return &result, nil
}

// GetOrder returns the venue-native status string for one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (string, error) {
	if c.dryRun {
		return "matched", nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return "", err
	}

	var result struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/data/order/" + orderID)
	if err != nil {
		return "", fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Status, nil
}

// CancelOrder cancels one order by id. Cancelling an already-dead order is
// not an error; the venue reports it in not_canceled and we treat it as done.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	payload := struct {
		OrderID string `json:"orderID"`
	}{OrderID: orderID}

	var result cancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// toRawLevels parses wire levels, silently skipping malformed entries.
func toRawLevels(levels []wireLevel) []market.RawLevel {
	out := make([]market.RawLevel, 0, len(levels))
	for _, lvl := range levels {
		price, err1 := strconv.ParseFloat(lvl.Price, 64)
		size, err2 := strconv.ParseFloat(lvl.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, market.RawLevel{Price: price, Size: size})
	}
	return out
}
