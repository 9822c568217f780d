// ws.go maintains the realtime market feed. The CLOB pushes full "book"
// snapshots per token plus incremental "price_change" deltas; both fold into
// a per-market raw state that is renormalized into a canonical snapshot on
// every update. Reconnects use exponential backoff and trigger a REST resync
// so no delta is applied to a stale base.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/internal/metrics"
	"prediction-arb/internal/venue"
	"prediction-arb/pkg/types"
)

const (
	pingInterval = 50 * time.Second // keep-alive cadence
	readTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout = 10 * time.Second
)

type wsSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

type wsBookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Buys      []wireLevel `json:"buys"`
	Sells     []wireLevel `json:"sells"`
	Hash      string      `json:"hash"`
}

type wsPriceChange struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Changes   []struct {
		Price string `json:"price"`
		Side  string `json:"side"`
		Size  string `json:"size"`
	} `json:"changes"`
}

// Adapter is the Polymarket implementation of venue.Adapter.
type Adapter struct {
	client *Client
	cfg    config.PolymarketConfig
	ingest config.IngestConfig

	health  *venue.HealthTracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	tokens map[string]TokenPair // condition id -> token ids, filled by FetchMarkets

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewAdapter wires the REST client and feed state into one venue adapter.
func NewAdapter(cfg config.PolymarketConfig, ingest config.IngestConfig, dryRun bool,
	health *venue.HealthTracker, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:  NewClient(cfg, dryRun, logger),
		cfg:     cfg,
		ingest:  ingest,
		health:  health,
		metrics: m,
		logger:  logger.With("component", "polymarket_feed"),
		tokens:  make(map[string]TokenPair),
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() types.Venue { return types.VenuePolymarket }

// Client exposes the REST client for the executor.
func (a *Adapter) Client() *Client { return a.client }

// FetchMarkets implements venue.Adapter. Token ids learned here are kept for
// feed subscriptions.
func (a *Adapter) FetchMarkets(ctx context.Context) ([]types.Market, error) {
	markets, tokens, err := a.client.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("polymarket catalog: %w", err)
	}

	a.mu.Lock()
	for id, pair := range tokens {
		a.tokens[id] = pair
	}
	a.mu.Unlock()

	return markets, nil
}

// tokenPair resolves a condition id to its token ids.
func (a *Adapter) tokenPair(conditionID string) (TokenPair, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	pair, ok := a.tokens[conditionID]
	return pair, ok
}

// rawState is the working book for one market, both token sides.
type rawState struct {
	ref types.MarketRef
	yes market.RawBook
	no  market.RawBook
}

// StreamBooks implements venue.Adapter. Blocks until ctx ends or the feed
// fails MaxConsecutiveFailures times in a row without a single snapshot.
func (a *Adapter) StreamBooks(ctx context.Context, refs []types.MarketRef, out chan types.BookSnapshot) error {
	states := make(map[string]*rawState, len(refs)) // keyed by condition id
	byToken := make(map[string]*tokenSlot)          // token id -> state + side

	var assetIDs []string
	for _, ref := range refs {
		pair, ok := a.tokenPair(ref.MarketID)
		if !ok {
			a.logger.Warn("no token ids for market, skipping", "market", ref.MarketID)
			continue
		}
		st := &rawState{ref: ref}
		states[ref.MarketID] = st
		byToken[pair.Yes] = &tokenSlot{state: st, yes: true}
		byToken[pair.No] = &tokenSlot{state: st, yes: false}
		assetIDs = append(assetIDs, pair.Yes, pair.No)
	}
	if len(assetIDs) == 0 {
		return fmt.Errorf("polymarket feed: no subscribable markets")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.ingest.ReconnectInitial
	policy.MaxInterval = a.ingest.ReconnectMax

	for {
		err := a.connectAndRead(ctx, assetIDs, byToken, states, out, policy)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.metrics.ObserveFeedFailure(string(types.VenuePolymarket))
		failures := a.health.RecordFailure(types.VenuePolymarket)
		if a.ingest.MaxConsecutiveFailures > 0 && failures >= a.ingest.MaxConsecutiveFailures {
			a.health.MarkDown(types.VenuePolymarket)
			return fmt.Errorf("polymarket feed failed %d times in a row: %w", failures, err)
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = a.ingest.ReconnectMax
		}
		a.logger.Warn("feed disconnected, reconnecting",
			"error", err, "backoff", sleep, "failures", failures)
		a.metrics.ObserveReconnect(string(types.VenuePolymarket))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

type tokenSlot struct {
	state *rawState
	yes   bool
}

func (a *Adapter) connectAndRead(ctx context.Context, assetIDs []string, byToken map[string]*tokenSlot,
	states map[string]*rawState, out chan types.BookSnapshot, policy *backoff.ExponentialBackOff) error {

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSMarketURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	if err := a.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: assetIDs}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	a.logger.Info("feed connected", "assets", len(assetIDs))
	policy.Reset()

	// Refetch books over REST so deltas never land on a stale base.
	a.resync(ctx, byToken, states, out)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go a.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		a.dispatchMessage(msg, byToken, out)
	}
}

// resync seeds every tracked market's raw state from REST snapshots and
// emits the resulting canonical books.
func (a *Adapter) resync(ctx context.Context, byToken map[string]*tokenSlot,
	states map[string]*rawState, out chan types.BookSnapshot) {

	for tokenID, slot := range byToken {
		book, err := a.client.GetBook(ctx, tokenID)
		if err != nil {
			a.logger.Warn("resync fetch failed", "token", tokenID, "error", err)
			continue
		}
		raw := market.RawBook{
			Bids: toRawLevels(book.Bids),
			Asks: toRawLevels(book.Asks),
		}
		if slot.yes {
			slot.state.yes = raw
		} else {
			slot.state.no = raw
		}
	}
	for _, st := range states {
		a.emit(st, out)
	}
}

func (a *Adapter) dispatchMessage(data []byte, byToken map[string]*tokenSlot, out chan types.BookSnapshot) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := gojson.Unmarshal(data, &envelope); err != nil {
		a.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "book":
		var evt wsBookEvent
		if err := gojson.Unmarshal(data, &evt); err != nil {
			a.logger.Error("unmarshal book event", "error", err)
			return
		}
		slot, ok := byToken[evt.AssetID]
		if !ok {
			return
		}
		raw := market.RawBook{Bids: toRawLevels(evt.Buys), Asks: toRawLevels(evt.Sells)}
		if slot.yes {
			slot.state.yes = raw
		} else {
			slot.state.no = raw
		}
		a.emit(slot.state, out)

	case "price_change":
		var evt wsPriceChange
		if err := gojson.Unmarshal(data, &evt); err != nil {
			a.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		slot, ok := byToken[evt.AssetID]
		if !ok {
			return
		}
		book := &slot.state.no
		if slot.yes {
			book = &slot.state.yes
		}
		for _, ch := range evt.Changes {
			price, err1 := strconv.ParseFloat(ch.Price, 64)
			size, err2 := strconv.ParseFloat(ch.Size, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			if ch.Side == "BUY" {
				book.Bids = upsertLevel(book.Bids, price, size)
			} else {
				book.Asks = upsertLevel(book.Asks, price, size)
			}
		}
		a.emit(slot.state, out)

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		a.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		a.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

// upsertLevel replaces the level at price, removing it when size is zero.
func upsertLevel(levels []market.RawLevel, price, size float64) []market.RawLevel {
	for i, lvl := range levels {
		if lvl.Price == price {
			if size <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size <= 0 {
		return levels
	}
	return append(levels, market.RawLevel{Price: price, Size: size})
}

func (a *Adapter) emit(st *rawState, out chan types.BookSnapshot) {
	bids, asks := market.Normalize(st.yes, st.no, 1, a.ingest.MaxDepth)
	snap := types.BookSnapshot{
		Market:    st.ref,
		Timestamp: time.Now(),
		Bids:      bids,
		Asks:      asks,
	}
	venue.Publish(out, snap, a.metrics, a.logger)
	a.health.RecordSnapshot(types.VenuePolymarket, snap.Timestamp)
}

func (a *Adapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				a.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (a *Adapter) writeJSON(v interface{}) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteJSON(v)
}

func (a *Adapter) writeMessage(msgType int, data []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteMessage(msgType, data)
}
