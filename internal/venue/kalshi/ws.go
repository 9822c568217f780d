// ws.go maintains the realtime orderbook feed. The venue pushes a full
// orderbook_snapshot per subscribed market followed by orderbook_delta
// updates; both sides arrive as YES/NO bids in cents and are renormalized
// into canonical snapshots on every change.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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
	pingInterval = 10 * time.Second
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

type wsCommand struct {
	ID     int             `json:"id"`
	Cmd    string          `json:"cmd"`
	Params wsCommandParams `json:"params"`
}

type wsCommandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

type wsEnvelope struct {
	Type string            `json:"type"`
	Msg  gojson.RawMessage `json:"msg"`
}

type wsSnapshotMsg struct {
	MarketTicker string       `json:"market_ticker"`
	Yes          [][2]float64 `json:"yes"`
	No           [][2]float64 `json:"no"`
}

type wsDeltaMsg struct {
	MarketTicker string  `json:"market_ticker"`
	Price        float64 `json:"price"`
	Delta        float64 `json:"delta"`
	Side         string  `json:"side"`
}

// Adapter is the Kalshi implementation of venue.Adapter.
type Adapter struct {
	client  *Client
	session *Session
	cfg     config.KalshiConfig
	ingest  config.IngestConfig

	health  *venue.HealthTracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	cmdID int

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewAdapter builds the adapter with its own session and REST client.
// tokenSlack is how long before JWT expiry a refresh happens.
func NewAdapter(cfg config.KalshiConfig, ingest config.IngestConfig, tokenSlack time.Duration,
	dryRun bool, health *venue.HealthTracker, m *metrics.Metrics, logger *slog.Logger) *Adapter {
	session := NewSession(cfg, tokenSlack, logger)
	return &Adapter{
		client:  NewClient(cfg, session, dryRun, logger),
		session: session,
		cfg:     cfg,
		ingest:  ingest,
		health:  health,
		metrics: m,
		logger:  logger.With("component", "kalshi_feed"),
	}
}

// Name implements venue.Adapter.
func (a *Adapter) Name() types.Venue { return types.VenueKalshi }

// Client exposes the REST client for the executor.
func (a *Adapter) Client() *Client { return a.client }

// FetchMarkets implements venue.Adapter.
func (a *Adapter) FetchMarkets(ctx context.Context) ([]types.Market, error) {
	markets, err := a.client.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("kalshi catalog: %w", err)
	}
	return markets, nil
}

// rawState is the working book for one market, both sides in cents.
type rawState struct {
	ref types.MarketRef
	yes market.RawBook
	no  market.RawBook
}

// StreamBooks implements venue.Adapter.
func (a *Adapter) StreamBooks(ctx context.Context, refs []types.MarketRef, out chan types.BookSnapshot) error {
	states := make(map[string]*rawState, len(refs)) // keyed by ticker
	tickers := make([]string, 0, len(refs))
	for _, ref := range refs {
		states[ref.MarketID] = &rawState{ref: ref}
		tickers = append(tickers, ref.MarketID)
	}
	if len(tickers) == 0 {
		return fmt.Errorf("kalshi feed: no subscribable markets")
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.ingest.ReconnectInitial
	policy.MaxInterval = a.ingest.ReconnectMax

	for {
		err := a.connectAndRead(ctx, tickers, states, out, policy)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.metrics.ObserveFeedFailure(string(types.VenueKalshi))
		failures := a.health.RecordFailure(types.VenueKalshi)
		if a.ingest.MaxConsecutiveFailures > 0 && failures >= a.ingest.MaxConsecutiveFailures {
			a.health.MarkDown(types.VenueKalshi)
			return fmt.Errorf("kalshi feed failed %d times in a row: %w", failures, err)
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = a.ingest.ReconnectMax
		}
		a.logger.Warn("feed disconnected, reconnecting",
			"error", err, "backoff", sleep, "failures", failures)
		a.metrics.ObserveReconnect(string(types.VenueKalshi))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (a *Adapter) connectAndRead(ctx context.Context, tickers []string, states map[string]*rawState,
	out chan types.BookSnapshot, policy *backoff.ExponentialBackOff) error {

	token, err := a.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSURL, header)
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

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	a.cmdID++
	sub := wsCommand{
		ID:  a.cmdID,
		Cmd: "subscribe",
		Params: wsCommandParams{
			Channels:      []string{"orderbook_snapshot", "orderbook_delta"},
			MarketTickers: tickers,
		},
	}
	if err := a.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	a.logger.Info("feed connected", "tickers", len(tickers))
	policy.Reset()

	// The venue replays a fresh snapshot per market on every subscribe, but
	// books that stay quiet would otherwise be stale until their first
	// event, so seed them over REST as well.
	a.resync(ctx, states, out)

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

		a.dispatchMessage(msg, states, out)
	}
}

func (a *Adapter) resync(ctx context.Context, states map[string]*rawState, out chan types.BookSnapshot) {
	for ticker, st := range states {
		yes, no, err := a.client.GetBook(ctx, ticker)
		if err != nil {
			a.logger.Warn("resync fetch failed", "ticker", ticker, "error", err)
			continue
		}
		st.yes, st.no = yes, no
		a.emit(st, out)
	}
}

func (a *Adapter) dispatchMessage(data []byte, states map[string]*rawState, out chan types.BookSnapshot) {
	var envelope wsEnvelope
	if err := gojson.Unmarshal(data, &envelope); err != nil {
		a.logger.Debug("ignoring non-json ws message")
		return
	}

	switch envelope.Type {
	case "orderbook_snapshot":
		var msg wsSnapshotMsg
		if err := gojson.Unmarshal(envelope.Msg, &msg); err != nil {
			a.logger.Error("unmarshal orderbook_snapshot", "error", err)
			return
		}
		st, ok := states[msg.MarketTicker]
		if !ok {
			return
		}
		st.yes = market.RawBook{Bids: toRawLevels(msg.Yes)}
		st.no = market.RawBook{Bids: toRawLevels(msg.No)}
		a.emit(st, out)

	case "orderbook_delta":
		var msg wsDeltaMsg
		if err := gojson.Unmarshal(envelope.Msg, &msg); err != nil {
			a.logger.Error("unmarshal orderbook_delta", "error", err)
			return
		}
		st, ok := states[msg.MarketTicker]
		if !ok {
			return
		}
		book := &st.no
		if msg.Side == "yes" {
			book = &st.yes
		}
		book.Bids = applyDelta(book.Bids, msg.Price, msg.Delta)
		a.emit(st, out)

	case "subscribed", "ok":
		a.logger.Debug("subscription acknowledged")

	case "error":
		a.logger.Error("feed error message", "msg", string(envelope.Msg))

	default:
		a.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

// applyDelta adjusts the resting count at a price level, dropping the level
// when it reaches zero.
func applyDelta(levels []market.RawLevel, price, delta float64) []market.RawLevel {
	for i, lvl := range levels {
		if lvl.Price == price {
			next := lvl.Size + delta
			if next <= 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = next
			return levels
		}
	}
	if delta <= 0 {
		return levels
	}
	return append(levels, market.RawLevel{Price: price, Size: delta})
}

func (a *Adapter) emit(st *rawState, out chan types.BookSnapshot) {
	bids, asks := market.Normalize(st.yes, st.no, 100, a.ingest.MaxDepth)
	snap := types.BookSnapshot{
		Market:    st.ref,
		Timestamp: time.Now(),
		Bids:      bids,
		Asks:      asks,
	}
	venue.Publish(out, snap, a.metrics, a.logger)
	a.health.RecordSnapshot(types.VenueKalshi, snap.Timestamp)
}

func (a *Adapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeMessage(websocket.PingMessage, nil); err != nil {
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
