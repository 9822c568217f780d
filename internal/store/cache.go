package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"prediction-arb/pkg/types"
)

// Cache key TTLs. Edge signals go stale fast; book tops faster.
const (
	edgeTTL   = 60 * time.Second
	bookTTL   = 30 * time.Second
	healthTTL = 15 * time.Second
)

// Cache is the optional Redis hot layer in front of Postgres: the latest
// edge per pair, top-of-book per market, and venue health, all under short
// TTLs so external dashboards can poll without touching the durable store.
//
// A nil *Cache is valid and turns every method into a no-op, so callers
// never branch on whether Redis is configured.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewCache connects to Redis. An empty addr disables the cache and returns
// nil, which every method tolerates.
func NewCache(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Cache, error) {
	if addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Cache{client: client, logger: logger.With("component", "cache")}, nil
}

// Close releases the Redis connection.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Warn("redis close failed", "error", err)
	}
}

// SetEdge caches the latest edge signal for its pair.
func (c *Cache) SetEdge(ctx context.Context, sig types.EdgeSignal) {
	if c == nil {
		return
	}
	c.set(ctx, "arb:edge:"+strconv.FormatInt(sig.PairID, 10), sig, edgeTTL)
}

// GetEdge returns the cached edge for one pair, or false on miss.
func (c *Cache) GetEdge(ctx context.Context, pairID int64) (types.EdgeSignal, bool) {
	var sig types.EdgeSignal
	if c == nil {
		return sig, false
	}
	data, err := c.client.Get(ctx, "arb:edge:"+strconv.FormatInt(pairID, 10)).Bytes()
	if err != nil {
		return sig, false
	}
	if err := gojson.Unmarshal(data, &sig); err != nil {
		return sig, false
	}
	return sig, true
}

// SetBookTop caches the top of book for one market.
func (c *Cache) SetBookTop(ctx context.Context, snap types.BookSnapshot) {
	if c == nil {
		return
	}
	top := struct {
		Bid *types.BookLevel `json:"bid,omitempty"`
		Ask *types.BookLevel `json:"ask,omitempty"`
		Ts  time.Time        `json:"ts"`
	}{Ts: snap.Timestamp}
	if bid, ok := snap.BestBid(); ok {
		top.Bid = &bid
	}
	if ask, ok := snap.BestAsk(); ok {
		top.Ask = &ask
	}
	c.set(ctx, "arb:book:"+snap.Market.Key(), top, bookTTL)
}

// SetVenueStatus caches one venue's feed status string.
func (c *Cache) SetVenueStatus(ctx context.Context, venue types.Venue, status string) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, "arb:health:"+string(venue), status, healthTTL).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", "arb:health:"+string(venue), "error", err)
	}
}

// set marshals v and writes it under key. Cache writes are best-effort;
// failures are logged, never surfaced.
func (c *Cache) set(ctx context.Context, key string, v any, ttl time.Duration) {
	data, err := gojson.Marshal(v)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
