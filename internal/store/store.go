// Package store is the durable sink for engine state: market catalogs,
// validated pairs, edge history, order lifecycle, fills, positions, and
// config versions.
//
// Two implementations share the Store interface: Postgres (pgx pool,
// embedded golang-migrate schema) for live trading, and Memory for tests
// and dry runs. Writes are idempotent upserts keyed on natural keys, so
// replaying an event after a crash cannot duplicate rows. Nothing here
// sits on the hot path; the engine hands records to background writers.
package store

import (
	"context"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"prediction-arb/pkg/types"
)

// List query limits.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OrderRecord is one row of the order lifecycle table.
type OrderRecord struct {
	ID       string            `json:"id"`
	Venue    types.Venue       `json:"venue"`
	MarketID string            `json:"market_id"`
	Side     types.Side        `json:"side"`
	Price    float64           `json:"px"`
	Qty      float64           `json:"qty"`
	SentAt   time.Time         `json:"ts_sent"`
	AckAt    time.Time         `json:"ts_ack,omitempty"` // zero until acknowledged
	Status   types.OrderStatus `json:"status"`
}

// FillRecord is a fill joined with its order for read projections.
type FillRecord struct {
	types.Fill
	Venue    types.Venue `json:"venue"`
	MarketID string      `json:"market_id"`
	Side     types.Side  `json:"side"`
}

// EdgeRecord is an edge signal row with its insert timestamp preserved.
type EdgeRecord struct {
	types.EdgeSignal
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the persistence surface shared by Postgres and Memory.
type Store interface {
	UpsertMarket(ctx context.Context, m types.Market) (int64, error)
	ListMarkets(ctx context.Context, venue types.Venue) ([]types.Market, error)

	UpsertPair(ctx context.Context, pair types.MarketPair) (types.MarketPair, error)
	ListActivePairs(ctx context.Context) ([]types.MarketPair, error)

	InsertEdge(ctx context.Context, sig types.EdgeSignal) error
	RecentEdges(ctx context.Context, limit int) ([]EdgeRecord, error)

	InsertOrderbook(ctx context.Context, marketID int64, snap types.BookSnapshot) error

	RecordOrder(ctx context.Context, rec OrderRecord) error
	UpdateOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, ackAt time.Time) error
	InsertFill(ctx context.Context, f types.Fill) error
	RecentFills(ctx context.Context, limit int) ([]FillRecord, error)

	GetPosition(ctx context.Context, venue types.Venue, marketID string) (*types.Position, error)
	UpsertPosition(ctx context.Context, pos types.Position) error
	ListPositions(ctx context.Context) ([]types.Position, error)

	AppendEvent(ctx context.Context, eventType string, payload any) error
	SaveConfig(ctx context.Context, key string, version int, val any) error

	Close()
}

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

const eventInsertSQL = `
INSERT INTO events (ts, type, payload)
VALUES (NOW(), @type, @payload::jsonb);
`

// AppendEvent records an audit event with a JSON payload.
func (s *Postgres) AppendEvent(ctx context.Context, eventType string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("event payload: %w", err)
	}
	args := pgx.NamedArgs{"type": eventType, "payload": data}
	if _, err := s.pool.Exec(ctx, eventInsertSQL, args); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const configUpsertSQL = `
INSERT INTO configs (key, version, val, ts)
VALUES (@key, @version, @val::jsonb, NOW())
ON CONFLICT (key, version) DO UPDATE SET
    val = EXCLUDED.val,
    ts = NOW();
`

// SaveConfig stores one versioned config value.
func (s *Postgres) SaveConfig(ctx context.Context, key string, version int, val any) error {
	data, err := encodePayload(val)
	if err != nil {
		return fmt.Errorf("config value: %w", err)
	}
	args := pgx.NamedArgs{"key": key, "version": version, "val": data}
	if _, err := s.pool.Exec(ctx, configUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert config %s: %w", key, err)
	}
	return nil
}

func encodePayload(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return gojson.Marshal(v)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
