package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"prediction-arb/pkg/types"
)

const edgeInsertSQL = `
INSERT INTO edges (
    pair_id, ts, gross_edge_cents, friction_cents, slippage_cents,
    net_edge_cents, side, max_size, hedge_probability,
    leader, leader_stable, signal_conf, fee_rev_hash
)
VALUES (
    @pair_id, @ts, @gross, @friction, @slippage,
    @net, @side, @max_size, @hedge_prob,
    @leader, @leader_stable, @conf, @fee_rev_hash
);
`

// InsertEdge appends one emitted edge signal to the history table.
func (s *Postgres) InsertEdge(ctx context.Context, sig types.EdgeSignal) error {
	args := pgx.NamedArgs{
		"pair_id":       sig.PairID,
		"ts":            sig.Timestamp,
		"gross":         sig.GrossEdgeCents,
		"friction":      sig.FrictionCents,
		"slippage":      sig.SlippageCents,
		"net":           sig.NetEdgeCents,
		"side":          string(sig.PrimarySide),
		"max_size":      sig.MaxSize,
		"hedge_prob":    sig.HedgeProbability,
		"leader":        string(sig.Leader),
		"leader_stable": sig.LeaderStable,
		"conf":          sig.Confidence,
		"fee_rev_hash":  sig.FrictionVersion,
	}
	if _, err := s.pool.Exec(ctx, edgeInsertSQL, args); err != nil {
		return fmt.Errorf("insert edge for pair %d: %w", sig.PairID, err)
	}
	return nil
}

const recentEdgesSQL = `
SELECT pair_id, ts, gross_edge_cents, friction_cents, slippage_cents,
       net_edge_cents, side, max_size, hedge_probability,
       leader, leader_stable, signal_conf, fee_rev_hash
FROM edges
ORDER BY net_edge_cents DESC, ts DESC
LIMIT $1;
`

// RecentEdges returns stored edge signals sorted by net edge descending.
func (s *Postgres) RecentEdges(ctx context.Context, limit int) ([]EdgeRecord, error) {
	rows, err := s.pool.Query(ctx, recentEdgesSQL, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var records []EdgeRecord
	for rows.Next() {
		var (
			rec          EdgeRecord
			side, leader string
		)
		if err := rows.Scan(
			&rec.PairID, &rec.Timestamp, &rec.GrossEdgeCents, &rec.FrictionCents,
			&rec.SlippageCents, &rec.NetEdgeCents, &side, &rec.MaxSize,
			&rec.HedgeProbability, &leader, &rec.LeaderStable, &rec.Confidence,
			&rec.FrictionVersion,
		); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		rec.PrimarySide = types.Side(side)
		rec.Leader = types.Venue(leader)
		rec.RecordedAt = rec.Timestamp
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return records, nil
}

const orderbookInsertSQL = `
INSERT INTO orderbooks (market_id, ts, bid_px, bid_sz, ask_px, ask_sz, lvl2_json)
VALUES (@market_id, @ts, @bid_px, @bid_sz, @ask_px, @ask_sz, @lvl2::jsonb);
`

// InsertOrderbook archives one book snapshot under its catalog market id.
// Top-of-book lands in dedicated columns; the full ladder goes to jsonb.
func (s *Postgres) InsertOrderbook(ctx context.Context, marketID int64, snap types.BookSnapshot) error {
	lvl2, err := gojson.Marshal(struct {
		Bids []types.BookLevel `json:"bids"`
		Asks []types.BookLevel `json:"asks"`
	}{snap.Bids, snap.Asks})
	if err != nil {
		return fmt.Errorf("encode book levels: %w", err)
	}

	args := pgx.NamedArgs{
		"market_id": marketID,
		"ts":        snap.Timestamp,
		"bid_px":    nil,
		"bid_sz":    nil,
		"ask_px":    nil,
		"ask_sz":    nil,
		"lvl2":      lvl2,
	}
	if bid, ok := snap.BestBid(); ok {
		args["bid_px"] = bid.Price
		args["bid_sz"] = bid.Size
	}
	if ask, ok := snap.BestAsk(); ok {
		args["ask_px"] = ask.Price
		args["ask_sz"] = ask.Size
	}
	if _, err := s.pool.Exec(ctx, orderbookInsertSQL, args); err != nil {
		return fmt.Errorf("insert orderbook %s: %w", snap.Market.Key(), err)
	}
	return nil
}

const orderInsertSQL = `
INSERT INTO orders (id, venue, market_id, side, px, qty, ts_sent, ts_ack, status)
VALUES (@id, @venue, @market_id, @side, @px, @qty, @ts_sent, @ts_ack, @status)
ON CONFLICT (id) DO UPDATE SET
    ts_ack = COALESCE(EXCLUDED.ts_ack, orders.ts_ack),
    status = EXCLUDED.status;
`

// RecordOrder upserts one order lifecycle row.
func (s *Postgres) RecordOrder(ctx context.Context, rec OrderRecord) error {
	args := pgx.NamedArgs{
		"id":        rec.ID,
		"venue":     string(rec.Venue),
		"market_id": rec.MarketID,
		"side":      string(rec.Side),
		"px":        rec.Price,
		"qty":       rec.Qty,
		"ts_sent":   rec.SentAt,
		"ts_ack":    nullableTime(rec.AckAt),
		"status":    string(rec.Status),
	}
	if _, err := s.pool.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("record order %s: %w", rec.ID, err)
	}
	return nil
}

const orderStatusSQL = `
UPDATE orders
SET status = @status,
    ts_ack = COALESCE(@ts_ack, ts_ack)
WHERE id = @id;
`

// UpdateOrderStatus advances one order's lifecycle state.
func (s *Postgres) UpdateOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, ackAt time.Time) error {
	args := pgx.NamedArgs{
		"id":     orderID,
		"status": string(status),
		"ts_ack": nullableTime(ackAt),
	}
	if _, err := s.pool.Exec(ctx, orderStatusSQL, args); err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	return nil
}

const fillInsertSQL = `
INSERT INTO fills (order_id, px, qty, ts_fill, fee, slippage_cents)
VALUES (@order_id, @px, @qty, @ts_fill, @fee, @slippage_cents);
`

// InsertFill appends one fill against a previously recorded order.
func (s *Postgres) InsertFill(ctx context.Context, f types.Fill) error {
	args := pgx.NamedArgs{
		"order_id":       f.OrderID,
		"px":             f.Price,
		"qty":            f.Size,
		"ts_fill":        f.Timestamp,
		"fee":            f.Fee,
		"slippage_cents": f.SlippageCents,
	}
	if _, err := s.pool.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("insert fill for order %s: %w", f.OrderID, err)
	}
	return nil
}

const recentFillsSQL = `
SELECT f.order_id, f.px, f.qty, f.ts_fill, f.fee, f.slippage_cents,
       o.venue, o.market_id, o.side
FROM fills f
JOIN orders o ON o.id = f.order_id
ORDER BY f.ts_fill DESC
LIMIT $1;
`

// RecentFills returns the latest fills joined with their order context.
func (s *Postgres) RecentFills(ctx context.Context, limit int) ([]FillRecord, error) {
	rows, err := s.pool.Query(ctx, recentFillsSQL, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var records []FillRecord
	for rows.Next() {
		var (
			rec         FillRecord
			venue, side string
		)
		if err := rows.Scan(
			&rec.OrderID, &rec.Price, &rec.Size, &rec.Timestamp, &rec.Fee,
			&rec.SlippageCents, &venue, &rec.MarketID, &side,
		); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		rec.Venue = types.Venue(venue)
		rec.Side = types.Side(side)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fills: %w", err)
	}
	return records, nil
}

const positionSelectSQL = `
SELECT venue, market_id, size, avg_price, realized_pnl, updated_at
FROM positions
WHERE venue = $1 AND market_id = $2;
`

// GetPosition loads one position, or nil when the market has never traded.
func (s *Postgres) GetPosition(ctx context.Context, venue types.Venue, marketID string) (*types.Position, error) {
	var (
		pos       types.Position
		venueStr  string
		updatedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, positionSelectSQL, string(venue), marketID).Scan(
		&venueStr, &pos.MarketID, &pos.Size, &pos.AvgPrice, &pos.Realized, &updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s:%s: %w", venue, marketID, err)
	}
	pos.Venue = types.Venue(venueStr)
	if updatedAt.Valid {
		pos.UpdatedAt = updatedAt.Time
	}
	return &pos, nil
}

const positionUpsertSQL = `
INSERT INTO positions (venue, market_id, size, avg_price, realized_pnl, updated_at)
VALUES (@venue, @market_id, @size, @avg_price, @realized_pnl, @updated_at)
ON CONFLICT (venue, market_id) DO UPDATE SET
    size = EXCLUDED.size,
    avg_price = EXCLUDED.avg_price,
    realized_pnl = EXCLUDED.realized_pnl,
    updated_at = EXCLUDED.updated_at;
`

// UpsertPosition writes the result of a read-modify-write position update.
func (s *Postgres) UpsertPosition(ctx context.Context, pos types.Position) error {
	updatedAt := pos.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	args := pgx.NamedArgs{
		"venue":        string(pos.Venue),
		"market_id":    pos.MarketID,
		"size":         pos.Size,
		"avg_price":    pos.AvgPrice,
		"realized_pnl": pos.Realized,
		"updated_at":   updatedAt,
	}
	if _, err := s.pool.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert position %s:%s: %w", pos.Venue, pos.MarketID, err)
	}
	return nil
}

const positionsListSQL = `
SELECT venue, market_id, size, avg_price, realized_pnl, updated_at
FROM positions
ORDER BY venue, market_id;
`

// ListPositions returns every position row.
func (s *Postgres) ListPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, positionsListSQL)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		var (
			pos       types.Position
			venueStr  string
			updatedAt pgtype.Timestamptz
		)
		if err := rows.Scan(
			&venueStr, &pos.MarketID, &pos.Size, &pos.AvgPrice, &pos.Realized, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		pos.Venue = types.Venue(venueStr)
		if updatedAt.Valid {
			pos.UpdatedAt = updatedAt.Time
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return positions, nil
}
