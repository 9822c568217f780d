package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"prediction-arb/pkg/types"
)

const marketUpsertSQL = `
INSERT INTO markets (
    venue, ticker, title, event_name, resolution_source,
    open_time, close_time, category, is_binary, created_at, updated_at
)
VALUES (
    @venue, @ticker, @title, @event_name, @resolution_source,
    @open_time, @close_time, @category, @is_binary, NOW(), NOW()
)
ON CONFLICT (venue, ticker) DO UPDATE SET
    title = EXCLUDED.title,
    event_name = EXCLUDED.event_name,
    resolution_source = EXCLUDED.resolution_source,
    open_time = EXCLUDED.open_time,
    close_time = EXCLUDED.close_time,
    category = EXCLUDED.category,
    is_binary = EXCLUDED.is_binary,
    updated_at = NOW()
RETURNING id;
`

// UpsertMarket inserts or refreshes one catalog row and returns its id.
func (s *Postgres) UpsertMarket(ctx context.Context, m types.Market) (int64, error) {
	args := pgx.NamedArgs{
		"venue":             string(m.Venue),
		"ticker":            m.Ticker,
		"title":             m.Title,
		"event_name":        m.EventName,
		"resolution_source": m.ResolutionSource,
		"open_time":         nullableTime(m.OpenTime),
		"close_time":        nullableTime(m.CloseTime),
		"category":          m.Category,
		"is_binary":         m.Binary,
	}
	var id int64
	if err := s.pool.QueryRow(ctx, marketUpsertSQL, args).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert market %s:%s: %w", m.Venue, m.Ticker, err)
	}
	return id, nil
}

const marketSelectSQL = `
SELECT id, venue, ticker, title, event_name, resolution_source,
       open_time, close_time, category, is_binary
FROM markets
WHERE venue = $1
ORDER BY ticker;
`

// ListMarkets returns the stored catalog for one venue.
func (s *Postgres) ListMarkets(ctx context.Context, venue types.Venue) ([]types.Market, error) {
	rows, err := s.pool.Query(ctx, marketSelectSQL, string(venue))
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var markets []types.Market
	for rows.Next() {
		var (
			m         types.Market
			venueStr  string
			openTime  pgtype.Timestamptz
			closeTime pgtype.Timestamptz
		)
		if err := rows.Scan(
			&m.ID, &venueStr, &m.Ticker, &m.Title, &m.EventName,
			&m.ResolutionSource, &openTime, &closeTime, &m.Category, &m.Binary,
		); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		m.Venue = types.Venue(venueStr)
		if openTime.Valid {
			m.OpenTime = openTime.Time
		}
		if closeTime.Valid {
			m.CloseTime = closeTime.Time
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markets: %w", err)
	}
	return markets, nil
}

const pairUpsertSQL = `
INSERT INTO market_pairs (
    market_a_id, market_b_id,
    window_open, window_close, window_resolution,
    llm_score, hard_rules_passed, active, last_validated, notes
)
VALUES (
    (SELECT id FROM markets WHERE venue = @venue_a AND ticker = @ticker_a),
    (SELECT id FROM markets WHERE venue = @venue_b AND ticker = @ticker_b),
    @window_open, @window_close, @window_resolution,
    @llm_score, @hard_rules_passed, @active, @last_validated, @notes
)
ON CONFLICT (market_a_id, market_b_id) DO UPDATE SET
    window_open = EXCLUDED.window_open,
    window_close = EXCLUDED.window_close,
    window_resolution = EXCLUDED.window_resolution,
    llm_score = EXCLUDED.llm_score,
    hard_rules_passed = EXCLUDED.hard_rules_passed,
    active = EXCLUDED.active,
    last_validated = EXCLUDED.last_validated,
    notes = EXCLUDED.notes
RETURNING id;
`

// UpsertPair persists one validated pair. Both leg markets must already be
// in the catalog; the returned pair carries its assigned id.
func (s *Postgres) UpsertPair(ctx context.Context, pair types.MarketPair) (types.MarketPair, error) {
	args := pgx.NamedArgs{
		"venue_a":           string(pair.Primary.Venue),
		"ticker_a":          pair.Primary.MarketID,
		"venue_b":           string(pair.Hedge.Venue),
		"ticker_b":          pair.Hedge.MarketID,
		"window_open":       nullableTime(pair.Window.Open),
		"window_close":      nullableTime(pair.Window.Close),
		"window_resolution": nullableTime(pair.Window.Resolution),
		"llm_score":         pair.LLMScore,
		"hard_rules_passed": pair.HardRulesPassed,
		"active":            pair.Active,
		"last_validated":    nullableTime(pair.LastValidated),
		"notes":             pair.Notes,
	}
	var id int64
	if err := s.pool.QueryRow(ctx, pairUpsertSQL, args).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pair, fmt.Errorf("upsert pair %s/%s: leg market not in catalog",
				pair.Primary.Key(), pair.Hedge.Key())
		}
		return pair, fmt.Errorf("upsert pair %s/%s: %w", pair.Primary.Key(), pair.Hedge.Key(), err)
	}
	pair.ID = id
	return pair, nil
}

const activePairsSQL = `
SELECT p.id,
       a.venue, a.ticker, a.title,
       b.venue, b.ticker, b.title,
       p.window_open, p.window_close, p.window_resolution,
       p.llm_score, p.hard_rules_passed, p.active, p.last_validated, p.notes
FROM market_pairs p
JOIN markets a ON a.id = p.market_a_id
JOIN markets b ON b.id = p.market_b_id
WHERE p.active AND p.hard_rules_passed
ORDER BY p.id;
`

// ListActivePairs returns every tradable pair with its leg refs rebuilt.
func (s *Postgres) ListActivePairs(ctx context.Context) ([]types.MarketPair, error) {
	rows, err := s.pool.Query(ctx, activePairsSQL)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()

	var pairs []types.MarketPair
	for rows.Next() {
		var (
			p                   types.MarketPair
			venueA, venueB      string
			winOpen, winClose   pgtype.Timestamptz
			winRes, validatedAt pgtype.Timestamptz
		)
		if err := rows.Scan(
			&p.ID,
			&venueA, &p.Primary.MarketID, &p.Primary.Symbol,
			&venueB, &p.Hedge.MarketID, &p.Hedge.Symbol,
			&winOpen, &winClose, &winRes,
			&p.LLMScore, &p.HardRulesPassed, &p.Active, &validatedAt, &p.Notes,
		); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		p.Primary.Venue = types.Venue(venueA)
		p.Hedge.Venue = types.Venue(venueB)
		if winOpen.Valid {
			p.Window.Open = winOpen.Time
		}
		if winClose.Valid {
			p.Window.Close = winClose.Time
		}
		if winRes.Valid {
			p.Window.Resolution = winRes.Time
		}
		if validatedAt.Valid {
			p.LastValidated = validatedAt.Time
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairs: %w", err)
	}
	return pairs, nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
