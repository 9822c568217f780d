package backtest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"prediction-arb/pkg/types"
)

// LoadSnapshots reads recorded book snapshots from a CSV file and groups
// them by market key ("venue:market_id"), each series sorted ascending by
// time. Expected headers (case-insensitive, order-free):
//
//	time|timestamp, venue, market|market_id|ticker,
//	bid_px_1..bid_px_3, bid_sz_1..bid_sz_3,
//	ask_px_1..ask_px_3, ask_sz_1..ask_sz_3
//
// Plain bid_px/bid_sz/ask_px/ask_sz name level 1. Timestamps accept RFC3339
// or UNIX seconds. Rows missing a timestamp, venue, market, or any parseable
// level are skipped; unknown columns are ignored.
func LoadSnapshots(path string) (map[string][]types.BookSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshots: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	out := make(map[string][]types.BookSnapshot)
	var headers []string

	for rowIdx := 0; ; rowIdx++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read snapshots row %d: %w", rowIdx, err)
		}
		if rowIdx == 0 {
			headers = rec
			continue
		}

		row := make(map[string]string, len(headers))
		for j, h := range headers {
			if j < len(rec) {
				row[strings.ToLower(strings.TrimSpace(h))] = strings.TrimSpace(rec[j])
			}
		}

		ts := first(row, "time", "timestamp")
		venue := first(row, "venue")
		market := first(row, "market", "market_id", "ticker")
		if ts == "" || venue == "" || market == "" {
			continue
		}
		at, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}

		snap := types.BookSnapshot{
			Market:    types.MarketRef{Venue: types.Venue(venue), MarketID: market},
			Timestamp: at,
			Bids:      readLevels(row, "bid"),
			Asks:      readLevels(row, "ask"),
		}
		if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
			continue
		}
		key := snap.Market.Key()
		out[key] = append(out[key], snap)
	}

	for key := range out {
		series := out[key]
		sort.SliceStable(series, func(i, j int) bool {
			return series[i].Timestamp.Before(series[j].Timestamp)
		})
		out[key] = series
	}
	return out, nil
}

// readLevels extracts up to maxFillLevels book levels for one side. Levels
// must be contiguous from 1; a gap ends the ladder.
func readLevels(row map[string]string, side string) []types.BookLevel {
	var levels []types.BookLevel
	for i := 1; i <= maxFillLevels; i++ {
		pxKey := fmt.Sprintf("%s_px_%d", side, i)
		szKey := fmt.Sprintf("%s_sz_%d", side, i)
		px := row[pxKey]
		sz := row[szKey]
		if i == 1 && px == "" {
			px = row[side+"_px"]
			sz = row[side+"_sz"]
		}
		if px == "" || sz == "" {
			break
		}
		price, err1 := strconv.ParseFloat(px, 64)
		size, err2 := strconv.ParseFloat(sz, 64)
		if err1 != nil || err2 != nil || price <= 0 || price >= 1 || size <= 0 {
			break
		}
		levels = append(levels, types.BookLevel{Price: price, Size: size})
	}
	return levels
}

// parseTimeFlexible supports RFC3339 or UNIX seconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// first returns the first non-empty value for keys in m.
func first(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
