package market

import (
	"sort"

	"prediction-arb/pkg/types"
)

// RawLevel is one price level as reported by a venue feed, before scaling.
type RawLevel struct {
	Price float64
	Size  float64
}

// RawBook is one token's book as reported by a venue feed.
type RawBook struct {
	Bids []RawLevel
	Asks []RawLevel
}

// Normalize folds a YES book and an optional NO book into canonical
// YES-denominated sides. NO-side levels flip across the complement: a NO bid
// at p is willingness to sell YES at 1-p, so it lands on the ask side, and a
// NO ask becomes a YES bid the same way. Prices are divided by scale first
// (100 for cent-quoted venues, 1 for probability-quoted ones). Levels with
// non-positive size or a transformed price outside (0,1) are dropped. Bids
// sort descending and asks ascending, each truncated to depth levels.
func Normalize(yes, no RawBook, scale float64, depth int) (bids, asks []types.BookLevel) {
	if scale <= 0 {
		scale = 1
	}

	for _, lvl := range yes.Bids {
		if l, ok := scaled(lvl, scale); ok {
			bids = append(bids, l)
		}
	}
	for _, lvl := range yes.Asks {
		if l, ok := scaled(lvl, scale); ok {
			asks = append(asks, l)
		}
	}
	for _, lvl := range no.Bids {
		if l, ok := complemented(lvl, scale); ok {
			asks = append(asks, l)
		}
	}
	for _, lvl := range no.Asks {
		if l, ok := complemented(lvl, scale); ok {
			bids = append(bids, l)
		}
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	if depth > 0 {
		if len(bids) > depth {
			bids = bids[:depth]
		}
		if len(asks) > depth {
			asks = asks[:depth]
		}
	}
	return bids, asks
}

func scaled(lvl RawLevel, scale float64) (types.BookLevel, bool) {
	p := lvl.Price / scale
	if lvl.Size <= 0 || p <= 0 || p >= 1 {
		return types.BookLevel{}, false
	}
	return types.BookLevel{Price: p, Size: lvl.Size}, true
}

func complemented(lvl RawLevel, scale float64) (types.BookLevel, bool) {
	p := 1 - lvl.Price/scale
	if lvl.Size <= 0 || p <= 0 || p >= 1 {
		return types.BookLevel{}, false
	}
	return types.BookLevel{Price: p, Size: lvl.Size}, true
}
