package match

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"prediction-arb/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func has(s tokenSet, tok string) bool {
	_, ok := s[tok]
	return ok
}

func TestExtractEntities(t *testing.T) {
	t.Parallel()

	got := extractEntities("Will CPI exceed 3.0% in September? Federal Reserve decision")

	for _, want := range []string{"cpi", "3.0%", "federal reserve"} {
		if !has(got, want) {
			t.Errorf("entities missing %q: %v", want, got)
		}
	}
	// "Will" is a capitalized word of length 4 — included; "in" is not.
	if !has(got, "will") {
		t.Errorf("entities missing capitalized word: %v", got)
	}
	if has(got, "in") {
		t.Errorf("entities should not include short lowercase words: %v", got)
	}
}

func TestExtractDates(t *testing.T) {
	t.Parallel()

	got := extractDates("CPI for September 2025, reported in Q4")

	for _, want := range []string{"sep", "2025", "q4"} {
		if !has(got, want) {
			t.Errorf("dates missing %q: %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Errorf("dates = %v, want exactly 3 tokens", got)
	}
}

func TestExtractThresholdPhrases(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want string
	}{
		{"CPI above 3.0 in September", "above 3.0"},
		{"price $100 or more", "$100 or more"},
		{"unemployment below 4%", "below 4%"},
	}
	for _, tc := range cases {
		got := extractThresholdPhrases(tc.text)
		if !has(got, tc.want) {
			t.Errorf("extractThresholdPhrases(%q) = %v, want to contain %q", tc.text, got, tc.want)
		}
	}
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	a := tokenSet{"cpi": {}, "2025": {}, "sep": {}}
	b := tokenSet{"cpi": {}, "2025": {}, "oct": {}}

	if got := Jaccard(a, b); got != 0.5 {
		t.Errorf("Jaccard = %v, want 0.5", got)
	}
	if got := Jaccard(nil, nil); got != 0 {
		t.Errorf("Jaccard of empty sets = %v, want 0", got)
	}
	if got := Jaccard(a, a); got != 1 {
		t.Errorf("Jaccard of identical sets = %v, want 1", got)
	}
}

func testMarket(venue types.Venue, ticker, title string, tags ...string) types.Market {
	open := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	return types.Market{
		Venue:     venue,
		Ticker:    ticker,
		Title:     title,
		OpenTime:  open,
		CloseTime: open.Add(30 * 24 * time.Hour),
		Tags:      tags,
		Binary:    true,
	}
}

func TestGenerateBlocksOnCategoryMismatch(t *testing.T) {
	t.Parallel()

	g := NewCandidateGenerator(0.3, nil, quietLogger())
	primary := []types.Market{testMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 September 2025", "economics")}
	hedge := []types.Market{testMarket(types.VenueKalshi, "CPI-SEP", "CPI above 3.0 September 2025", "politics")}

	if pairs := g.Generate(primary, hedge); len(pairs) != 0 {
		t.Errorf("pairs = %d, want 0 for category mismatch", len(pairs))
	}
}

func TestGenerateBlocksOnDateDisjoint(t *testing.T) {
	t.Parallel()

	g := NewCandidateGenerator(0.3, nil, quietLogger())
	primary := []types.Market{testMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 September 2025")}
	hedge := []types.Market{testMarket(types.VenueKalshi, "CPI-MAR", "CPI above 3.0 March 2024")}

	if pairs := g.Generate(primary, hedge); len(pairs) != 0 {
		t.Errorf("pairs = %d, want 0 for disjoint dates", len(pairs))
	}
}

func TestGenerateAcceptsMatchingKeys(t *testing.T) {
	t.Parallel()

	g := NewCandidateGenerator(0.3, nil, quietLogger())
	pm := testMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 September 2025")
	km := testMarket(types.VenueKalshi, "CPI-SEP", "US CPI above 3.0 September 2025")
	km.CloseTime = pm.CloseTime.Add(2 * time.Hour)

	pairs := g.Generate([]types.Market{pm}, []types.Market{km})
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}

	pair := pairs[0]
	if pair.Primary.Venue != types.VenuePolymarket || pair.Hedge.Venue != types.VenueKalshi {
		t.Errorf("pair venues = %s/%s", pair.Primary.Venue, pair.Hedge.Venue)
	}
	if !pair.Window.Open.Equal(pm.OpenTime) {
		t.Errorf("window open = %v, want earlier open %v", pair.Window.Open, pm.OpenTime)
	}
	if !pair.Window.Close.Equal(km.CloseTime) {
		t.Errorf("window close = %v, want later close %v", pair.Window.Close, km.CloseTime)
	}
	if pair.HardRulesPassed || pair.Active || pair.LLMScore != 0 {
		t.Errorf("candidate should start unvalidated: %+v", pair)
	}
}

func TestGenerateEntityFloor(t *testing.T) {
	t.Parallel()

	// Jaccard floor of 0.9 blocks a pair whose titles only partially overlap.
	strict := NewCandidateGenerator(0.9, nil, quietLogger())
	primary := []types.Market{testMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 September 2025")}
	hedge := []types.Market{testMarket(types.VenueKalshi, "CPI-SEP", "US inflation CPI above 3.0 report September 2025")}

	if pairs := strict.Generate(primary, hedge); len(pairs) != 0 {
		t.Errorf("pairs = %d, want 0 under strict floor", len(pairs))
	}

	loose := NewCandidateGenerator(0.3, nil, quietLogger())
	if pairs := loose.Generate(primary, hedge); len(pairs) != 1 {
		t.Errorf("pairs = %d, want 1 under default floor", len(pairs))
	}
}
