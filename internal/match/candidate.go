// Package match builds and validates cross-venue market pairs. The pipeline
// runs in three stages: lexical blocking over the full venue-A x venue-B
// cross product, cheap hard rules, and an LLM equivalence check for whatever
// survives. Each stage only sees pairs the previous one passed, so the
// expensive LLM call runs on a small fraction of the candidate space.
package match

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"prediction-arb/internal/metrics"
	"prediction-arb/pkg/types"
)

var (
	uppercaseRe  = regexp.MustCompile(`\b[A-Z]{2,}\b`)
	numberUnitRe = regexp.MustCompile(`[$€£¥]?\d+\.?\d*%?`)
	// Capitalized runs like "Federal Reserve"; single short words are noise.
	capitalizedRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)

	monthRe   = regexp.MustCompile(`\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\b`)
	yearRe    = regexp.MustCompile(`\b20\d{2}\b`)
	quarterRe = regexp.MustCompile(`\bq[1-4]\b`)

	thresholdPhraseRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:above|over|exceeds?|≥|>=)\s*[$€£¥]?\d+\.?\d*%?`),
		regexp.MustCompile(`(?:below|under|less than|≤|<=)\s*[$€£¥]?\d+\.?\d*%?`),
		regexp.MustCompile(`[$€£¥]?\d+\.?\d*%?\s*(?:or more|or less|and above|and below)`),
	}
)

// tokenSet is a plain string set; the zero value is not usable, construct
// with newTokenSet.
type tokenSet map[string]struct{}

func newTokenSet() tokenSet { return make(tokenSet) }

func (s tokenSet) add(tok string) { s[tok] = struct{}{} }

func (s tokenSet) addAll(toks []string) {
	for _, tok := range toks {
		s[tok] = struct{}{}
	}
}

// BlockingKey is the lexical fingerprint of one market used to prune the
// candidate cross product before any per-pair work.
type BlockingKey struct {
	Category   string
	Entities   tokenSet
	DateTokens tokenSet
	Thresholds tokenSet
}

// NewBlockingKey derives the fingerprint from the market's event name and
// title. Category comes from the catalog record, falling back to the first
// tag when the venue supplies only tags.
func NewBlockingKey(m types.Market) BlockingKey {
	text := strings.TrimSpace(m.EventName + " " + m.Title)

	category := strings.ToLower(m.Category)
	if category == "" && len(m.Tags) > 0 {
		category = strings.ToLower(m.Tags[0])
	}

	return BlockingKey{
		Category:   category,
		Entities:   extractEntities(text),
		DateTokens: extractDates(text),
		Thresholds: extractThresholdPhrases(text),
	}
}

// extractEntities pulls likely entity tokens: all-caps words of two or more
// characters, numbers with currency or percent units, and capitalized runs
// longer than three characters. Everything is lowercased.
func extractEntities(text string) tokenSet {
	out := newTokenSet()
	for _, tok := range uppercaseRe.FindAllString(text, -1) {
		out.add(strings.ToLower(tok))
	}
	out.addAll(numberUnitRe.FindAllString(text, -1))
	for _, tok := range capitalizedRe.FindAllString(text, -1) {
		if len(tok) > 3 {
			out.add(strings.ToLower(tok))
		}
	}
	return out
}

// extractDates pulls month-name prefixes, four-digit years in this century,
// and quarter tokens.
func extractDates(text string) tokenSet {
	out := newTokenSet()
	lower := strings.ToLower(text)
	for _, groups := range monthRe.FindAllStringSubmatch(lower, -1) {
		out.add(groups[1])
	}
	out.addAll(yearRe.FindAllString(text, -1))
	out.addAll(quarterRe.FindAllString(lower, -1))
	return out
}

// extractThresholdPhrases pulls comparison phrases like "above 3.0" or
// "$100 or more", kept verbatim so an operator difference shows up as a
// disjoint token.
func extractThresholdPhrases(text string) tokenSet {
	out := newTokenSet()
	lower := strings.ToLower(text)
	for _, re := range thresholdPhraseRes {
		out.addAll(re.FindAllString(lower, -1))
	}
	return out
}

// Jaccard returns |a ∩ b| / |a ∪ b|, with 0 for two empty sets.
func Jaccard(a, b tokenSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// CandidateGenerator enumerates the venue cross product and keeps only pairs
// whose blocking keys overlap enough to be worth validating.
type CandidateGenerator struct {
	minJaccard float64
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewCandidateGenerator builds a generator with the entity-overlap floor.
func NewCandidateGenerator(minJaccard float64, m *metrics.Metrics, logger *slog.Logger) *CandidateGenerator {
	return &CandidateGenerator{
		minJaccard: minJaccard,
		metrics:    m,
		logger:     logger.With("component", "candidate_generator"),
	}
}

// pass applies the blocking criteria: categories must agree when both sides
// have one, date tokens must share at least half their union unless both
// sides are dateless, and entities must clear the Jaccard floor.
func (g *CandidateGenerator) pass(a, b BlockingKey) bool {
	if a.Category != "" && b.Category != "" && a.Category != b.Category {
		return false
	}
	if Jaccard(a.DateTokens, b.DateTokens) < 0.5 && (len(a.DateTokens) > 0 || len(b.DateTokens) > 0) {
		return false
	}
	return Jaccard(a.Entities, b.Entities) >= g.minJaccard
}

// Generate returns unvalidated candidate pairs, primary leg from the first
// slice and hedge leg from the second. Scores and validation flags start at
// their zero values for the downstream stages to fill.
func (g *CandidateGenerator) Generate(primary, hedge []types.Market) []types.MarketPair {
	primaryKeys := make([]BlockingKey, len(primary))
	for i, m := range primary {
		primaryKeys[i] = NewBlockingKey(m)
	}
	hedgeKeys := make([]BlockingKey, len(hedge))
	for i, m := range hedge {
		hedgeKeys[i] = NewBlockingKey(m)
	}

	var pairs []types.MarketPair
	blocked := 0
	now := time.Now().UTC()

	for i, pm := range primary {
		for j, hm := range hedge {
			if !g.pass(primaryKeys[i], hedgeKeys[j]) {
				blocked++
				continue
			}
			pairs = append(pairs, types.MarketPair{
				Primary: pm.Ref(),
				Hedge:   hm.Ref(),
				Window: types.MarketWindow{
					Open:       earlier(pm.OpenTime, hm.OpenTime),
					Close:      later(pm.CloseTime, hm.CloseTime),
					Resolution: later(pm.CloseTime, hm.CloseTime),
				},
				LastValidated: now,
			})
		}
	}

	g.metrics.AddMatchCandidates(len(pairs), blocked)
	total := len(pairs) + blocked
	reductionPct := 0.0
	if total > 0 {
		reductionPct = 100 * float64(blocked) / float64(total)
	}
	g.logger.Info("candidate generation complete",
		"candidates", len(pairs),
		"blocked", blocked,
		"reduction_pct", reductionPct,
	)
	return pairs
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
