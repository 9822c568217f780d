package match

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// minMarketWindow is the shortest span a market may be open and still pair.
const minMarketWindow = time.Hour

// resolutionSynonyms collapses common source descriptions to one identifier
// so "Bureau of Labor Statistics CPI release" and "bls" compare equal.
// Checked in order; the first phrase contained in the text wins.
var resolutionSynonyms = []struct {
	phrase    string
	canonical string
}{
	{"official", "official_data"},
	{"bureau of labor statistics", "bls"},
	{"federal reserve", "fed"},
	{"new york times", "nyt"},
	{"associated press", "ap"},
}

// thresholdPatterns pair a comparison regex with its canonical operator.
// Order matters: the two-character operators must win over their one-character
// prefixes.
var thresholdPatterns = []struct {
	re *regexp.Regexp
	op string
}{
	{regexp.MustCompile(`(?:≥|>=|at least)\s*([\d.]+)`), ">="},
	{regexp.MustCompile(`(?:>|above|over|exceeds?)\s*([\d.]+)`), ">"},
	{regexp.MustCompile(`(?:≤|<=|at most)\s*([\d.]+)`), "<="},
	{regexp.MustCompile(`(?:<|below|under|less than)\s*([\d.]+)`), "<"},
}

// Threshold is a parsed comparison clause from a market title.
type Threshold struct {
	Operator string
	Value    float64
}

// ExtractThreshold parses the first comparison clause in the text, if any.
func ExtractThreshold(text string) (Threshold, bool) {
	lower := strings.ToLower(text)
	for _, pat := range thresholdPatterns {
		groups := pat.re.FindStringSubmatch(lower)
		if groups == nil {
			continue
		}
		value, err := strconv.ParseFloat(groups[1], 64)
		if err != nil {
			continue
		}
		return Threshold{Operator: pat.op, Value: value}, true
	}
	return Threshold{}, false
}

// NormalizeResolutionSource lowercases the source description and collapses
// known synonyms to their canonical identifier.
func NormalizeResolutionSource(text string) string {
	norm := strings.ToLower(strings.TrimSpace(text))
	for _, syn := range resolutionSynonyms {
		if strings.Contains(norm, syn.phrase) {
			return syn.canonical
		}
	}
	return norm
}

// RuleValidator applies the cheap structural checks that must hold before a
// pair is worth an LLM call: compatible time windows, aligned numeric
// thresholds, and compatible resolution sources.
type RuleValidator struct {
	tolerance         time.Duration
	allowedMismatches map[string]struct{}
	logger            *slog.Logger
}

// NewRuleValidator builds the validator from matching config. Allowed
// resolution-source mismatches are given as "source_a|source_b" entries in
// either order.
func NewRuleValidator(cfg config.MatchingConfig, logger *slog.Logger) *RuleValidator {
	allowed := make(map[string]struct{}, len(cfg.AllowedSourceMismatch))
	for _, entry := range cfg.AllowedSourceMismatch {
		parts := strings.SplitN(entry, "|", 2)
		if len(parts) != 2 {
			continue
		}
		allowed[mismatchKey(parts[0], parts[1])] = struct{}{}
	}
	return &RuleValidator{
		tolerance:         cfg.TimeWindowTolerance,
		allowedMismatches: allowed,
		logger:            logger.With("component", "rule_validator"),
	}
}

// mismatchKey builds an order-independent lookup key for a source pair.
func mismatchKey(a, b string) string {
	pair := []string{NormalizeResolutionSource(a), NormalizeResolutionSource(b)}
	sort.Strings(pair)
	return pair[0] + "|" + pair[1]
}

// Validate runs every hard rule against the candidate, using the two catalog
// records behind the pair's legs. On failure the pair comes back with
// HardRulesPassed false and the failed checks named in Notes; the LLM stage
// must not be consulted for such pairs.
func (v *RuleValidator) Validate(pair types.MarketPair, primary, hedge types.Market) types.MarketPair {
	var failed []string

	if reason := v.checkTimeWindow(primary, hedge); reason != "" {
		failed = append(failed, "time_window")
		v.logger.Debug("rule failed", "check", "time_window", "reason", reason,
			"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key())
	}
	if reason := v.checkThresholds(pair, primary, hedge); reason != "" {
		failed = append(failed, "threshold")
		v.logger.Debug("rule failed", "check", "threshold", "reason", reason,
			"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key())
	}
	if reason := v.checkResolutionSources(primary, hedge); reason != "" {
		failed = append(failed, "resolution_source")
		v.logger.Debug("rule failed", "check", "resolution_source", "reason", reason,
			"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key())
	}

	if len(failed) > 0 {
		pair.HardRulesPassed = false
		pair.Notes = "Failed: " + strings.Join(failed, ", ")
	} else {
		pair.HardRulesPassed = true
		pair.Notes = ""
	}
	return pair
}

// checkTimeWindow requires each market to run for at least an hour and the
// two close times to land within the configured tolerance.
func (v *RuleValidator) checkTimeWindow(primary, hedge types.Market) string {
	if primary.CloseTime.Sub(primary.OpenTime) < minMarketWindow {
		return "primary market window too short"
	}
	if hedge.CloseTime.Sub(hedge.OpenTime) < minMarketWindow {
		return "hedge market window too short"
	}
	diff := primary.CloseTime.Sub(hedge.CloseTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.tolerance {
		return fmt.Sprintf("close times %s apart", diff)
	}
	return ""
}

// checkThresholds requires both sides to carry the same comparison clause:
// same operator, values within a cent. A clause on exactly one side means
// the contracts measure different things.
func (v *RuleValidator) checkThresholds(pair types.MarketPair, primary, hedge types.Market) string {
	primaryText := pair.Primary.MarketID + " " + primary.Title
	hedgeText := pair.Hedge.MarketID + " " + hedge.Title

	pt, pOK := ExtractThreshold(primaryText)
	ht, hOK := ExtractThreshold(hedgeText)

	if pOK != hOK {
		return "one market has a threshold, the other does not"
	}
	if !pOK {
		return ""
	}
	if pt.Operator != ht.Operator || abs(pt.Value-ht.Value) > 0.01 {
		return fmt.Sprintf("threshold mismatch: %s%g vs %s%g", pt.Operator, pt.Value, ht.Operator, ht.Value)
	}
	return ""
}

// checkResolutionSources compares normalized sources, honoring the explicit
// allow-list. Markets that do not state a source are not rejected for it.
func (v *RuleValidator) checkResolutionSources(primary, hedge types.Market) string {
	a := NormalizeResolutionSource(primary.ResolutionSource)
	b := NormalizeResolutionSource(hedge.ResolutionSource)
	if a == "" || b == "" || a == b {
		return ""
	}
	if _, ok := v.allowedMismatches[mismatchKey(a, b)]; ok {
		return ""
	}
	return fmt.Sprintf("resolution sources differ: %s vs %s", a, b)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
