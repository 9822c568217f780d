package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"prediction-arb/pkg/types"
)

// Scorer is the LLM surface the validator needs. Satisfied by LLMClient.
type Scorer interface {
	Score(ctx context.Context, prompt string) (Verdict, error)
}

// LLMValidator asks the model whether the two contracts settle identically
// and accepts the pair only above the similarity floor. A failed model call
// scores the pair 0 rather than aborting the pipeline.
type LLMValidator struct {
	scorer   Scorer
	minScore float64
	logger   *slog.Logger
}

// NewLLMValidator builds the validator over a scorer.
func NewLLMValidator(scorer Scorer, minScore float64, logger *slog.Logger) *LLMValidator {
	return &LLMValidator{
		scorer:   scorer,
		minScore: minScore,
		logger:   logger.With("component", "llm_validator"),
	}
}

// BuildPrompt renders the comparison prompt for one candidate pair.
func BuildPrompt(pair types.MarketPair) string {
	return fmt.Sprintf(`Compare these two prediction market contracts and determine if they represent the same underlying event and outcome.

Market A (%s):
- ID: %s
- Contract: %s

Market B (%s):
- ID: %s
- Contract: %s

Analyze the following:
1. Do they reference the same time window?
2. Do they define the same outcome (e.g., both "Yes" or both measuring the same threshold)?
3. Are the resolution sources compatible?
4. Are there any ambiguous clauses that could cause divergence?

Return a JSON object with:
- similarity: float between 0 and 1 (1 = exact equivalence)
- explanation: string explaining your reasoning
- field_matches: object with booleans for time_window, outcome_definition, resolution_source
`,
		pair.Primary.Venue, pair.Primary.MarketID, pair.Primary.Symbol,
		pair.Hedge.Venue, pair.Hedge.MarketID, pair.Hedge.Symbol,
	)
}

// Validate scores the pair and stamps the result. Pairs below the floor come
// back inactive with the score noted; model failures score 0 conservatively.
func (v *LLMValidator) Validate(ctx context.Context, pair types.MarketPair) types.MarketPair {
	verdict, err := v.scorer.Score(ctx, BuildPrompt(pair))
	if err != nil {
		v.logger.Error("equivalence scoring failed, rejecting pair",
			"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key(), "error", err)
		pair.LLMScore = 0
		pair.Active = false
		pair.Notes = fmt.Sprintf("LLM call failed: %v", err)
		pair.LastValidated = time.Now().UTC()
		return pair
	}

	pair.LLMScore = verdict.Similarity
	pair.LastValidated = time.Now().UTC()

	if verdict.Similarity < v.minScore {
		pair.Active = false
		pair.Notes = fmt.Sprintf("LLM score %.3f below threshold %g", verdict.Similarity, v.minScore)
		v.logger.Debug("pair scored below threshold",
			"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key(), "score", verdict.Similarity)
		return pair
	}

	pair.Active = true
	pair.Notes = ""
	v.logger.Info("pair validated",
		"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key(), "score", verdict.Similarity)
	return pair
}
