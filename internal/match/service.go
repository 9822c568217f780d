package match

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"prediction-arb/internal/config"
	"prediction-arb/internal/metrics"
	"prediction-arb/pkg/types"
)

// PairStore persists validated pairs. Satisfied by the postgres store; a nil
// store skips persistence, which the offline matcher uses for dry runs.
type PairStore interface {
	UpsertPair(ctx context.Context, pair types.MarketPair) (types.MarketPair, error)
}

// Service wires the three matching stages together: blocking over the cross
// product, hard rules, then the LLM check. Candidates that fail hard rules
// never reach the model.
type Service struct {
	generator *CandidateGenerator
	rules     *RuleValidator
	llm       *LLMValidator
	store     PairStore
	workers   int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewService assembles the pipeline from config.
func NewService(cfg config.MatchingConfig, scorer Scorer, store PairStore, m *metrics.Metrics, logger *slog.Logger) *Service {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		generator: NewCandidateGenerator(cfg.MinJaccard, m, logger),
		rules:     NewRuleValidator(cfg, logger),
		llm:       NewLLMValidator(scorer, cfg.MinLLMScore, logger),
		store:     store,
		workers:   workers,
		metrics:   m,
		logger:    logger.With("component", "matching_service"),
	}
}

// Result reports one pipeline run.
type Result struct {
	Candidates    int
	RulesRejected int
	LLMRejected   int
	Validated     []types.MarketPair
}

// Run matches the two venue catalogs and returns the validated pairs.
// Rules-passing pairs are evaluated by the model on a bounded worker pool
// and upserted (accepted and score-rejected alike, so rejection reasons are
// auditable); rules-rejected candidates are dropped without persistence.
func (s *Service) Run(ctx context.Context, primary, hedge []types.Market) (Result, error) {
	byKey := make(map[string]types.Market, len(primary)+len(hedge))
	for _, m := range primary {
		byKey[m.Ref().Key()] = m
	}
	for _, m := range hedge {
		byKey[m.Ref().Key()] = m
	}

	candidates := s.generator.Generate(primary, hedge)
	result := Result{Candidates: len(candidates)}

	var survivors []types.MarketPair
	for _, cand := range candidates {
		checked := s.rules.Validate(cand, byKey[cand.Primary.Key()], byKey[cand.Hedge.Key()])
		if !checked.HardRulesPassed {
			result.RulesRejected++
			continue
		}
		survivors = append(survivors, checked)
	}

	var (
		mu        sync.Mutex
		validated []types.MarketPair
		rejected  int
	)
	p := pool.New().WithMaxGoroutines(s.workers)
	for _, cand := range survivors {
		cand := cand
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			scored := s.llm.Validate(ctx, cand)
			scored = s.persist(ctx, scored)
			mu.Lock()
			if scored.Active {
				validated = append(validated, scored)
			} else {
				rejected++
			}
			mu.Unlock()
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return result, err
	}

	sort.Slice(validated, func(i, j int) bool {
		if validated[i].Primary.Key() != validated[j].Primary.Key() {
			return validated[i].Primary.Key() < validated[j].Primary.Key()
		}
		return validated[i].Hedge.Key() < validated[j].Hedge.Key()
	})

	result.LLMRejected = rejected
	result.Validated = validated
	s.metrics.SetPairsActive(len(validated))
	s.logger.Info("matching run complete",
		"candidates", result.Candidates,
		"rules_rejected", result.RulesRejected,
		"llm_rejected", result.LLMRejected,
		"validated", len(validated),
	)
	return result, nil
}

// persist upserts the scored pair when a store is wired, carrying back the
// assigned pair id.
func (s *Service) persist(ctx context.Context, pair types.MarketPair) types.MarketPair {
	if s.store == nil {
		return pair
	}
	stored, err := s.store.UpsertPair(ctx, pair)
	if err != nil {
		s.logger.Error("pair upsert failed",
			"primary", pair.Primary.Key(), "hedge", pair.Hedge.Key(), "error", err)
		return pair
	}
	return stored
}
