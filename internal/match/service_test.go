package match

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

type scorerFunc func(ctx context.Context, prompt string) (Verdict, error)

func (f scorerFunc) Score(ctx context.Context, prompt string) (Verdict, error) {
	return f(ctx, prompt)
}

type memPairStore struct {
	mu    sync.Mutex
	pairs []types.MarketPair
}

func (s *memPairStore) UpsertPair(_ context.Context, pair types.MarketPair) (types.MarketPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair.ID = int64(len(s.pairs) + 1)
	s.pairs = append(s.pairs, pair)
	return pair, nil
}

func (s *memPairStore) stored() []types.MarketPair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MarketPair(nil), s.pairs...)
}

func serviceConfig() config.MatchingConfig {
	return config.MatchingConfig{
		MinJaccard:          0.3,
		TimeWindowTolerance: 24 * time.Hour,
		MinLLMScore:         0.85,
		Workers:             2,
	}
}

// catalogMarket builds a market that clears the blocking stage: shared
// category, event dates, and entity overlap with its counterpart.
func catalogMarket(venue types.Venue, ticker, title string) types.Market {
	m := testMarket(venue, ticker, title, "economics")
	m.EventName = "US CPI September 2025"
	m.ResolutionSource = "Bureau of Labor Statistics"
	return m
}

func TestRunSkipsModelWhenRulesReject(t *testing.T) {
	t.Parallel()

	scorer := scorerFunc(func(context.Context, string) (Verdict, error) {
		t.Error("model called for a rules-rejected pair")
		return Verdict{}, nil
	})
	store := &memPairStore{}
	svc := NewService(serviceConfig(), scorer, store, nil, quietLogger())

	// Thresholds disagree (3.0 vs 3.5): the pair clears blocking but must be
	// rejected by hard rules before any model call.
	primary := []types.Market{catalogMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 in September")}
	hedge := []types.Market{catalogMarket(types.VenueKalshi, "CPI-SEP-T3.5", "CPI above 3.5 in September")}

	res, err := svc.Run(context.Background(), primary, hedge)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Candidates != 1 {
		t.Errorf("candidates = %d, want 1", res.Candidates)
	}
	if res.RulesRejected != 1 {
		t.Errorf("rules rejected = %d, want 1", res.RulesRejected)
	}
	if len(res.Validated) != 0 {
		t.Errorf("validated = %d pairs, want 0", len(res.Validated))
	}
	if got := store.stored(); len(got) != 0 {
		t.Errorf("rules-rejected pair was persisted: %+v", got)
	}
}

func TestRunValidatesEquivalentPair(t *testing.T) {
	t.Parallel()

	var prompt string
	scorer := scorerFunc(func(_ context.Context, p string) (Verdict, error) {
		prompt = p
		return Verdict{
			Similarity:  0.95,
			Explanation: "same CPI release, same threshold",
			FieldMatches: FieldMatches{
				TimeWindow:        true,
				OutcomeDefinition: true,
				ResolutionSource:  true,
			},
		}, nil
	})
	store := &memPairStore{}
	svc := NewService(serviceConfig(), scorer, store, nil, quietLogger())

	primary := []types.Market{catalogMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 in September")}
	hedge := []types.Market{catalogMarket(types.VenueKalshi, "CPI-SEP-T3.0", "CPI above 3.0 in September")}

	res, err := svc.Run(context.Background(), primary, hedge)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Validated) != 1 {
		t.Fatalf("validated = %d pairs, want 1", len(res.Validated))
	}
	pair := res.Validated[0]
	if !pair.Active || !pair.HardRulesPassed {
		t.Errorf("pair not fully validated: %+v", pair)
	}
	if pair.LLMScore != 0.95 {
		t.Errorf("LLMScore = %v, want 0.95", pair.LLMScore)
	}
	if pair.ID != 1 {
		t.Errorf("pair ID = %d, want store-assigned 1", pair.ID)
	}
	if len(store.stored()) != 1 {
		t.Errorf("store holds %d pairs, want 1", len(store.stored()))
	}
	if !strings.Contains(prompt, "CPI above 3.0 in September") {
		t.Errorf("prompt missing contract title:\n%s", prompt)
	}
	if !strings.Contains(prompt, "0xabc") || !strings.Contains(prompt, "CPI-SEP-T3.0") {
		t.Errorf("prompt missing market ids:\n%s", prompt)
	}
}

func TestRunCountsModelRejections(t *testing.T) {
	t.Parallel()

	scorer := scorerFunc(func(context.Context, string) (Verdict, error) {
		return Verdict{Similarity: 0.50, Explanation: "different strikes"}, nil
	})
	store := &memPairStore{}
	svc := NewService(serviceConfig(), scorer, store, nil, quietLogger())

	primary := []types.Market{catalogMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 in September")}
	hedge := []types.Market{catalogMarket(types.VenueKalshi, "CPI-SEP-T3.0", "CPI above 3.0 in September")}

	res, err := svc.Run(context.Background(), primary, hedge)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.LLMRejected != 1 {
		t.Errorf("llm rejected = %d, want 1", res.LLMRejected)
	}
	if len(res.Validated) != 0 {
		t.Errorf("validated = %d pairs, want 0", len(res.Validated))
	}

	// Score-rejected pairs are still written so the rejection is auditable.
	got := store.stored()
	if len(got) != 1 {
		t.Fatalf("store holds %d pairs, want 1", len(got))
	}
	if got[0].Active {
		t.Error("rejected pair stored as active")
	}
	if !strings.Contains(got[0].Notes, "below threshold") {
		t.Errorf("stored notes = %q, want rejection reason", got[0].Notes)
	}
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()

	scorer := scorerFunc(func(context.Context, string) (Verdict, error) {
		t.Error("model called after cancellation")
		return Verdict{}, nil
	})
	svc := NewService(serviceConfig(), scorer, nil, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := []types.Market{catalogMarket(types.VenuePolymarket, "0xabc", "CPI above 3.0 in September")}
	hedge := []types.Market{catalogMarket(types.VenueKalshi, "CPI-SEP-T3.0", "CPI above 3.0 in September")}

	if _, err := svc.Run(ctx, primary, hedge); err == nil {
		t.Fatal("expected context error")
	}
}
