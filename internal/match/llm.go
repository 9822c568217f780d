package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	gojson "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"prediction-arb/internal/config"
	"prediction-arb/internal/metrics"
)

const (
	llmMaxAttempts    = 3
	llmRequestTimeout = 30 * time.Second

	systemPrompt = "You are an expert at analyzing prediction market contracts " +
		"for equivalence. Return valid JSON only."
)

// errPermanent marks provider failures that retrying cannot fix.
var errPermanent = errors.New("permanent provider error")

// Verdict is the structured reply the model must return.
type Verdict struct {
	Similarity   float64      `json:"similarity"`
	Explanation  string       `json:"explanation"`
	FieldMatches FieldMatches `json:"field_matches"`
}

// FieldMatches breaks the equivalence judgment into its components.
type FieldMatches struct {
	TimeWindow        bool `json:"time_window"`
	OutcomeDefinition bool `json:"outcome_definition"`
	ResolutionSource  bool `json:"resolution_source"`
}

// Usage records one provider call for cost accounting.
type Usage struct {
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// UsageSummary aggregates the call history for reporting.
type UsageSummary struct {
	TotalCalls   int                `json:"total_calls"`
	TotalTokens  int                `json:"total_tokens"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	CallsByName  map[string]int     `json:"calls_by_provider"`
	CostByName   map[string]float64 `json:"cost_by_provider"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// provider bundles one chat-completions endpoint with its rate limiter and
// circuit breaker. The limiter paces to the provider's request quota; the
// breaker keeps a dead provider from eating the retry budget of every pair.
type provider struct {
	name       string
	model      string
	http       *resty.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	promptCost float64 // USD per 1M prompt tokens
	outputCost float64 // USD per 1M completion tokens
}

func newProvider(cfg config.LLMProviderConfig) *provider {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	settings := gobreaker.Settings{Name: cfg.Name}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.Timeout = 30 * time.Second

	return &provider{
		name:  cfg.Name,
		model: cfg.Model,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(llmRequestTimeout).
			SetAuthToken(cfg.ApiKey).
			SetHeader("Content-Type", "application/json"),
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		promptCost: cfg.PromptCostPer1M,
		outputCost: cfg.OutputCostPer1M,
	}
}

func (p *provider) configured() bool {
	return p != nil && p.name != "" && p.http != nil
}

// LLMClient scores pair prompts against a primary provider, falling through
// to the fallback when the primary fails permanently or its breaker is open.
type LLMClient struct {
	primary  *provider
	fallback *provider
	metrics  *metrics.Metrics
	logger   *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration

	mu    sync.Mutex
	usage []Usage
}

// NewLLMClient builds the client from the two provider configs. A fallback
// with no name disables the fallback path.
func NewLLMClient(cfg config.MatchingConfig, m *metrics.Metrics, logger *slog.Logger) *LLMClient {
	c := &LLMClient{
		primary:      newProvider(cfg.Primary),
		metrics:      m,
		logger:       logger.With("component", "llm_client"),
		retryInitial: 2 * time.Second,
		retryMax:     10 * time.Second,
	}
	if cfg.Fallback.Name != "" {
		c.fallback = newProvider(cfg.Fallback)
	}
	return c
}

// Score sends the prompt to the primary provider and parses the JSON verdict.
// On primary failure the fallback is tried; if both fail the primary's error
// is returned since it is the more relevant one.
func (c *LLMClient) Score(ctx context.Context, prompt string) (Verdict, error) {
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}

	verdict, primaryErr := c.scoreWith(ctx, c.primary, messages)
	if primaryErr == nil {
		return verdict, nil
	}
	c.logger.Warn("primary provider failed", "provider", c.primary.name, "error", primaryErr)

	if !c.fallback.configured() {
		return Verdict{}, primaryErr
	}

	c.logger.Info("attempting fallback provider", "provider", c.fallback.name)
	verdict, fallbackErr := c.scoreWith(ctx, c.fallback, messages)
	if fallbackErr != nil {
		c.logger.Error("fallback provider failed", "provider", c.fallback.name, "error", fallbackErr)
		return Verdict{}, primaryErr
	}
	return verdict, nil
}

func (c *LLMClient) scoreWith(ctx context.Context, p *provider, messages []chatMessage) (Verdict, error) {
	if !p.configured() {
		return Verdict{}, fmt.Errorf("provider not configured")
	}

	resp, err := c.callWithRetry(ctx, p, messages)
	if err != nil {
		outcome := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "circuit_open"
		}
		c.metrics.ObserveLLMRequest(p.name, outcome)
		return Verdict{}, err
	}
	c.metrics.ObserveLLMRequest(p.name, "ok")

	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("provider %s: empty choices", p.name)
	}
	var verdict Verdict
	if err := gojson.Unmarshal([]byte(resp.Choices[0].Message.Content), &verdict); err != nil {
		return Verdict{}, fmt.Errorf("provider %s: parse verdict: %w", p.name, err)
	}
	return verdict, nil
}

// callWithRetry performs up to llmMaxAttempts calls with exponential backoff,
// giving up immediately on permanent errors and open breakers.
func (c *LLMClient) callWithRetry(ctx context.Context, p *provider, messages []chatMessage) (*chatResponse, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInitial
	policy.MaxInterval = c.retryMax

	var lastErr error
	for attempt := 1; attempt <= llmMaxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		out, err := p.breaker.Execute(func() (interface{}, error) {
			return c.post(ctx, p, messages)
		})
		if err == nil {
			return out.(*chatResponse), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, err
		}
		if errors.Is(err, errPermanent) {
			return nil, err
		}
		if attempt == llmMaxAttempts {
			break
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = policy.MaxInterval
		}
		c.logger.Debug("provider call failed, retrying",
			"provider", p.name, "attempt", attempt, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, lastErr
}

// post performs one chat-completions request and records its usage.
// Rate-limit and server-side statuses come back retryable; other HTTP errors
// are permanent.
func (c *LLMClient) post(ctx context.Context, p *provider, messages []chatMessage) (*chatResponse, error) {
	var result chatResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:          p.model,
			Messages:       messages,
			Temperature:    0,
			MaxTokens:      500,
			ResponseFormat: &responseFormat{Type: "json_object"},
		}).
		SetResult(&result).
		SetError(&result).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.name, err)
	}
	if resp.IsError() {
		reason := result.Error.Message
		if reason == "" {
			reason = resp.Status()
		}
		if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("provider %s: %s", p.name, reason)
		}
		return nil, fmt.Errorf("provider %s: %s: %w", p.name, reason, errPermanent)
	}

	c.recordUsage(p, &result)
	return &result, nil
}

func (c *LLMClient) recordUsage(p *provider, resp *chatResponse) {
	promptTokens := resp.Usage.PromptTokens
	completionTokens := resp.Usage.CompletionTokens
	totalTokens := resp.Usage.TotalTokens
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}
	cost := float64(promptTokens)/1e6*p.promptCost + float64(completionTokens)/1e6*p.outputCost

	c.mu.Lock()
	c.usage = append(c.usage, Usage{
		Provider:         p.name,
		Model:            p.model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		CostUSD:          cost,
		Timestamp:        time.Now().UTC(),
	})
	c.mu.Unlock()

	c.metrics.AddLLMCost(p.name, cost)
	c.logger.Debug("provider call complete",
		"provider", p.name,
		"model", p.model,
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
		"cost_usd", cost,
	)
}

// TotalCost returns the summed cost of every recorded call.
func (c *LLMClient) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0.0
	for _, u := range c.usage {
		total += u.CostUSD
	}
	return total
}

// UsageSummary returns an aggregate view of the call history.
func (c *LLMClient) UsageSummary() UsageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := UsageSummary{
		CallsByName: make(map[string]int),
		CostByName:  make(map[string]float64),
	}
	for _, u := range c.usage {
		summary.TotalCalls++
		summary.TotalTokens += u.TotalTokens
		summary.TotalCostUSD += u.CostUSD
		summary.CallsByName[u.Provider]++
		summary.CostByName[u.Provider] += u.CostUSD
	}
	return summary
}
