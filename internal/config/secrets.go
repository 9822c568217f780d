package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// SecretValue is the remote secret store response body.
type SecretValue struct {
	Value string `json:"value"`
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

// SecretLoader resolves named secrets from a remote store with an
// environment fallback. Resolved values are cached for the configured TTL
// so hot paths never block on the store. With no store URL configured the
// loader is env-only, which is the common development setup.
type SecretLoader struct {
	client  *resty.Client
	ttl     time.Duration
	require bool
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSecret
}

// NewSecretLoader builds a loader from the secrets config section.
func NewSecretLoader(cfg SecretsConfig, logger *slog.Logger) *SecretLoader {
	var client *resty.Client
	if cfg.StoreURL != "" {
		client = resty.New().
			SetBaseURL(cfg.StoreURL).
			SetTimeout(5 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			})
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &SecretLoader{
		client:  client,
		ttl:     ttl,
		require: cfg.Require,
		logger:  logger.With("component", "secrets"),
		cache:   make(map[string]cachedSecret),
	}
}

// Get resolves a secret by name. Resolution order: fresh cache entry,
// remote store, process environment. A missing secret is an error only
// when the loader is in require mode; otherwise it returns an empty
// string so optional integrations can stay disabled.
func (s *SecretLoader) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if entry, ok := s.cache[name]; ok && time.Since(entry.fetchedAt) < s.ttl {
		s.mu.Unlock()
		return entry.value, nil
	}
	s.mu.Unlock()

	value, err := s.fetchRemote(ctx, name)
	if err != nil {
		s.logger.Warn("remote secret fetch failed, falling back to env",
			"secret", name, "error", err)
	}
	if value == "" {
		value = os.Getenv(name)
	}

	if value == "" {
		if s.require {
			return "", fmt.Errorf("required secret %s not found in store or environment", name)
		}
		return "", nil
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, fetchedAt: time.Now()}
	s.mu.Unlock()
	return value, nil
}

// MustGet is Get with a hard failure on any missing value, independent of
// require mode. Used for credentials the process cannot run without.
func (s *SecretLoader) MustGet(ctx context.Context, name string) (string, error) {
	value, err := s.Get(ctx, name)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", fmt.Errorf("required secret %s not found in store or environment", name)
	}
	return value, nil
}

func (s *SecretLoader) fetchRemote(ctx context.Context, name string) (string, error) {
	if s.client == nil {
		return "", nil
	}

	var out SecretValue
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/secrets/" + name)
	if err != nil {
		return "", fmt.Errorf("secret store request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if resp.IsError() {
		return "", fmt.Errorf("secret store returned %d", resp.StatusCode())
	}
	return out.Value, nil
}

// Invalidate drops a cached entry so the next Get re-resolves it.
// Called after an auth failure that suggests a rotated credential.
func (s *SecretLoader) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}
