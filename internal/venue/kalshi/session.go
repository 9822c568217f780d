// Package kalshi implements the Kalshi venue: email/password session auth,
// catalog and orderbook reads, a realtime orderbook feed, and IOC order
// placement against the trade API.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
)

const defaultTokenLifetime = 15 * time.Minute

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	MemberID  string `json:"member_id"`
	ExpiresIn int    `json:"expires_in"` // seconds, optional
	ExpiresAt string `json:"expires_at"` // RFC3339, optional
}

// Session owns the venue JWT. Token returns a valid token, logging in on
// first use and refreshing once the remaining lifetime drops below the
// configured slack. Invalidate forces the next Token call to re-login,
// which the client uses after a 401.
type Session struct {
	http     *resty.Client
	email    string
	password string
	slack    time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewSession builds a session manager. slack is how long before expiry a
// refresh is triggered.
func NewSession(cfg config.KalshiConfig, slack time.Duration, logger *slog.Logger) *Session {
	return &Session{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}).
			SetHeader("Content-Type", "application/json"),
		email:    cfg.Email,
		password: cfg.Password,
		slack:    slack,
		logger:   logger.With("component", "kalshi_session"),
	}
}

// Token returns a token with at least slack lifetime remaining.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiresAt) > s.slack {
		return s.token, nil
	}
	if err := s.login(ctx); err != nil {
		return "", err
	}
	return s.token, nil
}

// Invalidate drops the current token so the next Token call logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// login exchanges credentials for a token. Caller holds s.mu.
func (s *Session) login(ctx context.Context) error {
	if s.email == "" || s.password == "" {
		return fmt.Errorf("kalshi credentials not configured")
	}

	var out loginResponse
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(loginRequest{Email: s.email, Password: s.password}).
		SetResult(&out).
		Post("/login")
	if err != nil {
		return fmt.Errorf("kalshi login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("kalshi login: status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Token == "" {
		return fmt.Errorf("kalshi login: empty token in response")
	}

	s.token = out.Token
	s.expiresAt = tokenExpiry(out, time.Now())
	s.logger.Info("session established", "expires_at", s.expiresAt)
	return nil
}

// tokenExpiry picks the expiry from whichever field the venue sent,
// defaulting to 15 minutes when both are absent.
func tokenExpiry(out loginResponse, now time.Time) time.Time {
	if out.ExpiresIn > 0 {
		return now.Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	if out.ExpiresAt != "" {
		if at, err := time.Parse(time.RFC3339, out.ExpiresAt); err == nil {
			return at
		}
	}
	return now.Add(defaultTokenLifetime)
}
