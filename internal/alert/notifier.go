// Package alert pushes operational events to a Discord-compatible webhook:
// executed fills, hedge timeouts, risk kills, and dead components. Alerts are
// strictly best-effort; delivery failures are logged and never propagate into
// the trading path.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/pkg/types"
)

// Embed colors, Discord convention.
const (
	colorGreen  = 0x2ECC71
	colorOrange = 0xE67E22
	colorRed    = 0xE74C3C
)

// queueSize bounds pending alerts; throttleWindow suppresses repeats of the
// same event key.
const (
	queueSize      = 64
	throttleWindow = 30 * time.Second
)

type embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color,omitempty"`
	Fields      []field `json:"fields,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type payload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

type pending struct {
	key string // throttle identity
	msg payload
}

// Notifier delivers webhook alerts from a single background worker. Event
// methods enqueue and return immediately; a full queue drops the alert
// rather than stall the caller. A Notifier built with an empty webhook URL
// is disabled and turns every method into a no-op.
type Notifier struct {
	http    *resty.Client
	url     string
	logger  *slog.Logger
	queue   chan pending
	mu      sync.Mutex
	lastKey map[string]time.Time
}

// New creates a notifier posting to webhookURL. An empty URL disables it.
func New(webhookURL string, logger *slog.Logger) *Notifier {
	n := &Notifier{
		url:     webhookURL,
		logger:  logger.With("component", "alert"),
		queue:   make(chan pending, queueSize),
		lastKey: make(map[string]time.Time),
	}
	if webhookURL != "" {
		n.http = resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second).
			SetHeader("Content-Type", "application/json")
	}
	return n
}

// Enabled reports whether alerts will actually be sent.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Run drains the alert queue until ctx is cancelled. Must be running for
// alerts to leave the process; without it events silently accumulate until
// the queue is full and then drop.
func (n *Notifier) Run(ctx context.Context) {
	if !n.Enabled() {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-n.queue:
			n.post(ctx, p.msg)
		}
	}
}

func (n *Notifier) post(ctx context.Context, msg payload) {
	resp, err := n.http.R().SetContext(ctx).SetBody(msg).Post(n.url)
	if err != nil {
		n.logger.Warn("alert delivery failed", "error", err)
		return
	}
	if resp.IsError() {
		n.logger.Warn("alert rejected", "status", resp.StatusCode(), "body", resp.String())
	}
}

// enqueue applies throttling and drops on a full queue.
func (n *Notifier) enqueue(key string, msg payload) {
	if !n.Enabled() {
		return
	}

	n.mu.Lock()
	now := time.Now()
	if last, ok := n.lastKey[key]; ok && now.Sub(last) < throttleWindow {
		n.mu.Unlock()
		return
	}
	n.lastKey[key] = now
	n.mu.Unlock()

	select {
	case n.queue <- pending{key: key, msg: msg}:
	default:
		n.logger.Warn("alert queue full, dropping", "key", key)
	}
}

func ts() string { return time.Now().UTC().Format(time.RFC3339) }

// FillExecuted announces a completed hedged trade package.
func (n *Notifier) FillExecuted(intentID string, pairID int64, venue types.Venue, side types.Side, price, size float64) {
	n.enqueue("fill:"+intentID, payload{
		Embeds: []embed{{
			Title: "Fill executed",
			Color: colorGreen,
			Fields: []field{
				{Name: "Pair", Value: fmt.Sprintf("%d", pairID), Inline: true},
				{Name: "Venue", Value: string(venue), Inline: true},
				{Name: "Side", Value: string(side), Inline: true},
				{Name: "Price", Value: fmt.Sprintf("%.4f", price), Inline: true},
				{Name: "Size", Value: fmt.Sprintf("%.0f", size), Inline: true},
				{Name: "Intent", Value: intentID, Inline: false},
			},
			Timestamp: ts(),
		}},
	})
}

// HedgeTimeout announces a package abandoned past the hedge budget.
// These always page: an unhedged primary leg is open directional risk.
func (n *Notifier) HedgeTimeout(intentID string, pairID int64, elapsed time.Duration) {
	n.enqueue("hedge_timeout:"+intentID, payload{
		Content: "Hedge leg missed its completion budget",
		Embeds: []embed{{
			Title: "Hedge timeout",
			Color: colorOrange,
			Fields: []field{
				{Name: "Pair", Value: fmt.Sprintf("%d", pairID), Inline: true},
				{Name: "Elapsed", Value: elapsed.String(), Inline: true},
				{Name: "Intent", Value: intentID, Inline: false},
			},
			Timestamp: ts(),
		}},
	})
}

// RiskKill announces the kill switch firing. An empty venue means trading
// paused everywhere.
func (n *Notifier) RiskKill(venue types.Venue, reason string) {
	scope := string(venue)
	if scope == "" {
		scope = "all venues"
	}
	n.enqueue("kill:"+scope, payload{
		Content: "Trading halted by risk manager",
		Embeds: []embed{{
			Title:       "Kill switch",
			Description: reason,
			Color:       colorRed,
			Fields: []field{
				{Name: "Scope", Value: scope, Inline: true},
			},
			Timestamp: ts(),
		}},
	})
}

// ComponentDown announces a permanently failed component.
func (n *Notifier) ComponentDown(component string, err error) {
	desc := ""
	if err != nil {
		desc = err.Error()
	}
	n.enqueue("down:"+component, payload{
		Embeds: []embed{{
			Title:       "Component down: " + component,
			Description: desc,
			Color:       colorRed,
			Timestamp:   ts(),
		}},
	})
}
