package types

import "errors"

// Sentinel errors shared across the execution path. Venue clients wrap these
// with fmt.Errorf("...: %w", ...) so callers can branch with errors.Is while
// logs keep the full chain.
var (
	// ErrRejected means the venue refused the order outright (bad price,
	// closed market, insufficient balance). Not retryable as-is.
	ErrRejected = errors.New("order rejected by venue")

	// ErrAuthExpired means the venue session or token is no longer valid
	// and a refresh did not help.
	ErrAuthExpired = errors.New("venue auth expired")

	// ErrRiskDeclined means the pre-trade risk check refused the intent.
	ErrRiskDeclined = errors.New("declined by risk limits")

	// ErrInsufficientBook means a book was too thin or missing to size the trade.
	ErrInsufficientBook = errors.New("insufficient book depth")
)
