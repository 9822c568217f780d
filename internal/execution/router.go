package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"prediction-arb/pkg/types"
)

// OrderPlacer is one venue's order surface. Each implementation owns its
// session and auth lifecycle.
type OrderPlacer interface {
	Venue() types.Venue
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	FetchOrder(ctx context.Context, orderID string) (types.OrderStatus, error)
}

// openOrder records one live order placed for an intent, keyed back to the
// venue that can cancel it.
type openOrder struct {
	venue   types.Venue
	orderID string
	leg     string
}

// Router implements Client over per-venue OrderPlacers. It tracks open
// orders by intent id so Cancel reaches exactly the orders it placed, and
// cancelling twice issues at most one venue cancel per order.
type Router struct {
	placers map[types.Venue]OrderPlacer
	logger  *slog.Logger

	mu   sync.Mutex
	open map[string][]openOrder // intent id -> live orders
}

// NewRouter builds a router over the given venue executors.
func NewRouter(logger *slog.Logger, placers ...OrderPlacer) *Router {
	r := &Router{
		placers: make(map[types.Venue]OrderPlacer, len(placers)),
		open:    make(map[string][]openOrder),
		logger:  logger.With("component", "router"),
	}
	for _, p := range placers {
		r.placers[p.Venue()] = p
	}
	return r
}

// PlacePrimary routes the primary leg to its venue.
func (r *Router) PlacePrimary(ctx context.Context, intent types.ExecutionIntent) (types.OrderResult, error) {
	return r.place(ctx, intent.ID, "primary", intent.Primary)
}

// PlaceHedge routes the hedge leg to its venue.
func (r *Router) PlaceHedge(ctx context.Context, intent types.ExecutionIntent) (types.OrderResult, error) {
	return r.place(ctx, intent.ID, "hedge", intent.Hedge)
}

func (r *Router) place(ctx context.Context, intentID, leg string, order types.OrderIntent) (types.OrderResult, error) {
	placer, ok := r.placers[order.Venue]
	if !ok {
		return types.OrderResult{}, fmt.Errorf("no executor registered for venue %s", order.Venue)
	}

	result, err := placer.PlaceOrder(ctx, order)
	if err != nil {
		return result, fmt.Errorf("%s leg on %s: %w", leg, order.Venue, err)
	}

	// Fully filled taker orders leave nothing to cancel.
	if result.OrderID != "" && result.Status != types.OrderFilled {
		r.mu.Lock()
		r.open[intentID] = append(r.open[intentID], openOrder{
			venue:   order.Venue,
			orderID: result.OrderID,
			leg:     leg,
		})
		r.mu.Unlock()
	}
	return result, nil
}

// Cancel cancels every live order placed for the intent, best-effort. The
// intent's orders are claimed before any venue call, so a repeat Cancel
// finds nothing to do.
func (r *Router) Cancel(ctx context.Context, intent types.ExecutionIntent) error {
	r.mu.Lock()
	orders := r.open[intent.ID]
	delete(r.open, intent.ID)
	r.mu.Unlock()

	var errs []error
	for _, o := range orders {
		placer, ok := r.placers[o.venue]
		if !ok {
			continue
		}
		if err := placer.CancelOrder(ctx, o.orderID); err != nil {
			r.logger.Warn("order cancel failed",
				"intent_id", intent.ID,
				"leg", o.leg,
				"order_id", o.orderID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("cancel %s %s: %w", o.leg, o.orderID, err))
			continue
		}
		r.logger.Info("order cancelled",
			"intent_id", intent.ID,
			"leg", o.leg,
			"order_id", o.orderID,
		)
	}
	return errors.Join(errs...)
}

// Forget drops tracking for a settled intent. Resting orders from a
// settled package self-resolve at the venue, so nothing is cancelled.
func (r *Router) Forget(intentID string) {
	r.mu.Lock()
	delete(r.open, intentID)
	r.mu.Unlock()
}

// FetchOrder asks the owning venue for an order's current status.
func (r *Router) FetchOrder(ctx context.Context, venue types.Venue, orderID string) (types.OrderStatus, error) {
	placer, ok := r.placers[venue]
	if !ok {
		return "", fmt.Errorf("no executor registered for venue %s", venue)
	}
	return placer.FetchOrder(ctx, orderID)
}
