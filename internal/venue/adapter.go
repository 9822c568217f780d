// Package venue defines the adapter contract both market venues implement,
// plus the shared plumbing every adapter needs: snapshot publishing with
// bounded queues, feed health tracking, and per-category rate limiting.
package venue

import (
	"context"
	"log/slog"

	"prediction-arb/internal/metrics"
	"prediction-arb/pkg/types"
)

// Adapter is one venue's ingestion surface. FetchMarkets pulls the tradeable
// binary market catalog over REST; StreamBooks maintains the realtime feed,
// publishing canonical snapshots to out until ctx is cancelled. StreamBooks
// owns reconnection and re-subscription internally and only returns once the
// feed is permanently broken or the context ends.
//
// out is the engine's bounded fan-in queue. It is bidirectional because
// adapters evict the oldest entry when the queue is full; see Publish.
type Adapter interface {
	Name() types.Venue
	FetchMarkets(ctx context.Context) ([]types.Market, error)
	StreamBooks(ctx context.Context, markets []types.MarketRef, out chan types.BookSnapshot) error
}

// Publish delivers a snapshot to the fan-in queue without ever blocking the
// feed reader. On a full queue the oldest snapshot is evicted first; if the
// queue is still full (a racing producer refilled it) the new snapshot is
// dropped instead. Books are last-write-wins so losing an old snapshot is
// always preferable to stalling the read loop.
func Publish(out chan types.BookSnapshot, snap types.BookSnapshot, m *metrics.Metrics, logger *slog.Logger) {
	select {
	case out <- snap:
		m.ObserveSnapshot(string(snap.Market.Venue))
		return
	default:
	}

	select {
	case <-out:
	default:
	}

	select {
	case out <- snap:
		m.ObserveSnapshot(string(snap.Market.Venue))
	default:
		m.ObserveSnapshotDropped(string(snap.Market.Venue))
		logger.Warn("snapshot queue full, dropping update", "market", snap.Market.Key())
	}
}
