// Package store persists the append-only killmail logs and computes the
// derived pending-work view. The logs are the query source of truth;
// pending state is recomputed from them on every call and never stored.
package store

import (
	"context"
	"time"

	"github.com/eveobs/killfeed/internal/model"
)

// maxPendingAttempts bounds retries per killmail: an item that has already
// been attempted more than this many times is no longer admitted, so one
// poisoned event cannot be retried indefinitely.
const maxPendingAttempts = 10

// CompactStats reports surviving row counts after a compaction pass.
type CompactStats struct {
	RawKept       int64 `json:"raw_kept"`
	AttemptsKept  int64 `json:"attempts_kept"`
	EnrichedKept  int64 `json:"enriched_kept"`
	DiscardedKept int64 `json:"discarded_kept"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Append-only logs. Rows are never updated or deleted outside of
	// maintenance compaction.
	AppendRawEvents(ctx context.Context, rows []model.RawEvent) error
	AppendAttempts(ctx context.Context, rows []model.AttemptRecord) error
	AppendEnriched(ctx context.Context, rows []model.EnrichedRecord) error
	AppendDiscarded(ctx context.Context, rows []model.DiscardedRecord) error

	// QueryPending returns up to limit unworked killmails with at most
	// maxPendingAttempts attempts, oldest first_seen first. Metadata is
	// taken from the latest raw event per killmail by observed_at.
	QueryPending(ctx context.Context, limit int) ([]model.PendingState, error)

	// LogCounts returns the row count of each log table.
	LogCounts(ctx context.Context) (map[string]int64, error)

	// CompactLogs rewrites each log table keeping only rows newer than
	// cutoff. Full-table rewrite, not incremental deletion.
	CompactLogs(ctx context.Context, cutoff time.Time) (*CompactStats, error)

	// MaterializeEnriched rebuilds the enriched working table from the
	// enriched log: rows newer than cutoff, deduplicated to the latest
	// enriched_at per killmail. Returns the surviving row count.
	MaterializeEnriched(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
