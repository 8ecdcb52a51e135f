package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/eveobs/killfeed/internal/config"
	"github.com/eveobs/killfeed/internal/store"
)

// Maintenance compacts the append-only logs and rebuilds the deduplicated
// enriched table. It runs on a slow cadence (daily) and never concurrently
// with a tick.
type Maintenance struct {
	cfg   *config.Config
	store store.Store
}

func NewMaintenance(cfg *config.Config, st store.Store) *Maintenance {
	return &Maintenance{cfg: cfg, store: st}
}

// Run drops log rows older than the retention windows and rewrites the
// enriched snapshot keeping the newest row per killmail.
func (m *Maintenance) Run(ctx context.Context) error {
	now := time.Now().UTC()
	logCutoff := now.AddDate(0, 0, -m.cfg.Maintenance.LogRetentionDays)
	enrichedCutoff := now.AddDate(0, 0, -m.cfg.Maintenance.EnrichedRetentionDays)
	log := zap.L().With(
		zap.Time("log_cutoff", logCutoff),
		zap.Time("enriched_cutoff", enrichedCutoff),
	)
	log.Info("maintenance: starting")

	stats, err := m.store.CompactLogs(ctx, logCutoff)
	if err != nil {
		return eris.Wrap(err, "maintenance: compact logs")
	}
	log.Info("maintenance: logs compacted",
		zap.Int64("raw_kept", stats.RawKept),
		zap.Int64("attempts_kept", stats.AttemptsKept),
		zap.Int64("enriched_kept", stats.EnrichedKept),
		zap.Int64("discarded_kept", stats.DiscardedKept),
	)

	kept, err := m.store.MaterializeEnriched(ctx, enrichedCutoff)
	if err != nil {
		return eris.Wrap(err, "maintenance: materialize enriched")
	}
	log.Info("maintenance: enriched snapshot rebuilt", zap.Int64("rows", kept))
	return nil
}
