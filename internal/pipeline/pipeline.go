// Package pipeline wires the poller, ledger, store, and classification
// engine into one bounded tick, plus the separate maintenance execution.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/eveobs/killfeed/internal/classify"
	"github.com/eveobs/killfeed/internal/config"
	"github.com/eveobs/killfeed/internal/model"
	"github.com/eveobs/killfeed/internal/store"
	"github.com/eveobs/killfeed/pkg/esi"
	"github.com/eveobs/killfeed/pkg/ledger"
	"github.com/eveobs/killfeed/pkg/redisq"
)

// Ledger stream names, in write order.
const (
	streamRaw       = "redisq_raw"
	streamAttempts  = "enrich_attempts"
	streamEnriched  = "enriched"
	streamDiscarded = "discarded"
)

// maxErrorDetail bounds error messages recorded in attempt rows.
const maxErrorDetail = 500

// Tick executes one bounded ingestion-enrichment run. Single-threaded by
// design: the event source allows one outstanding request per queue, and
// the per-run ESI cache is not safe for concurrent use.
type Tick struct {
	cfg    *config.Config
	store  store.Store
	queue  redisq.Client
	esi    esi.Client
	ledger ledger.Client
	engine *classify.Engine
}

// NewTick creates a tick orchestrator. ledgerClient may be nil, which
// disables the audit trail (accepted only for local development).
func NewTick(cfg *config.Config, st store.Store, queue redisq.Client, esiClient esi.Client, ledgerClient ledger.Client) *Tick {
	return &Tick{
		cfg:    cfg,
		store:  st,
		queue:  queue,
		esi:    esiClient,
		ledger: ledgerClient,
		engine: classify.NewEngine(esiClient),
	}
}

// Run executes one tick: poll, persist raw, process pending against the
// wall-clock budget, persist results. The ledger is always written before
// the store so a store failure never loses data that only existed in
// memory. A ledger failure aborts the run.
func (t *Tick) Run(ctx context.Context) (*model.RunSummary, error) {
	runID := model.NewRunID()
	start := time.Now()
	log := zap.L().With(zap.String("run_id", runID))
	log.Info("tick: starting",
		zap.Int("max_polls", t.cfg.RedisQ.MaxPolls),
		zap.Int("max_enrich", t.cfg.Run.MaxEnrich),
	)

	// 1) Poll the event queue.
	pkgs, err := t.queue.Poll(ctx, t.cfg.RedisQ.MaxPolls)
	if err != nil {
		return nil, eris.Wrap(err, "tick: poll")
	}

	rawRows := make([]model.RawEvent, 0, len(pkgs))
	for _, pkg := range pkgs {
		rawRows = append(rawRows, model.RawEvent{
			RunID:        runID,
			ObservedAt:   time.Now().UTC(),
			KillmailID:   pkg.KillID,
			KillmailHash: pkg.Zkb.Hash,
			LocationID:   pkg.Zkb.LocationID,
			Labels:       pkg.Zkb.Labels,
			NPC:          pkg.Zkb.NPC,
			Awox:         pkg.Zkb.Awox,
			Solo:         pkg.Zkb.Solo,
			Href:         pkg.Zkb.Href,
			Package:      pkg.Raw,
		})
	}

	// 2) Ledger first, then store.
	if err := appendBatch(ctx, t.ledger, streamRaw, runID, rawRows); err != nil {
		return nil, err
	}
	if len(rawRows) > 0 {
		if err := t.store.AppendRawEvents(ctx, rawRows); err != nil {
			return nil, eris.Wrap(err, "tick: store raw events")
		}
	}

	// 3) Pending set, oldest first, includes backlog from earlier runs.
	pending, err := t.store.QueryPending(ctx, t.cfg.Run.MaxEnrich)
	if err != nil {
		return nil, eris.Wrap(err, "tick: query pending")
	}

	budget := time.Duration(t.cfg.Run.MaxSeconds) * time.Second
	var (
		attempts  []model.AttemptRecord
		enriched  []model.EnrichedRecord
		discarded []model.DiscardedRecord
	)

	for _, item := range pending {
		// The budget is checked between items only; an in-flight item
		// always finishes.
		if time.Since(start) > budget {
			log.Info("tick: wall-clock budget reached",
				zap.Int("processed", len(attempts)),
				zap.Int("pending_left", len(pending)-len(attempts)),
			)
			break
		}

		km, err := t.esi.Killmail(ctx, item.KillmailID, item.KillmailHash)
		if err != nil {
			attempts = append(attempts, attempt(runID, item.KillmailID, model.StageFetch, model.OutcomeFail, err))
			log.Warn("tick: killmail fetch failed",
				zap.Int64("killmail_id", item.KillmailID), zap.Error(err))
			continue
		}

		if reason, ok := classify.Filter(item, km); !ok {
			discarded = append(discarded, model.DiscardedRecord{
				RunID:       runID,
				DiscardedAt: time.Now().UTC(),
				KillmailID:  item.KillmailID,
				Reason:      reason,
			})
			attempts = append(attempts, attempt(runID, item.KillmailID, model.StageFilter, model.OutcomeOK, nil))
			continue
		}

		rec, err := t.engine.Enrich(ctx, item, km)
		if err != nil {
			attempts = append(attempts, attempt(runID, item.KillmailID, model.StageEnrich, model.OutcomeFail, err))
			log.Warn("tick: enrichment failed",
				zap.Int64("killmail_id", item.KillmailID), zap.Error(err))
			continue
		}
		rec.RunID = runID
		rec.EnrichedAt = time.Now().UTC()
		enriched = append(enriched, *rec)
		attempts = append(attempts, attempt(runID, item.KillmailID, model.StageEnrich, model.OutcomeOK, nil))
	}

	// 4) Result batches: ledger then store, in fixed order so partial
	// failures are diagnosable.
	if err := appendBatch(ctx, t.ledger, streamAttempts, runID, attempts); err != nil {
		return nil, err
	}
	if err := appendBatch(ctx, t.ledger, streamEnriched, runID, enriched); err != nil {
		return nil, err
	}
	if err := appendBatch(ctx, t.ledger, streamDiscarded, runID, discarded); err != nil {
		return nil, err
	}
	if err := t.store.AppendAttempts(ctx, attempts); err != nil {
		return nil, eris.Wrap(err, "tick: store attempts")
	}
	if err := t.store.AppendEnriched(ctx, enriched); err != nil {
		return nil, eris.Wrap(err, "tick: store enriched")
	}
	if err := t.store.AppendDiscarded(ctx, discarded); err != nil {
		return nil, eris.Wrap(err, "tick: store discarded")
	}

	summary := &model.RunSummary{
		RunID:          runID,
		RawCount:       len(rawRows),
		PendingCount:   len(pending),
		EnrichedCount:  len(enriched),
		DiscardedCount: len(discarded),
	}
	log.Info("tick: done",
		zap.Int("raw", summary.RawCount),
		zap.Int("pending", summary.PendingCount),
		zap.Int("enriched", summary.EnrichedCount),
		zap.Int("discarded", summary.DiscardedCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

func attempt(runID string, killmailID int64, stage model.AttemptStage, outcome model.AttemptOutcome, err error) model.AttemptRecord {
	rec := model.AttemptRecord{
		RunID:       runID,
		AttemptedAt: time.Now().UTC(),
		KillmailID:  killmailID,
		Stage:       stage,
		Outcome:     outcome,
	}
	if err != nil {
		msg := err.Error()
		if len(msg) > maxErrorDetail {
			msg = msg[:maxErrorDetail]
		}
		rec.Error = msg
	}
	return rec
}

// appendBatch writes one batch to the ledger as compact JSON lines. A nil
// client or empty batch is a no-op.
func appendBatch[T any](ctx context.Context, lc ledger.Client, stream, runID string, rows []T) error {
	if lc == nil || len(rows) == 0 {
		return nil
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		b, err := json.Marshal(r)
		if err != nil {
			return eris.Wrapf(err, "tick: marshal %s line", stream)
		}
		lines = append(lines, string(b))
	}
	if err := lc.Append(ctx, stream, runID, lines); err != nil {
		return eris.Wrapf(err, "tick: ledger %s", stream)
	}
	return nil
}
