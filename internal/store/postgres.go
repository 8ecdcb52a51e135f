package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/eveobs/killfeed/internal/db"
	"github.com/eveobs/killfeed/internal/model"
)

// PostgresStore implements Store using pgxpool. Bulk appends go through the
// COPY protocol.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS raw_events (
	run_id        TEXT NOT NULL,
	observed_at   TIMESTAMPTZ NOT NULL,
	killmail_id   BIGINT NOT NULL,
	killmail_hash TEXT NOT NULL,
	location_id   BIGINT,
	labels        JSONB NOT NULL DEFAULT '[]',
	npc           BOOLEAN NOT NULL DEFAULT FALSE,
	awox          BOOLEAN NOT NULL DEFAULT FALSE,
	solo          BOOLEAN NOT NULL DEFAULT FALSE,
	href          TEXT NOT NULL DEFAULT '',
	package_json  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
	run_id       TEXT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL,
	killmail_id  BIGINT NOT NULL,
	stage        TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enriched_log (
	run_id              TEXT NOT NULL,
	enriched_at         TIMESTAMPTZ NOT NULL,
	killmail_id         BIGINT NOT NULL,
	killmail_id_hash    TEXT NOT NULL,
	killmail_hash       TEXT NOT NULL,
	killmail_time       TEXT NOT NULL,
	solar_system_name   TEXT NOT NULL,
	stargate_route      TEXT,
	victim_ship_class   TEXT NOT NULL,
	is_freighter        BOOLEAN NOT NULL DEFAULT FALSE,
	is_capsule          BOOLEAN NOT NULL DEFAULT FALSE,
	attacker_count      INTEGER NOT NULL DEFAULT 0,
	attacker_corp_names JSONB NOT NULL DEFAULT '[]',
	is_ganked           BOOLEAN NOT NULL DEFAULT FALSE,
	has_smartbomb       BOOLEAN NOT NULL DEFAULT FALSE,
	is_war_related      BOOLEAN NOT NULL DEFAULT FALSE,
	raw_json            JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS discarded_log (
	run_id       TEXT NOT NULL,
	discarded_at TIMESTAMPTZ NOT NULL,
	killmail_id  BIGINT NOT NULL,
	reason       TEXT NOT NULL,
	details      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enriched_current (LIKE enriched_log INCLUDING DEFAULTS);

CREATE INDEX IF NOT EXISTS idx_raw_events_killmail ON raw_events(killmail_id);
CREATE INDEX IF NOT EXISTS idx_raw_events_observed ON raw_events(observed_at);
CREATE INDEX IF NOT EXISTS idx_attempts_killmail ON attempts(killmail_id);
CREATE INDEX IF NOT EXISTS idx_enriched_log_killmail ON enriched_log(killmail_id);
CREATE INDEX IF NOT EXISTS idx_discarded_log_killmail ON discarded_log(killmail_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) AppendRawEvents(ctx context.Context, rows []model.RawEvent) error {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		labels, err := marshalStrings(r.Labels)
		if err != nil {
			return err
		}
		var loc any
		if r.LocationID != nil {
			loc = *r.LocationID
		}
		out = append(out, []any{
			r.RunID, r.ObservedAt.UTC(), r.KillmailID, r.KillmailHash,
			loc, labels, r.NPC, r.Awox, r.Solo, r.Href, string(r.Package),
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "raw_events",
		[]string{"run_id", "observed_at", "killmail_id", "killmail_hash", "location_id", "labels", "npc", "awox", "solo", "href", "package_json"},
		out)
	return err
}

func (s *PostgresStore) AppendAttempts(ctx context.Context, rows []model.AttemptRecord) error {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.RunID, r.AttemptedAt.UTC(), r.KillmailID, string(r.Stage), string(r.Outcome), r.Error,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "attempts",
		[]string{"run_id", "attempted_at", "killmail_id", "stage", "outcome", "error"},
		out)
	return err
}

func (s *PostgresStore) AppendEnriched(ctx context.Context, rows []model.EnrichedRecord) error {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		corps, err := marshalStrings(r.AttackerCorpNames)
		if err != nil {
			return err
		}
		var route any
		if r.StargateRoute != nil {
			route = *r.StargateRoute
		}
		out = append(out, []any{
			r.RunID, r.EnrichedAt.UTC(), r.KillmailID, r.KillmailIDHash, r.KillmailHash, r.KillmailTime,
			r.SolarSystemName, route, string(r.VictimShipClass), r.IsFreighter, r.IsCapsule, r.AttackerCount,
			corps, r.IsGanked, r.HasSmartbomb, r.IsWarRelated, string(r.RawDetail),
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "enriched_log",
		[]string{"run_id", "enriched_at", "killmail_id", "killmail_id_hash", "killmail_hash", "killmail_time",
			"solar_system_name", "stargate_route", "victim_ship_class", "is_freighter", "is_capsule", "attacker_count",
			"attacker_corp_names", "is_ganked", "has_smartbomb", "is_war_related", "raw_json"},
		out)
	return err
}

func (s *PostgresStore) AppendDiscarded(ctx context.Context, rows []model.DiscardedRecord) error {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.RunID, r.DiscardedAt.UTC(), r.KillmailID, string(r.Reason), r.Details,
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "discarded_log",
		[]string{"run_id", "discarded_at", "killmail_id", "reason", "details"},
		out)
	return err
}

const postgresPendingQuery = `
WITH ranked AS (
	SELECT raw_events.*,
	       ROW_NUMBER() OVER (PARTITION BY killmail_id ORDER BY observed_at DESC) AS rn,
	       MIN(observed_at) OVER (PARTITION BY killmail_id) AS first_seen,
	       MAX(observed_at) OVER (PARTITION BY killmail_id) AS last_seen
	FROM raw_events
),
latest AS (
	SELECT * FROM ranked WHERE rn = 1
),
att AS (
	SELECT killmail_id, COUNT(*) AS attempts, MAX(attempted_at) AS last_attempt_at
	FROM attempts GROUP BY killmail_id
),
last_att AS (
	SELECT killmail_id, outcome, error FROM (
		SELECT killmail_id, outcome, error,
		       ROW_NUMBER() OVER (PARTITION BY killmail_id ORDER BY attempted_at DESC) AS rn
		FROM attempts
	) x WHERE rn = 1
)
SELECT l.killmail_id, l.killmail_hash, l.first_seen, l.last_seen,
       l.location_id, l.labels::text, l.npc, l.awox, l.solo, l.href,
       COALESCE(a.attempts, 0) AS attempts, a.last_attempt_at, la.outcome, la.error
FROM latest l
LEFT JOIN att a ON a.killmail_id = l.killmail_id
LEFT JOIN last_att la ON la.killmail_id = l.killmail_id
WHERE l.killmail_id NOT IN (SELECT killmail_id FROM enriched_log)
  AND l.killmail_id NOT IN (SELECT killmail_id FROM discarded_log)
  AND COALESCE(a.attempts, 0) <= $1
ORDER BY l.first_seen ASC
LIMIT $2`

func (s *PostgresStore) QueryPending(ctx context.Context, limit int) ([]model.PendingState, error) {
	rows, err := s.pool.Query(ctx, postgresPendingQuery, maxPendingAttempts, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query pending")
	}
	defer rows.Close()

	var out []model.PendingState
	for rows.Next() {
		var (
			p             model.PendingState
			locationID    *int64
			labels        string
			lastAttemptAt *time.Time
			outcome       *string
			errDetail     *string
		)
		if err := rows.Scan(
			&p.KillmailID, &p.KillmailHash, &p.FirstSeen, &p.LastSeen,
			&locationID, &labels, &p.NPC, &p.Awox, &p.Solo, &p.Href,
			&p.Attempts, &lastAttemptAt, &outcome, &errDetail,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending row")
		}
		p.LocationID = locationID
		if p.Labels, err = unmarshalStrings(labels); err != nil {
			return nil, err
		}
		p.LastAttemptAt = lastAttemptAt
		if outcome != nil {
			p.LastOutcome = *outcome
		}
		if errDetail != nil {
			p.LastError = *errDetail
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate pending rows")
}

func (s *PostgresStore) LogCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(logTables))
	for _, table := range logTables {
		var n int64
		if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "postgres: count %s", table)
		}
		out[table] = n
	}
	return out, nil
}

func (s *PostgresStore) rewriteKeeping(ctx context.Context, tx pgx.Tx, table, predicate string, args ...any) (int64, error) {
	if _, err := tx.Exec(ctx,
		"CREATE TABLE "+table+"_new AS SELECT * FROM "+table+" WHERE "+predicate, args...,
	); err != nil {
		return 0, eris.Wrapf(err, "postgres: rewrite %s", table)
	}
	if _, err := tx.Exec(ctx, "DROP TABLE "+table); err != nil {
		return 0, eris.Wrapf(err, "postgres: drop %s", table)
	}
	if _, err := tx.Exec(ctx, "ALTER TABLE "+table+"_new RENAME TO "+table); err != nil {
		return 0, eris.Wrapf(err, "postgres: rename %s", table)
	}
	var n int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "postgres: count %s after rewrite", table)
	}
	return n, nil
}

func (s *PostgresStore) CompactLogs(ctx context.Context, cutoff time.Time) (*CompactStats, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin compact")
	}
	defer tx.Rollback(ctx)

	stats := &CompactStats{}
	if stats.RawKept, err = s.rewriteKeeping(ctx, tx, "raw_events", "observed_at >= $1", cutoff); err != nil {
		return nil, err
	}
	if stats.AttemptsKept, err = s.rewriteKeeping(ctx, tx, "attempts", "attempted_at >= $1", cutoff); err != nil {
		return nil, err
	}
	if stats.EnrichedKept, err = s.rewriteKeeping(ctx, tx, "enriched_log", "killmail_time::timestamptz >= $1", cutoff); err != nil {
		return nil, err
	}
	if stats.DiscardedKept, err = s.rewriteKeeping(ctx, tx, "discarded_log", "discarded_at >= $1", cutoff); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit compact")
	}

	// The rewrite drops secondary indexes with the old tables.
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return nil, eris.Wrap(err, "postgres: recreate indexes")
	}
	return stats, nil
}

func (s *PostgresStore) MaterializeEnriched(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin materialize")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM enriched_current"); err != nil {
		return 0, eris.Wrap(err, "postgres: clear enriched_current")
	}
	tag, err := tx.Exec(ctx, `
INSERT INTO enriched_current
SELECT run_id, enriched_at, killmail_id, killmail_id_hash, killmail_hash, killmail_time,
       solar_system_name, stargate_route, victim_ship_class, is_freighter, is_capsule,
       attacker_count, attacker_corp_names, is_ganked, has_smartbomb, is_war_related, raw_json
FROM (
	SELECT enriched_log.*,
	       ROW_NUMBER() OVER (PARTITION BY killmail_id ORDER BY enriched_at DESC) AS rn
	FROM enriched_log
	WHERE killmail_time::timestamptz >= $1
) x WHERE rn = 1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: materialize enriched")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit materialize")
	}
	return tag.RowsAffected(), nil
}
