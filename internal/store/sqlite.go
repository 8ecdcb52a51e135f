package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/eveobs/killfeed/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as RFC3339 text so they survive the derived-view CTEs, where
// SQLite drops column type information.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_events (
	run_id        TEXT NOT NULL,
	observed_at   TEXT NOT NULL,
	killmail_id   INTEGER NOT NULL,
	killmail_hash TEXT NOT NULL,
	location_id   INTEGER,
	labels        TEXT NOT NULL DEFAULT '[]',
	npc           INTEGER NOT NULL DEFAULT 0,
	awox          INTEGER NOT NULL DEFAULT 0,
	solo          INTEGER NOT NULL DEFAULT 0,
	href          TEXT NOT NULL DEFAULT '',
	package_json  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
	run_id       TEXT NOT NULL,
	attempted_at TEXT NOT NULL,
	killmail_id  INTEGER NOT NULL,
	stage        TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enriched_log (
	run_id              TEXT NOT NULL,
	enriched_at         TEXT NOT NULL,
	killmail_id         INTEGER NOT NULL,
	killmail_id_hash    TEXT NOT NULL,
	killmail_hash       TEXT NOT NULL,
	killmail_time       TEXT NOT NULL,
	solar_system_name   TEXT NOT NULL,
	stargate_route      TEXT,
	victim_ship_class   TEXT NOT NULL,
	is_freighter        INTEGER NOT NULL DEFAULT 0,
	is_capsule          INTEGER NOT NULL DEFAULT 0,
	attacker_count      INTEGER NOT NULL DEFAULT 0,
	attacker_corp_names TEXT NOT NULL DEFAULT '[]',
	is_ganked           INTEGER NOT NULL DEFAULT 0,
	has_smartbomb       INTEGER NOT NULL DEFAULT 0,
	is_war_related      INTEGER NOT NULL DEFAULT 0,
	raw_json            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS discarded_log (
	run_id       TEXT NOT NULL,
	discarded_at TEXT NOT NULL,
	killmail_id  INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	details      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS enriched_current (
	run_id              TEXT NOT NULL,
	enriched_at         TEXT NOT NULL,
	killmail_id         INTEGER NOT NULL,
	killmail_id_hash    TEXT NOT NULL,
	killmail_hash       TEXT NOT NULL,
	killmail_time       TEXT NOT NULL,
	solar_system_name   TEXT NOT NULL,
	stargate_route      TEXT,
	victim_ship_class   TEXT NOT NULL,
	is_freighter        INTEGER NOT NULL DEFAULT 0,
	is_capsule          INTEGER NOT NULL DEFAULT 0,
	attacker_count      INTEGER NOT NULL DEFAULT 0,
	attacker_corp_names TEXT NOT NULL DEFAULT '[]',
	is_ganked           INTEGER NOT NULL DEFAULT 0,
	has_smartbomb       INTEGER NOT NULL DEFAULT 0,
	is_war_related      INTEGER NOT NULL DEFAULT 0,
	raw_json            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_events_killmail ON raw_events(killmail_id);
CREATE INDEX IF NOT EXISTS idx_raw_events_observed ON raw_events(observed_at);
CREATE INDEX IF NOT EXISTS idx_attempts_killmail ON attempts(killmail_id);
CREATE INDEX IF NOT EXISTS idx_enriched_log_killmail ON enriched_log(killmail_id);
CREATE INDEX IF NOT EXISTS idx_discarded_log_killmail ON discarded_log(killmail_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// fmtTS renders timestamps fixed-width so that stored TEXT values order
// the same lexicographically as the instants they encode. RFC3339Nano
// trims trailing fraction zeros and would misorder mixed-length values.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "store: parse timestamp %q", s)
	}
	return t, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal string list")
	}
	return string(b), nil
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal string list")
	}
	return out, nil
}

func (s *SQLiteStore) AppendRawEvents(ctx context.Context, rows []model.RawEvent) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append raw")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_events (run_id, observed_at, killmail_id, killmail_hash, location_id, labels, npc, awox, solo, href, package_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert raw")
	}
	defer stmt.Close()

	for _, r := range rows {
		labels, err := marshalStrings(r.Labels)
		if err != nil {
			return err
		}
		var loc any
		if r.LocationID != nil {
			loc = *r.LocationID
		}
		if _, err := stmt.ExecContext(ctx,
			r.RunID, fmtTS(r.ObservedAt), r.KillmailID, r.KillmailHash,
			loc, labels, r.NPC, r.Awox, r.Solo, r.Href, string(r.Package),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert raw event %d", r.KillmailID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append raw")
}

func (s *SQLiteStore) AppendAttempts(ctx context.Context, rows []model.AttemptRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append attempts")
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (run_id, attempted_at, killmail_id, stage, outcome, error) VALUES (?, ?, ?, ?, ?, ?)`,
			r.RunID, fmtTS(r.AttemptedAt), r.KillmailID, string(r.Stage), string(r.Outcome), r.Error,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert attempt %d", r.KillmailID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append attempts")
}

func (s *SQLiteStore) AppendEnriched(ctx context.Context, rows []model.EnrichedRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append enriched")
	}
	defer tx.Rollback()

	for _, r := range rows {
		corps, err := marshalStrings(r.AttackerCorpNames)
		if err != nil {
			return err
		}
		var route any
		if r.StargateRoute != nil {
			route = *r.StargateRoute
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enriched_log (run_id, enriched_at, killmail_id, killmail_id_hash, killmail_hash, killmail_time,
			 solar_system_name, stargate_route, victim_ship_class, is_freighter, is_capsule, attacker_count,
			 attacker_corp_names, is_ganked, has_smartbomb, is_war_related, raw_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, fmtTS(r.EnrichedAt), r.KillmailID, r.KillmailIDHash, r.KillmailHash, r.KillmailTime,
			r.SolarSystemName, route, string(r.VictimShipClass), r.IsFreighter, r.IsCapsule, r.AttackerCount,
			corps, r.IsGanked, r.HasSmartbomb, r.IsWarRelated, string(r.RawDetail),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert enriched %d", r.KillmailID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append enriched")
}

func (s *SQLiteStore) AppendDiscarded(ctx context.Context, rows []model.DiscardedRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append discarded")
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discarded_log (run_id, discarded_at, killmail_id, reason, details) VALUES (?, ?, ?, ?, ?)`,
			r.RunID, fmtTS(r.DiscardedAt), r.KillmailID, string(r.Reason), r.Details,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert discarded %d", r.KillmailID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append discarded")
}

// pendingQuery derives pending state from the three logs. The latest raw
// row per killmail carries the metadata; worked killmails and killmails
// over the attempt bound are excluded.
const sqlitePendingQuery = `
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
       l.location_id, l.labels, l.npc, l.awox, l.solo, l.href,
       COALESCE(a.attempts, 0) AS attempts, a.last_attempt_at, la.outcome, la.error
FROM latest l
LEFT JOIN att a ON a.killmail_id = l.killmail_id
LEFT JOIN last_att la ON la.killmail_id = l.killmail_id
WHERE l.killmail_id NOT IN (SELECT killmail_id FROM enriched_log)
  AND l.killmail_id NOT IN (SELECT killmail_id FROM discarded_log)
  AND COALESCE(a.attempts, 0) <= ?
ORDER BY l.first_seen ASC
LIMIT ?`

func (s *SQLiteStore) QueryPending(ctx context.Context, limit int) ([]model.PendingState, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePendingQuery, maxPendingAttempts, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query pending")
	}
	defer rows.Close()

	var out []model.PendingState
	for rows.Next() {
		var (
			p             model.PendingState
			firstSeen     string
			lastSeen      string
			locationID    sql.NullInt64
			labels        string
			lastAttemptAt sql.NullString
			outcome       sql.NullString
			errDetail     sql.NullString
		)
		if err := rows.Scan(
			&p.KillmailID, &p.KillmailHash, &firstSeen, &lastSeen,
			&locationID, &labels, &p.NPC, &p.Awox, &p.Solo, &p.Href,
			&p.Attempts, &lastAttemptAt, &outcome, &errDetail,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending row")
		}
		if p.FirstSeen, err = parseTS(firstSeen); err != nil {
			return nil, err
		}
		if p.LastSeen, err = parseTS(lastSeen); err != nil {
			return nil, err
		}
		if locationID.Valid {
			loc := locationID.Int64
			p.LocationID = &loc
		}
		if p.Labels, err = unmarshalStrings(labels); err != nil {
			return nil, err
		}
		if lastAttemptAt.Valid {
			t, err := parseTS(lastAttemptAt.String)
			if err != nil {
				return nil, err
			}
			p.LastAttemptAt = &t
		}
		p.LastOutcome = outcome.String
		p.LastError = errDetail.String
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate pending rows")
}

var logTables = []string{"raw_events", "attempts", "enriched_log", "discarded_log", "enriched_current"}

func (s *SQLiteStore) LogCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(logTables))
	for _, table := range logTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, eris.Wrapf(err, "sqlite: count %s", table)
		}
		out[table] = n
	}
	return out, nil
}

// rewriteKeeping rewrites a table keeping only rows matching the predicate.
// SQLite cannot swap tables atomically by rename-over, so the rewrite runs
// inside one transaction: create, drop, rename.
func (s *SQLiteStore) rewriteKeeping(ctx context.Context, tx *sql.Tx, table, predicate string, args ...any) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		"CREATE TABLE "+table+"_new AS SELECT * FROM "+table+" WHERE "+predicate, args...,
	); err != nil {
		return 0, eris.Wrapf(err, "sqlite: rewrite %s", table)
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE "+table); err != nil {
		return 0, eris.Wrapf(err, "sqlite: drop %s", table)
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE "+table+"_new RENAME TO "+table); err != nil {
		return 0, eris.Wrapf(err, "sqlite: rename %s", table)
	}
	var n int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "sqlite: count %s after rewrite", table)
	}
	return n, nil
}

func (s *SQLiteStore) CompactLogs(ctx context.Context, cutoff time.Time) (*CompactStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin compact")
	}
	defer tx.Rollback()

	ts := fmtTS(cutoff)
	stats := &CompactStats{}
	if stats.RawKept, err = s.rewriteKeeping(ctx, tx, "raw_events", "observed_at >= ?", ts); err != nil {
		return nil, err
	}
	if stats.AttemptsKept, err = s.rewriteKeeping(ctx, tx, "attempts", "attempted_at >= ?", ts); err != nil {
		return nil, err
	}
	if stats.EnrichedKept, err = s.rewriteKeeping(ctx, tx, "enriched_log", "killmail_time >= ?", ts); err != nil {
		return nil, err
	}
	if stats.DiscardedKept, err = s.rewriteKeeping(ctx, tx, "discarded_log", "discarded_at >= ?", ts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit compact")
	}

	// The rewrite drops secondary indexes with the old tables.
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return nil, eris.Wrap(err, "sqlite: recreate indexes")
	}
	return stats, nil
}

func (s *SQLiteStore) MaterializeEnriched(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin materialize")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM enriched_current"); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear enriched_current")
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO enriched_current
SELECT run_id, enriched_at, killmail_id, killmail_id_hash, killmail_hash, killmail_time,
       solar_system_name, stargate_route, victim_ship_class, is_freighter, is_capsule,
       attacker_count, attacker_corp_names, is_ganked, has_smartbomb, is_war_related, raw_json
FROM (
	SELECT enriched_log.*,
	       ROW_NUMBER() OVER (PARTITION BY killmail_id ORDER BY enriched_at DESC) AS rn
	FROM enriched_log
	WHERE killmail_time >= ?
) x WHERE rn = 1`, fmtTS(cutoff))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: materialize enriched")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: materialize rows affected")
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit materialize")
}
