package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eveobs/killfeed/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS raw_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendRawEvents_UsesCopy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"raw_events"},
		[]string{"run_id", "observed_at", "killmail_id", "killmail_hash", "location_id", "labels", "npc", "awox", "solo", "href", "package_json"}).
		WillReturnResult(2)

	err := s.AppendRawEvents(context.Background(), []model.RawEvent{
		rawEvent(1001, baseTime),
		rawEvent(1002, baseTime.Add(time.Second), "cat:6"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendAttempts_EmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	// No expectations: an empty batch must not touch the pool.
	require.NoError(t, s.AppendAttempts(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEnriched_UsesCopy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"enriched_log"},
		[]string{"run_id", "enriched_at", "killmail_id", "killmail_id_hash", "killmail_hash", "killmail_time",
			"solar_system_name", "stargate_route", "victim_ship_class", "is_freighter", "is_capsule", "attacker_count",
			"attacker_corp_names", "is_ganked", "has_smartbomb", "is_war_related", "raw_json"}).
		WillReturnResult(1)

	err := s.AppendEnriched(context.Background(), []model.EnrichedRecord{
		enrichedRow(1003, baseTime, "2026-08-29T17:55:00Z"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryPending(t *testing.T) {
	s, mock := newMockStore(t)

	lastAttempt := baseTime.Add(-time.Minute)
	outcome := "fail"
	errDetail := "esi: HTTP 502"
	loc := int64(50001248)

	rows := pgxmock.NewRows([]string{
		"killmail_id", "killmail_hash", "first_seen", "last_seen",
		"location_id", "labels", "npc", "awox", "solo", "href",
		"attempts", "last_attempt_at", "outcome", "error",
	}).
		AddRow(int64(2001), "hash-2001", baseTime.Add(-time.Hour), baseTime,
			&loc, `["cat:6"]`, false, false, true, "https://example/km/2001",
			2, &lastAttempt, &outcome, &errDetail).
		AddRow(int64(2002), "hash-2002", baseTime, baseTime,
			(*int64)(nil), `[]`, false, false, false, "",
			0, (*time.Time)(nil), (*string)(nil), (*string)(nil))

	mock.ExpectQuery("WITH ranked AS").
		WithArgs(maxPendingAttempts, 10).
		WillReturnRows(rows)

	pending, err := s.QueryPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	p := pending[0]
	assert.Equal(t, int64(2001), p.KillmailID)
	require.NotNil(t, p.LocationID)
	assert.Equal(t, loc, *p.LocationID)
	assert.Equal(t, []string{"cat:6"}, p.Labels)
	assert.True(t, p.Solo)
	assert.Equal(t, 2, p.Attempts)
	require.NotNil(t, p.LastAttemptAt)
	assert.Equal(t, "fail", p.LastOutcome)
	assert.Equal(t, "esi: HTTP 502", p.LastError)

	assert.Equal(t, int64(2002), pending[1].KillmailID)
	assert.Nil(t, pending[1].LocationID)
	assert.Empty(t, pending[1].LastOutcome)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLogCounts(t *testing.T) {
	s, mock := newMockStore(t)

	for range logTables {
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))
	}

	counts, err := s.LogCounts(context.Background())
	require.NoError(t, err)
	for _, table := range logTables {
		assert.Equal(t, int64(7), counts[table])
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompactLogs(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := baseTime.AddDate(0, 0, -400)

	mock.ExpectBegin()
	for _, kept := range []int64{5, 4, 3, 2} {
		mock.ExpectExec("CREATE TABLE").WillReturnResult(pgxmock.NewResult("SELECT", kept))
		mock.ExpectExec("DROP TABLE").WillReturnResult(pgxmock.NewResult("DROP", 0))
		mock.ExpectExec("ALTER TABLE").WillReturnResult(pgxmock.NewResult("ALTER", 0))
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(kept))
	}
	mock.ExpectCommit()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS raw_events").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectRollback()

	stats, err := s.CompactLogs(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, &CompactStats{RawKept: 5, AttemptsKept: 4, EnrichedKept: 3, DiscardedKept: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompactLogs_RewriteFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.CompactLogs(context.Background(), baseTime)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMaterializeEnriched(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := baseTime.AddDate(0, 0, -365)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM enriched_current").
		WillReturnResult(pgxmock.NewResult("DELETE", 9))
	mock.ExpectExec("INSERT INTO enriched_current").
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("INSERT", 42))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := s.MaterializeEnriched(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
