package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatreplay/pkg/events"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite event log: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite event log: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS playback_events (
		  run_id TEXT NOT NULL,
		  seq INTEGER NOT NULL,
		  event_id TEXT NOT NULL,
		  conversation_id TEXT NOT NULL,
		  event_type TEXT NOT NULL,
		  ts_ns INTEGER NOT NULL,
		  payload_json TEXT NOT NULL DEFAULT '',
		  PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS playback_events_by_conversation
		  ON playback_events(conversation_id, ts_ns);`,
		`CREATE INDEX IF NOT EXISTS playback_events_by_type
		  ON playback_events(event_type);`,
		`CREATE TABLE IF NOT EXISTS playback_runs (
		  run_id TEXT PRIMARY KEY,
		  conversation_id TEXT NOT NULL,
		  started_at_ms INTEGER NOT NULL,
		  last_event_at_ms INTEGER NOT NULL,
		  event_count INTEGER NOT NULL DEFAULT 0,
		  status TEXT NOT NULL DEFAULT 'loaded',
		  last_error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS playback_runs_by_last_event
		  ON playback_runs(last_event_at_ms DESC, run_id ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite event log: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e events.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	payload, err := encodePayload(e)
	if err != nil {
		return err
	}
	seq, err := uint64ToInt64(e.Seq)
	if err != nil {
		return errors.Wrap(err, "sqlite event log: seq overflow")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite event log: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO playback_events (
			run_id, seq, event_id, conversation_id, event_type, ts_ns, payload_json
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, seq, e.ID, e.ConversationID, string(e.Type), e.Timestamp.UnixNano(), string(payload))
	if err != nil {
		return errors.Wrap(err, "sqlite event log: insert event")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	run := mergeRun(RunRecord{}, runFromEvent(e))
	_, err = tx.ExecContext(ctx, `
		INSERT INTO playback_runs (
			run_id, conversation_id, started_at_ms, last_event_at_ms, event_count, status, last_error
		) VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			conversation_id = CASE
				WHEN excluded.conversation_id <> '' THEN excluded.conversation_id
				ELSE playback_runs.conversation_id
			END,
			started_at_ms = MIN(playback_runs.started_at_ms, excluded.started_at_ms),
			last_event_at_ms = MAX(playback_runs.last_event_at_ms, excluded.last_event_at_ms),
			event_count = playback_runs.event_count + 1,
			status = CASE
				WHEN ? <> '' THEN excluded.status
				ELSE playback_runs.status
			END,
			last_error = CASE
				WHEN excluded.last_error <> '' THEN excluded.last_error
				ELSE playback_runs.last_error
			END
	`, run.RunID, run.ConversationID, run.StartedAtMs, run.LastEventAtMs, run.Status, run.LastError, statusFor(e.Type))
	if err != nil {
		return errors.Wrap(err, "sqlite event log: upsert run")
	}
	return errors.Wrap(tx.Commit(), "sqlite event log: commit")
}

func (s *SQLiteStore) Events(ctx context.Context, q Query) ([]events.Record, error) {
	where := []string{"seq > ?"}
	sinceSeq, err := uint64ToInt64(q.SinceSeq)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite event log: since seq overflow")
	}
	args := []any{sinceSeq}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, q.ConversationID)
	}
	if q.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(q.Type))
	}
	args = append(args, normalizeLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, event_id, conversation_id, event_type, ts_ns, payload_json
		FROM playback_events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY ts_ns ASC, seq ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite event log: query events")
	}
	defer func() { _ = rows.Close() }()

	var out []events.Record
	for rows.Next() {
		var (
			r       events.Record
			seq     int64
			tsNs    int64
			typ     string
			payload string
		)
		if err := rows.Scan(&r.RunID, &seq, &r.ID, &r.ConversationID, &typ, &tsNs, &payload); err != nil {
			return nil, errors.Wrap(err, "sqlite event log: scan event")
		}
		if r.Seq, err = int64ToUint64(seq); err != nil {
			return nil, errors.Wrap(err, "sqlite event log: seq")
		}
		r.Type = events.EventType(typ)
		r.Timestamp = time.Unix(0, tsNs).UTC()
		if payload != "" {
			r.Payload = []byte(payload)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite event log: iterate events")
	}
	return out, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return RunRecord{}, false, errors.New("sqlite event log: run id is empty")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, conversation_id, started_at_ms, last_event_at_ms, event_count, status, last_error
		FROM playback_runs
		WHERE run_id = ?
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, conversationID string, limit int) ([]RunRecord, error) {
	query := `
		SELECT run_id, conversation_id, started_at_ms, last_event_at_ms, event_count, status, last_error
		FROM playback_runs`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY last_event_at_ms DESC, run_id ASC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite event log: list runs")
	}
	defer func() { _ = rows.Close() }()
	var out []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite event log: iterate runs")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var r RunRecord
	err := row.Scan(&r.RunID, &r.ConversationID, &r.StartedAtMs, &r.LastEventAtMs, &r.EventCount, &r.Status, &r.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, err
	}
	if err != nil {
		return RunRecord{}, errors.Wrap(err, "sqlite event log: scan run")
	}
	return r, nil
}

func uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("value %d overflows int64", v)
	}
	return int64(v), nil
}

func int64ToUint64(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("value %d cannot be represented as uint64", v)
	}
	return uint64(v), nil
}
