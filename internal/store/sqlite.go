package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists records in a pure-Go SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer; sessions finish concurrently
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			call_id     TEXT PRIMARY KEY,
			sip_call_id TEXT NOT NULL DEFAULT '',
			caller_id   TEXT NOT NULL DEFAULT '',
			caller_name TEXT NOT NULL DEFAULT '',
			called_id   TEXT NOT NULL DEFAULT '',
			agi_uri     TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			ended_at    TEXT NOT NULL DEFAULT '',
			commands    INTEGER NOT NULL DEFAULT 0,
			dial_status TEXT NOT NULL DEFAULT '',
			end_reason  TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			failover    TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions (started_at)`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, rec *SessionRecord) error {
	ended := ""
	if !rec.EndedAt.IsZero() {
		ended = rec.EndedAt.UTC().Format(timeFormat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (call_id, sip_call_id, caller_id, caller_name, called_id, agi_uri, started_at, ended_at, commands, dial_status, end_reason, error, failover)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			commands = excluded.commands,
			dial_status = excluded.dial_status,
			end_reason = excluded.end_reason,
			error = excluded.error,
			failover = excluded.failover
	`, rec.CallID, rec.SIPCallID, rec.CallerID, rec.CallerName, rec.CalledID, rec.AGIURI,
		rec.StartedAt.UTC().Format(timeFormat), ended, rec.Commands,
		rec.DialStatus, rec.EndReason, rec.Error, rec.Failover)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.CallID, err)
	}
	return nil
}

const selectColumns = `SELECT call_id, sip_call_id, caller_id, caller_name, called_id, agi_uri, started_at, ended_at, commands, dial_status, end_reason, error, failover FROM sessions`

func (s *SQLiteStore) Get(ctx context.Context, callID string) (*SessionRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE call_id = ?`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*SessionRecord, error) {
	var (
		rec            SessionRecord
		started, ended string
	)
	err := row.Scan(&rec.CallID, &rec.SIPCallID, &rec.CallerID, &rec.CallerName, &rec.CalledID, &rec.AGIURI,
		&started, &ended, &rec.Commands, &rec.DialStatus, &rec.EndReason, &rec.Error, &rec.Failover)
	if err != nil {
		return nil, err
	}
	if rec.StartedAt, err = time.Parse(timeFormat, started); err != nil {
		return nil, fmt.Errorf("started_at %q: %w", started, err)
	}
	if ended != "" {
		if rec.EndedAt, err = time.Parse(timeFormat, ended); err != nil {
			return nil, fmt.Errorf("ended_at %q: %w", ended, err)
		}
	}
	return &rec, nil
}
