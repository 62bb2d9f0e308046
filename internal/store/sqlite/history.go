// Package sqlite implements the escalation history store on an embedded
// SQLite file (pure Go driver, no cgo). It creates its own schema.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/humanloop/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS escalation_history (
	id          TEXT PRIMARY KEY,
	question    TEXT NOT NULL,
	context     TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	answer      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	timeout_sec INTEGER NOT NULL DEFAULT 0,
	detached    INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalation_history_created ON escalation_history(created_at DESC);
`

const selectCols = `id, question, context, status, answer, error, timeout_sec, detached, created_at, updated_at`

// HistoryStore implements store.HistoryStore backed by SQLite.
type HistoryStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*HistoryStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

func (s *HistoryStore) Record(ctx context.Context, rec store.EscalationRecord) error {
	var answer any
	if rec.Answer != nil {
		answer = *rec.Answer
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_history (`+selectCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			answer = excluded.answer,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Question, rec.Context, rec.Status, answer, rec.Error,
		rec.TimeoutSec, boolToInt(rec.Detached),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record escalation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *HistoryStore) Get(ctx context.Context, id string) (*store.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM escalation_history WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *HistoryStore) List(ctx context.Context, filter store.HistoryFilter) ([]store.EscalationRecord, error) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	q := `SELECT ` + selectCols + ` FROM escalation_history`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.EscalationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Ping checks that the database is reachable.
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*store.EscalationRecord, error) {
	var rec store.EscalationRecord
	var answer sql.NullString
	var detached int
	var created, updated int64
	err := row.Scan(&rec.ID, &rec.Question, &rec.Context, &rec.Status, &answer, &rec.Error,
		&rec.TimeoutSec, &detached, &created, &updated)
	if err != nil {
		return nil, err
	}
	if answer.Valid {
		rec.Answer = &answer.String
	}
	rec.Detached = detached != 0
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
