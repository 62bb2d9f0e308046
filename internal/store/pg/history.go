package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/humanloop/internal/store"
)

// HistoryStore implements store.HistoryStore backed by Postgres.
type HistoryStore struct {
	db *sql.DB
}

func NewHistoryStore(db *sql.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

const historySelectCols = `id, question, context, status, answer, error, timeout_sec, detached, created_at, updated_at`

func (s *HistoryStore) Record(ctx context.Context, rec store.EscalationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_history (`+historySelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			answer = EXCLUDED.answer,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.Question, rec.Context, rec.Status, rec.Answer, rec.Error,
		rec.TimeoutSec, rec.Detached, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record escalation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *HistoryStore) Get(ctx context.Context, id string) (*store.EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+historySelectCols+` FROM escalation_history WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

func (s *HistoryStore) List(ctx context.Context, filter store.HistoryFilter) ([]store.EscalationRecord, error) {
	q, args := buildListQuery(filter)
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

// buildListQuery renders the filtered history query with positional args.
func buildListQuery(filter store.HistoryFilter) (string, []any) {
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(filter.Statuses))
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, "created_at >= $"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + historySelectCols + ` FROM escalation_history`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	args = append(args, limit)
	q += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))
	return q, args
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
	err := row.Scan(&rec.ID, &rec.Question, &rec.Context, &rec.Status, &answer, &rec.Error,
		&rec.TimeoutSec, &rec.Detached, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if answer.Valid {
		rec.Answer = &answer.String
	}
	return &rec, nil
}
