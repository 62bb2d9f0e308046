// Package pg implements the escalation history store on Postgres. The schema
// is owned by golang-migrate (see migrations/) and checked on open.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/humanloop/internal/upgrade"
)

// OpenDB opens a pgx-backed database/sql pool and verifies connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Open connects to dsn and refuses to continue unless the schema matches
// this binary.
func Open(dsn string) (*HistoryStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if err := status.Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w\n%s", err, upgrade.FormatError(status))
	}
	return NewHistoryStore(db), nil
}
