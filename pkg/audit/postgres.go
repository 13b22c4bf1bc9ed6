package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS admission_decisions (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			granted BOOLEAN NOT NULL,
			reason TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			checked_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate postgres audit store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	// Retried writes of the same decision are harmless.
	query := `
		INSERT INTO admission_decisions (id, subject, granted, reason, detail, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.Subject, r.Granted, r.Reason, r.Detail, r.CheckedAt.UTC()); err != nil {
		return fmt.Errorf("failed to persist decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject, granted, reason, detail, checked_at FROM admission_decisions ORDER BY checked_at DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	return scanRecords(rows, func(row rowScanner) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Subject, &r.Granted, &r.Reason, &r.Detail, &r.CheckedAt)
		return r, err
	})
}

func (s *PostgresStore) Close() error { return s.db.Close() }
