package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps decisions in a local SQLite file (lite mode).
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	// SQLite serialises writers; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS admission_decisions (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		granted INTEGER NOT NULL,
		reason TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		checked_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sqlite audit store: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_admission_decisions_checked_at ON admission_decisions(checked_at)`)
	return err
}

func (s *SQLiteStore) Record(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	granted := 0
	if r.Granted {
		granted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admission_decisions (id, subject, granted, reason, detail, checked_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Subject, granted, r.Reason, r.Detail, r.CheckedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, granted, reason, detail, checked_at
		FROM admission_decisions
		ORDER BY checked_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows, func(row rowScanner) (Record, error) {
		var (
			r         Record
			granted   int
			checkedAt string
		)
		if err := row.Scan(&r.ID, &r.Subject, &granted, &r.Reason, &r.Detail, &checkedAt); err != nil {
			return Record{}, err
		}
		r.Granted = granted == 1
		t, err := time.Parse(time.RFC3339Nano, checkedAt)
		if err != nil {
			return Record{}, fmt.Errorf("decision %s: bad timestamp: %w", r.ID, err)
		}
		r.CheckedAt = t
		return r, nil
	})
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
