// Package audit persists admission decisions.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is one admission decision as it was reported to the caller.
type Record struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Sink accepts decision records.
type Sink interface {
	Record(ctx context.Context, r Record) error
}

// Store is a queryable Sink.
type Store interface {
	Sink
	Init(ctx context.Context) error
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// ErrInvalidRecord is returned for records missing an ID or subject.
var ErrInvalidRecord = errors.New("audit: record requires id and subject")

func (r Record) validate() error {
	if r.ID == "" || r.Subject == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Open connects to the named driver ("sqlite" or "postgres") and migrates.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var store Store
	switch driver {
	case "sqlite":
		if dsn == "" {
			dsn = "stackr-audit.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite audit db: %w", err)
		}
		store = NewSQLiteStore(db)
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres audit db: %w", err)
		}
		store = NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows, scan func(rowScanner) (Record, error)) ([]Record, error) {
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
