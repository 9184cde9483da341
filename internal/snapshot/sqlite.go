// Package snapshot persists fetched resources to a local SQLite database so
// a run's raw material can be re-examined without hitting the server again.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS resources (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    resource_type TEXT NOT NULL,
    resource_id   TEXT NOT NULL DEFAULT '',
    body          TEXT NOT NULL,
    fetched_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_resources_type ON resources (resource_type);
`

// Store is a local SQLite snapshot of fetched resources.
//
// Timestamps are stored as RFC3339Nano strings: modernc.org/sqlite gives
// TEXT affinity to time values anyway, and strings round-trip reliably.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at path and ensures the
// schema exists. path may be a plain file path or a file: DSN.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("snapshot: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

// Insert stores one resource body. resourceID may be empty when the
// resource carries no id field.
func (s *Store) Insert(ctx context.Context, resourceType, resourceID string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (resource_type, resource_id, body, fetched_at) VALUES (?, ?, ?, ?)`,
		resourceType, resourceID, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("snapshot: insert %s: %w", resourceType, err)
	}
	return nil
}

// CountByType returns the number of stored resources per resource type.
func (s *Store) CountByType(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_type, COUNT(*) FROM resources GROUP BY resource_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

// Sink accepts resources for a fetch run, persisting each one to the store
// while forwarding it to an inner sink. Persistence errors do not interrupt
// the run; the first one is retained and exposed via Err.
type Sink struct {
	ctx          context.Context
	store        *Store
	resourceType string
	inner        acceptor
	err          error
}

type acceptor interface {
	Accept(resource map[string]any)
}

// NewSink wraps inner so every accepted resource is also written to store.
func NewSink(ctx context.Context, store *Store, resourceType string, inner acceptor) *Sink {
	return &Sink{ctx: ctx, store: store, resourceType: resourceType, inner: inner}
}

// Accept persists the resource and forwards it to the inner sink.
func (s *Sink) Accept(resource map[string]any) {
	s.inner.Accept(resource)

	body, err := json.Marshal(resource)
	if err != nil {
		if s.err == nil {
			s.err = fmt.Errorf("snapshot: marshal resource: %w", err)
		}
		return
	}
	id, _ := resource["id"].(string)
	if err := s.store.Insert(s.ctx, s.resourceType, id, body); err != nil && s.err == nil {
		s.err = err
	}
}

// Err returns the first persistence error encountered, if any.
func (s *Sink) Err() error { return s.err }
