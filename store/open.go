// Package store is the persistence and query substrate: it owns the SQLite
// database holding snapshot history and serves the read-side API: latest,
// as-of, trend and raw-document queries.
//
// Writes go through the ingestion engine, which serializes them; readers
// here run against WAL snapshots and never observe a half-written snapshot.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/snapvault/schema"
)

type openConfig struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	logger      *slog.Logger
}

func openDefaults() openConfig {
	return openConfig{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		logger:      slog.Default(),
	}
}

// Option customises Open behaviour.
type Option func(*openConfig)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *openConfig) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *openConfig) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *openConfig) { c.mkdirAll = true } }

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(c *openConfig) { c.logger = l } }

// Open opens (or creates) the store at path with production pragmas applied
// (WAL journal, foreign keys, busy timeout) and the system tables in place.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := openDefaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	s := &Store{db: db, path: path, log: cfg.logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the system tables: the bare root table (its scalar columns
// arrive via schema extension), the schema registry, and the root indexes.
func (s *Store) migrate() error {
	_, ddl := schema.Compile(nil, schema.Options{})
	ddl = append(ddl, schema.RootIndexSQL("snapshots")...)
	ddl = append(ddl, `
		CREATE TABLE IF NOT EXISTS schema_registry (
			version     INTEGER PRIMARY KEY AUTOINCREMENT,
			fieldmap    TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`)
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// OpenMemory opens an in-memory store for testing and registers cleanup.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
