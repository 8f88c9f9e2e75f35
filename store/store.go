package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/snapvault/docval"
	"github.com/hazyhaar/snapvault/schema"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("store: snapshot not found")

// Store is the handle to one snapshot database. It is safe for concurrent
// readers; writes are serialized by the ingestion engine that owns it.
type Store struct {
	db   *sql.DB
	path string
	log  *slog.Logger
}

// DB exposes the underlying database for the engine, queue and audit layers
// sharing this store.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Snapshot is one ingested document's root row.
type Snapshot struct {
	ID         string
	SourceID   string
	SourceName string
	// Seq is the ingestion sequence number; later ingests have a larger Seq.
	Seq        int64
	CapturedAt time.Time
	// SourceTS is the source domain's own clock at capture time.
	SourceTS string
	// Fields holds the top-level scalar fields by document field name.
	// Values are driver-native: int64, float64, string, bool stored as
	// int64, or nil. Opaque fields hold serialized JSON text.
	Fields map[string]any
}

// LoadFieldMap returns the most recently registered field map, or an empty
// map when nothing has been ingested yet.
func (s *Store) LoadFieldMap(ctx context.Context) (schema.FieldMap, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT fieldmap FROM schema_registry ORDER BY version DESC LIMIT 1`,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.FieldMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load field map: %w", err)
	}
	fm := schema.FieldMap{}
	if err := json.Unmarshal([]byte(raw), &fm); err != nil {
		return nil, fmt.Errorf("store: decode field map: %w", err)
	}
	return fm, nil
}

// SaveFieldMap appends a new field map version inside the given transaction,
// keeping the full history of schema drift.
func SaveFieldMap(ctx context.Context, tx *sql.Tx, fm schema.FieldMap) error {
	raw, err := json.Marshal(fm)
	if err != nil {
		return fmt.Errorf("store: encode field map: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_registry (fieldmap, updated_at) VALUES (?, ?)`,
		string(raw), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save field map: %w", err)
	}
	return nil
}

// Latest returns the most recently committed snapshot, or nil when the
// store is empty.
func (s *Store) Latest(ctx context.Context) (*Snapshot, error) {
	return s.one(ctx, `SELECT * FROM snapshots ORDER BY seq DESC LIMIT 1`)
}

// AsOf returns the latest snapshot whose source timestamp is at or before
// ts, or nil when no snapshot is that old. Source timestamps compare
// lexically; ISO-8601 values order correctly.
func (s *Store) AsOf(ctx context.Context, ts string) (*Snapshot, error) {
	return s.one(ctx,
		`SELECT * FROM snapshots WHERE source_ts <= ? ORDER BY source_ts DESC, seq DESC LIMIT 1`, ts)
}

// Seq returns the highest committed ingestion sequence number, 0 when empty.
func (s *Store) Seq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM snapshots`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: seq: %w", err)
	}
	return seq.Int64, nil
}

// RawDocument round-trips the raw backup of a snapshot back into the
// document that was ingested.
func (s *Store) RawDocument(ctx context.Context, snapshotID string) (docval.Value, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT raw_doc FROM snapshots WHERE id = ?`, snapshotID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return docval.Value{}, fmt.Errorf("%w: %s", ErrNotFound, snapshotID)
	}
	if err != nil {
		return docval.Value{}, fmt.Errorf("store: raw document: %w", err)
	}
	return docval.Decode([]byte(raw))
}

func (s *Store) one(ctx context.Context, query string, args ...any) (*Snapshot, error) {
	// Load the field map before opening the row cursor: on a single
	// connection a nested query would starve the pool.
	fm, err := s.LoadFieldMap(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query snapshot: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("store: query snapshot: %w", err)
		}
		return nil, nil
	}

	snap, err := scanSnapshot(rows, fm)
	if err != nil {
		return nil, err
	}
	return snap, rows.Err()
}

// scanSnapshot maps a root row onto a Snapshot, translating generated
// column names back to document field names via the registered field map.
func scanSnapshot(rows *sql.Rows, fm schema.FieldMap) (*Snapshot, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: columns: %w", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("store: scan snapshot: %w", err)
	}

	byColumn := make(map[string]any, len(cols))
	for i, c := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		byColumn[c] = v
	}

	snap := &Snapshot{Fields: make(map[string]any)}
	snap.ID, _ = byColumn["id"].(string)
	snap.SourceID, _ = byColumn["source_id"].(string)
	snap.SourceName, _ = byColumn["source_name"].(string)
	snap.SourceTS, _ = byColumn["source_ts"].(string)
	if seq, ok := byColumn["seq"].(int64); ok {
		snap.Seq = seq
	}
	if ms, ok := byColumn["captured_at"].(int64); ok {
		snap.CapturedAt = time.UnixMilli(ms)
	}

	for name, f := range fm {
		if f.Kind != schema.KindScalar {
			continue
		}
		col := schema.ColumnName(name, "doc")
		if v, ok := byColumn[col]; ok {
			snap.Fields[name] = v
		}
	}
	return snap, nil
}

// Stats summarizes the store for diagnostics.
type Stats struct {
	Snapshots       int64
	FirstCapturedAt time.Time
	LastCapturedAt  time.Time
	// Rows counts child, entity and sighting rows per table name.
	Rows map[string]int64
}

// Stats reports row counts across the compiled layout. Read-only.
func (s *Store) Stats(ctx context.Context, deduped func(string) bool) (*Stats, error) {
	st := &Stats{Rows: make(map[string]int64)}

	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(captured_at), MAX(captured_at) FROM snapshots`,
	).Scan(&st.Snapshots, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	st.FirstCapturedAt = time.UnixMilli(first.Int64)
	st.LastCapturedAt = time.UnixMilli(last.Int64)

	fm, err := s.LoadFieldMap(ctx)
	if err != nil {
		return nil, err
	}
	sch, _ := schema.Compile(fm, schema.Options{Deduped: deduped})
	for _, t := range sch.Children {
		n, err := s.countRows(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		st.Rows[t.Name] = n
	}
	for _, t := range sch.Links {
		n, err := s.countRows(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		st.Rows[t.Name] = n
	}
	return st, nil
}

func (s *Store) countRows(ctx context.Context, table string) (int64, error) {
	var n int64
	// Table names come from the compiler, not from user input.
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count %s: %w", table, err)
	}
	return n, nil
}
