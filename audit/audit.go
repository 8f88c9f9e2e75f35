// Package audit records the outcome of every ingestion attempt in an
// append-only trail stored alongside the snapshot data. The trail answers
// "what happened to this file" questions long after the log output is gone:
// which documents were ingested, which were duplicates, which were rejected
// and why.
//
// Entries are buffered and flushed in batches so recording never blocks the
// ingestion path. Call Close to drain the buffer before shutdown.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/snapvault/idgen"
)

// Outcome classifies what happened to a single document.
const (
	OutcomeIngested  = "ingested"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Event is one record in the ingestion audit trail.
type Event struct {
	ID         string
	Timestamp  time.Time
	SourceID   string // stable identity of the document, e.g. the file name
	SnapshotID string // set when the document produced a snapshot row
	Outcome    string
	Detail     string // human-readable reason for rejected/failed outcomes
	NewFields  int    // schema fields added while ingesting this document
	DurationMs int64
}

// Filter narrows Query results. Zero values mean "any".
type Filter struct {
	Since    time.Time
	Until    time.Time
	SourceID string
	Outcome  string
	Limit    int // default 100
}

// Schema is the DDL for the audit trail table.
const Schema = `
CREATE TABLE IF NOT EXISTS ingest_audit (
    event_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    source_id TEXT NOT NULL,
    snapshot_id TEXT,
    outcome TEXT NOT NULL,
    detail TEXT,
    new_fields INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ingest_audit_time ON ingest_audit(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_ingest_audit_source ON ingest_audit(source_id);
CREATE INDEX IF NOT EXISTS idx_ingest_audit_outcome ON ingest_audit(outcome, timestamp DESC);
`

// Trail persists ingestion events asynchronously.
type Trail struct {
	db    *sql.DB
	log   *slog.Logger
	newID idgen.Generator
	ch    chan Event
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Option configures a Trail.
type Option func(*Trail)

// WithLogger sets the logger used for flush failures.
func WithLogger(log *slog.Logger) Option {
	return func(t *Trail) { t.log = log }
}

// WithIDGenerator sets a custom generator for event IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(t *Trail) { t.newID = gen }
}

// NewTrail creates the ingest_audit table if needed and starts the flush
// goroutine. bufferSize bounds how many unflushed events Record will hold.
func NewTrail(db *sql.DB, bufferSize int, opts ...Option) (*Trail, error) {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	t := &Trail{
		db:    db,
		log:   slog.Default(),
		newID: idgen.Event,
		ch:    make(chan Event, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	go t.flushLoop()
	return t, nil
}

// Record queues an event for persistence. It never blocks the caller: when
// the buffer is full the event is written synchronously instead.
func (t *Trail) Record(ev Event) {
	t.fillDefaults(&ev)
	select {
	case t.ch <- ev:
	default:
		t.log.Warn("audit buffer full, writing synchronously", "source_id", ev.SourceID)
		if err := t.insert(context.Background(), ev); err != nil {
			t.log.Error("audit: synchronous write failed", "error", err)
		}
	}
}

// Query returns events matching the filter, newest first.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := `SELECT event_id, timestamp, source_id, snapshot_id, outcome, detail, new_fields, duration_ms
		FROM ingest_audit WHERE 1=1`
	var args []any
	if !f.Since.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.UnixMilli())
	}
	if f.SourceID != "" {
		q += " AND source_id = ?"
		args = append(args, f.SourceID)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, f.Outcome)
	}
	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ts int64
		var snapID, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ts, &ev.SourceID, &snapID, &ev.Outcome, &detail, &ev.NewFields, &ev.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts)
		ev.SnapshotID = snapID.String
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than the retention window and reports how
// many rows were removed.
func (t *Trail) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := t.db.ExecContext(ctx, "DELETE FROM ingest_audit WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains buffered events and stops the flush goroutine. Safe to call
// more than once.
func (t *Trail) Close() error {
	t.once.Do(func() { close(t.stop) })
	<-t.done
	return nil
}

func (t *Trail) fillDefaults(ev *Event) {
	if ev.ID == "" {
		ev.ID = t.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
}

func (t *Trail) flushLoop() {
	defer close(t.done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	batch := make([]Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			t.log.Error("audit: begin tx", "error", err)
			return
		}
		for _, ev := range batch {
			if err := t.insertTx(ctx, tx, ev); err != nil {
				t.log.Error("audit: insert", "error", err, "event_id", ev.ID)
			}
		}
		if err := tx.Commit(); err != nil {
			t.log.Error("audit: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-t.stop:
			for {
				select {
				case ev := <-t.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case ev := <-t.ch:
			batch = append(batch, ev)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertSQL = `INSERT INTO ingest_audit
	(event_id, timestamp, source_id, snapshot_id, outcome, detail, new_fields, duration_ms)
	VALUES (?,?,?,?,?,?,?,?)`

func (t *Trail) insert(ctx context.Context, ev Event) error {
	_, err := t.db.ExecContext(ctx, insertSQL,
		ev.ID, ev.Timestamp.UnixMilli(), ev.SourceID, nullStr(ev.SnapshotID),
		ev.Outcome, nullStr(ev.Detail), ev.NewFields, ev.DurationMs)
	return err
}

func (t *Trail) insertTx(ctx context.Context, tx *sql.Tx, ev Event) error {
	_, err := tx.ExecContext(ctx, insertSQL,
		ev.ID, ev.Timestamp.UnixMilli(), ev.SourceID, nullStr(ev.SnapshotID),
		ev.Outcome, nullStr(ev.Detail), ev.NewFields, ev.DurationMs)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
