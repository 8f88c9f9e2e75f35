// Package queue decouples document arrival from ingestion with a visibility
// timeout mailbox stored in the same SQLite database as the snapshots.
//
// Producers publish raw documents as they appear; a single consumer feeds
// them to the ingestion engine in arrival order. A claimed document stays
// invisible for a configurable duration: if the consumer crashes before
// acknowledging, the document reappears and is redelivered. Rejected
// documents (validation failures) are acknowledged immediately, redelivery
// cannot fix them.
//
// The mailbox is pure SQLite, there is no external broker.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/snapvault/config"
	"github.com/hazyhaar/snapvault/docval"
	"github.com/hazyhaar/snapvault/idgen"
	"github.com/hazyhaar/snapvault/ingest"
)

// Job is one queued document.
type Job struct {
	ID         string
	SourceID   string
	SourceName string
	Payload    []byte
	VisibleAt  time.Time
	CreatedAt  time.Time
	Attempts   int
}

// Options configures mailbox behaviour.
type Options struct {
	// Visibility is how long a claimed document stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a document after this many deliveries. 0 means
	// unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// FromConfig translates the queue section of the configuration.
func FromConfig(qc config.QueueConfig) Options {
	return Options{
		Visibility:   time.Duration(qc.VisibilityMS) * time.Millisecond,
		PollInterval: time.Duration(qc.PollIntervalMS) * time.Millisecond,
		MaxAttempts:  qc.MaxAttempts,
	}
}

// Mailbox is the queue handle.
type Mailbox struct {
	db    *sql.DB
	opts  Options
	newID idgen.Generator
}

// New creates the ingest_queue table if needed and returns a handle.
func New(db *sql.DB, opts Options) (*Mailbox, error) {
	opts.defaults()
	m := &Mailbox{db: db, opts: opts, newID: idgen.Job}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ingest_queue (
			id          TEXT PRIMARY KEY,
			source_id   TEXT NOT NULL,
			source_name TEXT NOT NULL,
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ingest_queue_visible ON ingest_queue (visible_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: create table: %w", err)
	}
	return m, nil
}

// Publish inserts a raw document that is immediately visible and returns the
// job ID.
func (m *Mailbox) Publish(ctx context.Context, sourceID, sourceName string, payload []byte) (string, error) {
	if sourceName == "" {
		sourceName = sourceID
	}
	id := m.newID()
	now := time.Now().UnixMilli()
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO ingest_queue (id, source_id, source_name, payload, visible_at, created_at)
		 VALUES (?,?,?,?,?,?)`,
		id, sourceID, sourceName, payload, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("queue: publish %s: %w", sourceID, err)
	}
	return id, nil
}

// Claim atomically picks the oldest visible document, marks it invisible for
// the configured duration, and returns it. Returns nil, nil when nothing is
// visible.
func (m *Mailbox) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(m.opts.Visibility).UnixMilli()

	row := m.db.QueryRowContext(ctx, `
		UPDATE ingest_queue
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM ingest_queue
			WHERE visible_at <= ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, source_id, source_name, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.SourceID, &j.SourceName, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a processed document.
func (m *Mailbox) Ack(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM ingest_queue WHERE id = ?`, id)
	return err
}

// Nack makes a document immediately visible again.
func (m *Mailbox) Nack(ctx context.Context, id string) error {
	_, err := m.db.ExecContext(ctx, `UPDATE ingest_queue SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Extend pushes the visibility timeout forward for a document that needs
// more processing time.
func (m *Mailbox) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := m.db.ExecContext(ctx,
		`UPDATE ingest_queue SET visible_at = ? WHERE id = ?`, hideUntil, id)
	return err
}

// Len returns the total number of queued documents, visible or not.
func (m *Mailbox) Len(ctx context.Context) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_queue`).Scan(&n)
	return n, err
}

// Purge deletes all queued documents.
func (m *Mailbox) Purge(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM ingest_queue`)
	return err
}

// Run polls for visible documents and feeds them to the engine, one at a
// time. Documents the engine rejects as invalid are acknowledged, storage
// failures are nacked for redelivery. Blocks until ctx is cancelled.
func (m *Mailbox) Run(ctx context.Context, eng *ingest.Engine) {
	log := m.opts.Logger
	log.Info("queue: consumer started",
		"visibility", m.opts.Visibility, "poll", m.opts.PollInterval)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("queue: consumer stopped")
			return
		case <-ticker.C:
			m.drain(ctx, eng, log)
		}
	}
}

func (m *Mailbox) drain(ctx context.Context, eng *ingest.Engine, log *slog.Logger) {
	for {
		job, err := m.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("queue: claim failed", "error", err)
			}
			return
		}
		if job == nil {
			return
		}

		if m.opts.MaxAttempts > 0 && job.Attempts > m.opts.MaxAttempts {
			log.Warn("queue: document exceeded max attempts, discarding",
				"id", job.ID, "source_id", job.SourceID, "attempts", job.Attempts)
			_ = m.Ack(ctx, job.ID)
			continue
		}

		doc, err := docval.Decode(job.Payload)
		if err != nil {
			log.Warn("queue: undecodable document, discarding",
				"id", job.ID, "source_id", job.SourceID, "error", err)
			_ = m.Ack(ctx, job.ID)
			continue
		}

		_, err = eng.Ingest(ctx, ingest.Source{ID: job.SourceID, Name: job.SourceName}, doc)
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			// Redelivery cannot fix an invalid document.
			log.Warn("queue: document rejected",
				"id", job.ID, "source_id", job.SourceID, "error", err)
			_ = m.Ack(ctx, job.ID)
		case err != nil:
			log.Warn("queue: ingest failed, nacking",
				"id", job.ID, "source_id", job.SourceID, "error", err)
			_ = m.Nack(ctx, job.ID)
		default:
			_ = m.Ack(ctx, job.ID)
		}
	}
}
