// Package ingest turns raw snapshot documents into relational rows.
//
// The engine owns the live schema: every incoming document is diffed against
// the known field map, new or generalized fields extend the database inside
// the same transaction that stores the document, and the updated field map is
// persisted alongside. A document either lands completely (root row, child
// rows, entity upserts, sighting links) or not at all.
//
// Ingestion is serialized. SQLite has a single writer anyway, and a single
// in-process writer keeps the schema evolution race-free: the field map held
// by the engine always matches what the database was migrated to.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/snapvault/audit"
	"github.com/hazyhaar/snapvault/config"
	"github.com/hazyhaar/snapvault/dedup"
	"github.com/hazyhaar/snapvault/docval"
	"github.com/hazyhaar/snapvault/idgen"
	"github.com/hazyhaar/snapvault/schema"
	"github.com/hazyhaar/snapvault/store"
)

// Source identifies where a document came from.
type Source struct {
	// ID is the stable identity of the document, typically the save file
	// name. Re-ingesting the same ID is a no-op.
	ID string
	// Name is a display label; defaults to ID when empty.
	Name string
}

// Result reports what one Ingest call did.
type Result struct {
	SnapshotID string
	// Duplicate is true when the source was already ingested; SnapshotID
	// then refers to the existing snapshot and nothing was written.
	Duplicate bool
	// NewFields counts top-level fields first seen in this document.
	NewFields int
}

// Engine ingests documents into a Store, evolving the schema as it goes.
type Engine struct {
	mu    sync.Mutex
	st    *store.Store
	cfg   *config.Config
	reg   dedup.Registry
	log   *slog.Logger
	now   func() time.Time
	newID idgen.Generator
	trail *audit.Trail

	fm  schema.FieldMap
	sch schema.Schema
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock overrides the capture-time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides snapshot ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithAudit records every ingestion outcome in the given trail.
func WithAudit(trail *audit.Trail) Option {
	return func(e *Engine) { e.trail = trail }
}

// New builds an engine over an opened store. The persisted field map is
// loaded and recompiled; it always matches the database layout because DDL
// and field map are committed in the same transaction.
func New(st *store.Store, cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	reg, err := cfg.Policies()
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	e := &Engine{
		st:    st,
		cfg:   cfg,
		reg:   reg,
		log:   slog.Default(),
		now:   time.Now,
		newID: idgen.Snapshot,
	}
	for _, o := range opts {
		o(e)
	}

	fm, err := st.LoadFieldMap(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ingest: load field map: %w", err)
	}
	sch, _ := schema.Compile(fm, e.schemaOpts())
	if err := sch.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	e.fm = fm
	e.sch = sch
	return e, nil
}

func (e *Engine) schemaOpts() schema.Options {
	return schema.Options{Deduped: e.reg.Has}
}

// FieldMap returns a copy of the engine's current field map.
func (e *Engine) FieldMap() schema.FieldMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fm.Clone()
}

// Ingest stores one document. It validates required fields, extends the
// schema for any drift, writes the root row plus all derived rows in one
// transaction, and returns the new snapshot's ID. Re-ingesting an already
// seen source ID changes nothing and reports the existing snapshot.
func (e *Engine) Ingest(ctx context.Context, src Source, doc docval.Value) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	res, err := e.ingest(ctx, src, doc, start)
	if e.trail != nil {
		e.trail.Record(e.auditEvent(src, res, err, e.now().Sub(start)))
	}
	return res, err
}

func (e *Engine) auditEvent(src Source, res *Result, err error, elapsed time.Duration) audit.Event {
	ev := audit.Event{SourceID: src.ID, DurationMs: elapsed.Milliseconds()}
	switch {
	case err == nil && res.Duplicate:
		ev.Outcome = audit.OutcomeDuplicate
		ev.SnapshotID = res.SnapshotID
	case err == nil:
		ev.Outcome = audit.OutcomeIngested
		ev.SnapshotID = res.SnapshotID
		ev.NewFields = res.NewFields
	default:
		var verr *ValidationError
		if errors.As(err, &verr) {
			ev.Outcome = audit.OutcomeRejected
		} else {
			ev.Outcome = audit.OutcomeFailed
		}
		ev.Detail = err.Error()
	}
	return ev
}

func (e *Engine) ingest(ctx context.Context, src Source, doc docval.Value, start time.Time) (*Result, error) {
	if src.ID == "" {
		return nil, &ValidationError{Reason: "empty source id"}
	}
	if src.Name == "" {
		src.Name = src.ID
	}
	if doc.Kind() != docval.Object {
		return nil, &ValidationError{Reason: "document is not a JSON object"}
	}
	for _, name := range e.cfg.RequiredFields {
		v, ok := doc.Field(name)
		if !ok || v.IsNull() {
			return nil, &ValidationError{Field: name, Reason: "is required"}
		}
		if k := v.Kind(); k == docval.Array || k == docval.Object {
			return nil, &ValidationError{Field: name, Reason: "must be a scalar"}
		}
	}

	delta, err := e.fm.Diff(doc)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	tx, err := e.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	// Idempotence: a source already in the store is a full no-op.
	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM "+e.sch.Root.Name+" WHERE source_id = ?", src.ID).Scan(&existing)
	switch {
	case err == nil:
		return &Result{SnapshotID: existing, Duplicate: true}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, &StorageError{Op: "lookup source", Err: err}
	}

	fm, sch := e.fm, e.sch
	newFields := 0
	if len(delta) > 0 {
		for name := range delta {
			if _, known := e.fm[name]; !known {
				newFields++
			}
		}
		fm = e.fm.Clone()
		fm.Apply(delta)
		var ddl []string
		sch, ddl = schema.Extend(e.sch, delta, e.schemaOpts())
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return nil, &StorageError{Op: "extend schema", Err: err}
			}
		}
		if err := store.SaveFieldMap(ctx, tx, fm); err != nil {
			return nil, &StorageError{Op: "save field map", Err: err}
		}
		e.log.Info("schema extended",
			"source_id", src.ID, "changed_fields", len(delta), "new_fields", newFields)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM "+sch.Root.Name).Scan(&seq)
	if err != nil {
		return nil, &StorageError{Op: "next seq", Err: err}
	}

	snapID := e.newID()
	capturedAt := start.UnixMilli()
	sourceTS := e.sourceTimestamp(doc)

	if err := e.insertRoot(ctx, tx, sch, doc, rootRow{
		id:         snapID,
		sourceID:   src.ID,
		sourceName: src.Name,
		seq:        seq,
		capturedAt: capturedAt,
		sourceTS:   sourceTS,
	}); err != nil {
		return nil, err
	}

	for _, name := range sortedNames(fm) {
		f := fm[name]
		if f.Kind == schema.KindScalar {
			continue
		}
		v, ok := doc.Field(name)
		if !ok || v.IsNull() {
			continue
		}
		row := childContext{snapshotID: snapID, capturedAt: capturedAt, sourceTS: sourceTS}
		if pol, deduped := e.reg.Lookup(name); deduped &&
			(f.Kind == schema.KindArrayOfScalar || f.Kind == schema.KindArrayOfObject) {
			err = e.insertEntities(ctx, tx, sch, f, pol, v, row)
		} else {
			err = e.insertChild(ctx, tx, sch, f, v, row)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "commit", Err: err}
	}
	e.fm, e.sch = fm, sch

	e.log.Info("snapshot ingested",
		"snapshot_id", snapID, "source_id", src.ID, "seq", seq, "source_ts", sourceTS)
	return &Result{SnapshotID: snapID, NewFields: newFields}, nil
}

// sourceTimestamp extracts the document's own clock for as-of ordering.
func (e *Engine) sourceTimestamp(doc docval.Value) string {
	v, ok := doc.Field(e.cfg.SourceTimestampField)
	if !ok {
		return ""
	}
	return scalarText(v)
}

func scalarText(v docval.Value) string {
	switch v.Kind() {
	case docval.Bool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case docval.Number:
		return v.NumberText()
	case docval.String:
		return v.Str()
	default:
		return ""
	}
}

func sortedNames(fm schema.FieldMap) []string {
	names := make([]string, 0, len(fm))
	for n := range fm {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Document pairs a source identity with its decoded payload, for Backfill.
type Document struct {
	Source Source
	Doc    docval.Value
}

// BackfillResult summarizes a Backfill run.
type BackfillResult struct {
	Ingested   int
	Duplicates int
	Rejected   int
}

// Backfill ingests a batch of historical documents in source-timestamp
// order, so sequence numbers follow the domain's own chronology rather than
// the order the files were handed in. Invalid documents are skipped and
// counted; storage failures abort the run.
func (e *Engine) Backfill(ctx context.Context, docs []Document) (BackfillResult, error) {
	ordered := make([]Document, len(docs))
	copy(ordered, docs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return strings.Compare(e.sourceTimestamp(ordered[i].Doc), e.sourceTimestamp(ordered[j].Doc)) < 0
	})

	var res BackfillResult
	for _, d := range ordered {
		r, err := e.Ingest(ctx, d.Source, d.Doc)
		switch {
		case err == nil && r.Duplicate:
			res.Duplicates++
		case err == nil:
			res.Ingested++
		default:
			var verr *ValidationError
			if errors.As(err, &verr) {
				e.log.Warn("backfill: document rejected", "source_id", d.Source.ID, "error", err)
				res.Rejected++
				continue
			}
			return res, err
		}
	}
	return res, nil
}
