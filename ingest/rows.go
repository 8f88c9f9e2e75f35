package ingest

import (
	"context"
	"database/sql"
	"strings"

	"github.com/hazyhaar/snapvault/dedup"
	"github.com/hazyhaar/snapvault/docval"
	"github.com/hazyhaar/snapvault/schema"
)

type rootRow struct {
	id         string
	sourceID   string
	sourceName string
	seq        int64
	capturedAt int64
	sourceTS   string
}

// childContext carries the per-snapshot values repeated on every derived row.
type childContext struct {
	snapshotID string
	capturedAt int64
	sourceTS   string
}

func (e *Engine) insertRoot(ctx context.Context, tx *sql.Tx, sch schema.Schema, doc docval.Value, r rootRow) error {
	cols := []string{"id", "source_id", "source_name", "seq", "captured_at", "source_ts", "raw_doc"}
	args := []any{r.id, r.sourceID, r.sourceName, r.seq, r.capturedAt, r.sourceTS, string(doc.Encode())}
	for _, c := range sch.Root.Columns {
		if c.System {
			continue
		}
		v, ok := doc.Field(c.Source)
		if !ok || v.IsNull() {
			continue
		}
		cols = append(cols, c.Name)
		args = append(args, bindValue(v, c.Type))
	}
	if _, err := tx.ExecContext(ctx, insertSQL(sch.Root.Name, cols), args...); err != nil {
		return &StorageError{Op: "insert into " + sch.Root.Name, Err: err}
	}
	return nil
}

func (e *Engine) insertChild(ctx context.Context, tx *sql.Tx, sch schema.Schema, f schema.Field, v docval.Value, c childContext) error {
	t := sch.Children[f.Name]
	base := func() ([]string, []any) {
		return []string{"snapshot_id", "captured_at", "source_ts"},
			[]any{c.snapshotID, c.capturedAt, c.sourceTS}
	}
	exec := func(cols []string, args []any) error {
		if _, err := tx.ExecContext(ctx, insertSQL(t.Name, cols), args...); err != nil {
			return &StorageError{Op: "insert into " + t.Name, Err: err}
		}
		return nil
	}

	switch f.Kind {
	case schema.KindArrayOfScalar, schema.KindArrayOfObject:
		if v.Kind() != docval.Array {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			cols, args := base()
			cols = append(cols, "position")
			args = append(args, i)
			cols, args = itemPayload(t, v.Index(i), cols, args)
			if err := exec(cols, args); err != nil {
				return err
			}
		}
	case schema.KindKeyedObject:
		if v.Kind() != docval.Object {
			return nil
		}
		for _, key := range v.Keys() {
			val, _ := v.Field(key)
			cols, args := base()
			cols = append(cols, "key")
			args = append(args, key)
			cols, args = itemPayload(t, val, cols, args)
			if err := exec(cols, args); err != nil {
				return err
			}
		}
	case schema.KindObject:
		if v.Kind() != docval.Object {
			return nil
		}
		cols, args := base()
		cols, args = itemPayload(t, v, cols, args)
		return exec(cols, args)
	}
	return nil
}

func (e *Engine) insertEntities(ctx context.Context, tx *sql.Tx, sch schema.Schema, f schema.Field, pol dedup.Policy, v docval.Value, c childContext) error {
	if v.Kind() != docval.Array {
		return nil
	}
	t := sch.Children[f.Name]
	link := sch.Links[f.Name]

	for i := 0; i < v.Len(); i++ {
		item := v.Index(i)
		key, ok := pol.Key(item)
		if !ok {
			// An item the key policy cannot classify is still kept: the
			// sighting row carries the serialized payload instead of a key.
			drift := &SchemaDriftError{Field: f.Name, Reason: "item has no natural key"}
			e.log.Warn("keeping unclassifiable item serialized",
				"field", f.Name, "position", i, "err", drift)
			cols := []string{"snapshot_id", "position", "item_raw", "captured_at", "source_ts"}
			args := []any{c.snapshotID, i, string(item.Encode()), c.capturedAt, c.sourceTS}
			if _, err := tx.ExecContext(ctx, insertSQL(link.Name, cols), args...); err != nil {
				return &StorageError{Op: "insert into " + link.Name, Err: err}
			}
			continue
		}

		cols := []string{"natural_key", "first_seen_at", "first_source_ts", "last_seen_at"}
		args := []any{key, c.capturedAt, c.sourceTS, c.capturedAt}
		cols, args = itemPayload(t, item, cols, args)
		q := insertSQL(t.Name, cols)
		switch pol.Conflict {
		case dedup.UpdateLastSeen:
			q += " ON CONFLICT(natural_key) DO UPDATE SET last_seen_at = excluded.last_seen_at"
		default:
			q += " ON CONFLICT(natural_key) DO NOTHING"
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return &StorageError{Op: "upsert into " + t.Name, Err: err}
		}

		cols = []string{"snapshot_id", "position", "natural_key", "captured_at", "source_ts"}
		args = []any{c.snapshotID, i, key, c.capturedAt, c.sourceTS}
		if _, err := tx.ExecContext(ctx, insertSQL(link.Name, cols), args...); err != nil {
			return &StorageError{Op: "insert into " + link.Name, Err: err}
		}
	}
	return nil
}

// itemPayload flattens one item into column/arg pairs. Objects spread over
// the table's property columns, scalars land in the value column, and
// anything the table has no flat shape for stays serialized in item_raw.
func itemPayload(t schema.Table, item docval.Value, cols []string, args []any) ([]string, []any) {
	if item.Kind() == docval.Object {
		for _, c := range t.Columns {
			if c.System {
				continue
			}
			v, ok := item.Field(c.Source)
			if !ok || v.IsNull() {
				continue
			}
			cols = append(cols, c.Name)
			args = append(args, bindValue(v, c.Type))
		}
		return cols, args
	}
	if item.IsNull() {
		return cols, args
	}
	for _, c := range t.Columns {
		if c.Name == "value" && c.System {
			return append(cols, "value"), append(args, bindValue(item, c.Type))
		}
	}
	return append(cols, "item_raw"), append(args, string(item.Encode()))
}

// bindValue converts a document value to a driver argument. Opaque columns
// always hold the canonical serialization, so mixed-type history stays
// readable.
func bindValue(v docval.Value, t schema.ScalarType) any {
	if v.IsNull() {
		return nil
	}
	if t == schema.TypeOpaque {
		return string(v.Encode())
	}
	switch v.Kind() {
	case docval.Bool:
		return v.Bool()
	case docval.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.NumberText()
	case docval.String:
		return v.Str()
	default:
		return string(v.Encode())
	}
}

func insertSQL(table string, cols []string) string {
	ph := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + ph + ")"
}
