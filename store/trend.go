package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/hazyhaar/snapvault/schema"
)

// Point is one trend sample: the value of a root scalar field at the time
// its snapshot was captured.
type Point struct {
	CapturedAt time.Time
	SourceTS   string
	Value      float64
}

// Window bounds a trend query by capture time. A zero From or To leaves
// that side unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// All is the unbounded window.
var All = Window{}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Trend returns the time series of a root scalar field, ordered by capture
// time, restricted to the window. The sequence is lazy and restartable:
// each range re-runs the query, so a consumer can iterate it any number of
// times and always sees a consistent committed view.
//
// Non-numeric and null observations are skipped. The field must be a known
// root scalar.
func (s *Store) Trend(ctx context.Context, field string, w Window) (iter.Seq2[Point, error], error) {
	fm, err := s.LoadFieldMap(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := fm[field]
	if !ok {
		return nil, fmt.Errorf("store: trend: unknown field %q", field)
	}
	if f.Kind != schema.KindScalar {
		return nil, fmt.Errorf("store: trend: field %q is %s, want scalar", field, f.Kind)
	}
	col := schema.ColumnName(field, "doc")

	query := fmt.Sprintf(`
		SELECT captured_at, source_ts, %[1]s
		FROM snapshots
		WHERE %[1]s IS NOT NULL AND typeof(%[1]s) IN ('integer', 'real')
		ORDER BY captured_at ASC, seq ASC`, col)

	seq := func(yield func(Point, error) bool) {
		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			yield(Point{}, fmt.Errorf("store: trend query: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var ms int64
			var p Point
			if err := rows.Scan(&ms, &p.SourceTS, &p.Value); err != nil {
				yield(Point{}, fmt.Errorf("store: trend scan: %w", err))
				return
			}
			p.CapturedAt = time.UnixMilli(ms)
			if !w.contains(p.CapturedAt) {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Point{}, fmt.Errorf("store: trend rows: %w", err))
		}
	}
	return seq, nil
}
