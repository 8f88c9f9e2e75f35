// Package report is the boundary the analytics side consumes: a read-only
// view of snapshot history plus pure helpers that turn raw trends into
// dashboard-ready numbers. Nothing here writes to the store.
package report

import (
	"context"
	"fmt"
	"iter"
	"math"

	"github.com/hazyhaar/snapvault/store"
)

// Source is the read-only view of snapshot history. *store.Store satisfies
// it; reporting code should depend on this interface so tests can substitute
// fixed histories.
type Source interface {
	Latest(ctx context.Context) (*store.Snapshot, error)
	AsOf(ctx context.Context, ts string) (*store.Snapshot, error)
	Trend(ctx context.Context, field string, w store.Window) (iter.Seq2[store.Point, error], error)
	Stats(ctx context.Context, deduped func(string) bool) (*store.Stats, error)
}

var _ Source = (*store.Store)(nil)

// TrendSummary condenses a trend into the numbers a dashboard tile shows.
type TrendSummary struct {
	Count int
	First float64
	Last  float64
	Min   float64
	Max   float64
	// Delta is Last - First: net change over the window.
	Delta float64
}

// Summarize consumes a trend sequence once and reduces it. An empty trend
// yields a zero summary.
func Summarize(seq iter.Seq2[store.Point, error]) (TrendSummary, error) {
	s := TrendSummary{Min: math.Inf(1), Max: math.Inf(-1)}
	for p, err := range seq {
		if err != nil {
			return TrendSummary{}, err
		}
		if s.Count == 0 {
			s.First = p.Value
		}
		s.Last = p.Value
		s.Min = math.Min(s.Min, p.Value)
		s.Max = math.Max(s.Max, p.Value)
		s.Count++
	}
	if s.Count == 0 {
		return TrendSummary{}, nil
	}
	s.Delta = s.Last - s.First
	return s, nil
}

// MovingAverage smooths a trend with a trailing window of n points. Each
// yielded point keeps its capture time and carries the mean of the last n
// observed values (fewer at the start). The result is lazy like its input.
func MovingAverage(seq iter.Seq2[store.Point, error], n int) iter.Seq2[store.Point, error] {
	if n < 1 {
		n = 1
	}
	return func(yield func(store.Point, error) bool) {
		window := make([]float64, 0, n)
		var sum float64
		for p, err := range seq {
			if err != nil {
				yield(store.Point{}, err)
				return
			}
			window = append(window, p.Value)
			sum += p.Value
			if len(window) > n {
				sum -= window[0]
				window = window[1:]
			}
			p.Value = sum / float64(len(window))
			if !yield(p, nil) {
				return
			}
		}
	}
}

// Overview is the standing dashboard payload: the latest snapshot plus a
// summary per tracked field.
type Overview struct {
	Latest *store.Snapshot
	Trends map[string]TrendSummary
}

// BuildOverview assembles an Overview for the given root scalar fields over
// the window. Fields with no numeric history yet summarize to zero.
func BuildOverview(ctx context.Context, src Source, fields []string, w store.Window) (*Overview, error) {
	latest, err := src.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("report: latest: %w", err)
	}
	ov := &Overview{Latest: latest, Trends: make(map[string]TrendSummary, len(fields))}
	for _, field := range fields {
		seq, err := src.Trend(ctx, field, w)
		if err != nil {
			return nil, fmt.Errorf("report: trend %s: %w", field, err)
		}
		sum, err := Summarize(seq)
		if err != nil {
			return nil, fmt.Errorf("report: trend %s: %w", field, err)
		}
		ov.Trends[field] = sum
	}
	return ov, nil
}
