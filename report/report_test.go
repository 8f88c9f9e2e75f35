package report_test

import (
	"context"
	"testing"

	"github.com/hazyhaar/snapvault/config"
	"github.com/hazyhaar/snapvault/docval"
	"github.com/hazyhaar/snapvault/ingest"
	"github.com/hazyhaar/snapvault/report"
	"github.com/hazyhaar/snapvault/store"
)

func populated(t *testing.T) *store.Store {
	t.Helper()
	st := store.OpenMemory(t)
	eng, err := ingest.New(st, config.Default())
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	for i, raw := range []string{
		`{"date":"2024-01-01","balance":100,"employees":2}`,
		`{"date":"2024-01-02","balance":80,"employees":3}`,
		`{"date":"2024-01-03","balance":250,"employees":3}`,
	} {
		doc, err := docval.Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		src := ingest.Source{ID: string(rune('a'+i)) + ".json"}
		if _, err := eng.Ingest(context.Background(), src, doc); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	return st
}

func TestSummarize(t *testing.T) {
	st := populated(t)
	seq, err := st.Trend(context.Background(), "balance", store.All)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	sum, err := report.Summarize(seq)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	want := report.TrendSummary{Count: 3, First: 100, Last: 250, Min: 80, Max: 250, Delta: 150}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	st := store.OpenMemory(t)
	if _, err := ingest.New(st, config.Default()); err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	empty := func(yield func(store.Point, error) bool) {}
	sum, err := report.Summarize(empty)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum != (report.TrendSummary{}) {
		t.Fatalf("empty summary = %+v", sum)
	}
}

func TestMovingAverage(t *testing.T) {
	st := populated(t)
	seq, err := st.Trend(context.Background(), "balance", store.All)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	var got []float64
	for p, err := range report.MovingAverage(seq, 2) {
		if err != nil {
			t.Fatalf("point: %v", err)
		}
		got = append(got, p.Value)
	}
	want := []float64{100, 90, 165}
	if len(got) != len(want) {
		t.Fatalf("points = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("points = %v, want %v", got, want)
		}
	}
}

func TestBuildOverview(t *testing.T) {
	st := populated(t)
	ov, err := report.BuildOverview(context.Background(), st,
		[]string{"balance", "employees"}, store.All)
	if err != nil {
		t.Fatalf("BuildOverview: %v", err)
	}
	if ov.Latest == nil || ov.Latest.SourceTS != "2024-01-03" {
		t.Fatalf("latest = %+v", ov.Latest)
	}
	if ov.Trends["balance"].Delta != 150 {
		t.Fatalf("balance trend = %+v", ov.Trends["balance"])
	}
	if ov.Trends["employees"].Last != 3 || ov.Trends["employees"].Count != 3 {
		t.Fatalf("employees trend = %+v", ov.Trends["employees"])
	}
}

func TestBuildOverviewRejectsUnknownField(t *testing.T) {
	st := populated(t)
	if _, err := report.BuildOverview(context.Background(), st,
		[]string{"nope"}, store.All); err == nil {
		t.Fatal("unknown field accepted")
	}
}
