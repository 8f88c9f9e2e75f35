package audit

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/snapvault/store"
)

func newTrail(t *testing.T) *Trail {
	t.Helper()
	st := store.OpenMemory(t)
	tr, err := NewTrail(st.DB(), 16)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRecordAndQuery(t *testing.T) {
	tr := newTrail(t)

	tr.Record(Event{SourceID: "save_1.json", SnapshotID: "snap_a", Outcome: OutcomeIngested, NewFields: 3})
	tr.Record(Event{SourceID: "save_1.json", Outcome: OutcomeDuplicate})
	tr.Record(Event{SourceID: "save_2.json", Outcome: OutcomeRejected, Detail: "missing required scalar \"date\""})

	// Close drains the buffer so the events are queryable.
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	all, err := tr.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	for _, ev := range all {
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("event missing defaults: %+v", ev)
		}
	}

	dups, err := tr.Query(context.Background(), Filter{Outcome: OutcomeDuplicate})
	if err != nil {
		t.Fatalf("Query duplicate: %v", err)
	}
	if len(dups) != 1 || dups[0].SourceID != "save_1.json" {
		t.Fatalf("duplicate filter: %+v", dups)
	}

	bySource, err := tr.Query(context.Background(), Filter{SourceID: "save_1.json"})
	if err != nil {
		t.Fatalf("Query source: %v", err)
	}
	if len(bySource) != 2 {
		t.Fatalf("got %d events for source, want 2", len(bySource))
	}
}

func TestQueryPreservesDetail(t *testing.T) {
	tr := newTrail(t)
	tr.Record(Event{SourceID: "broken.json", Outcome: OutcomeFailed, Detail: "storage: disk I/O error", DurationMs: 42})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, err := tr.Query(context.Background(), Filter{Outcome: OutcomeFailed})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Detail != "storage: disk I/O error" || events[0].DurationMs != 42 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestCleanup(t *testing.T) {
	tr := newTrail(t)
	old := Event{SourceID: "old.json", Outcome: OutcomeIngested, Timestamp: time.Now().Add(-48 * time.Hour)}
	recent := Event{SourceID: "new.json", Outcome: OutcomeIngested}
	tr.Record(old)
	tr.Record(recent)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n, err := tr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}

	left, err := tr.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(left) != 1 || left[0].SourceID != "new.json" {
		t.Fatalf("remaining events: %+v", left)
	}
}
