package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/concord-dev/concord/internal/schema"
	"github.com/concord-dev/concord/internal/store"
)

func newTestLogger(t *testing.T, batchSize int) *Logger {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db.Raw()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db, batchSize, nil)
}

func TestRecordBuffersUntilFlush(t *testing.T) {
	l := newTestLogger(t, 100)
	ctx := context.Background()

	l.Record(EventSessionCreated, "alice", "session_0000000000000001", map[string]any{"purpose": "p"})
	l.Record(EventMessageAdded, "alice", "session_0000000000000001", nil)
	if depth := l.BufferDepth(); depth != 2 {
		t.Fatalf("buffer depth = %d", depth)
	}

	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if depth := l.BufferDepth(); depth != 0 {
		t.Fatalf("buffer depth after flush = %d", depth)
	}

	entries, err := l.Query(ctx, QueryFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
}

func TestQueryFlushesPending(t *testing.T) {
	l := newTestLogger(t, 100)
	l.Record(EventMemorySet, "bob", "", map[string]any{"key": "k"})

	// Query must observe buffered entries without an explicit Flush.
	entries, err := l.Query(context.Background(), QueryFilter{AgentID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].EventType != EventMemorySet {
		t.Errorf("event = %q", entries[0].EventType)
	}
	if entries[0].Metadata["key"] != "k" {
		t.Errorf("metadata = %v", entries[0].Metadata)
	}
}

func TestQueryFilters(t *testing.T) {
	l := newTestLogger(t, 100)
	ctx := context.Background()

	l.Record(EventSessionCreated, "alice", "session_00000000000000aa", nil)
	l.Record(EventMessageAdded, "alice", "session_00000000000000aa", nil)
	l.Record(EventMessageAdded, "bob", "session_00000000000000bb", nil)

	tests := []struct {
		name   string
		filter QueryFilter
		want   int
	}{
		{"all", QueryFilter{}, 3},
		{"by agent", QueryFilter{AgentID: "alice"}, 2},
		{"by session", QueryFilter{SessionID: "session_00000000000000bb"}, 1},
		{"by event type", QueryFilter{EventType: EventMessageAdded}, 2},
		{"combined", QueryFilter{AgentID: "alice", EventType: EventSessionCreated}, 1},
		{"limit", QueryFilter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := l.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != tt.want {
				t.Errorf("entries = %d, want %d", len(entries), tt.want)
			}
		})
	}
}

func TestEntriesNewestFirst(t *testing.T) {
	l := newTestLogger(t, 100)
	ctx := context.Background()

	l.Record(EventSessionCreated, "alice", "", nil)
	l.Record(EventMessageAdded, "alice", "", nil)

	entries, err := l.Query(ctx, QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatal(len(entries))
	}
	if entries[0].Timestamp < entries[1].Timestamp {
		t.Error("entries not newest-first")
	}
}

func TestEntryIDsAreUnique(t *testing.T) {
	l := newTestLogger(t, 1000)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		l.Record(EventContextSearched, "alice", "", nil)
	}
	entries, err := l.Query(ctx, QueryFilter{Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		seen[e.ID] = true
	}
	if len(seen) != 200 {
		t.Errorf("entries = %d", len(seen))
	}
}
