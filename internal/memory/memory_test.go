package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/schema"
	"github.com/concord-dev/concord/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db.Raw()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, audit.New(db, 0, nil), nil), db
}

func TestSetGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	value := map[string]any{"step": float64(3), "done": false}
	if err := s.Set(ctx, "alice", "plan", value, SetOptions{Overwrite: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, err := s.Get(ctx, "alice", "plan", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, ok := entry.Value.(map[string]any)
	if !ok {
		t.Fatalf("value type %T", entry.Value)
	}
	if got["step"] != float64(3) || got["done"] != false {
		t.Errorf("value = %v", got)
	}
	if entry.ExpiresAt != nil {
		t.Error("no TTL requested but expires_at is set")
	}
}

func TestCrossAgentIsolation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "alice", "secret", "v", SetOptions{Overwrite: true}); err != nil {
		t.Fatal(err)
	}

	// Another agent reading the same key gets not-found, indistinguishable
	// from a key that never existed.
	if _, err := s.Get(ctx, "bob", "secret", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bob Get err = %v", err)
	}
	if err := s.Delete(ctx, "bob", "secret", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bob Delete err = %v", err)
	}
}

func TestOverwriteFalse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "alice", "k", "first", SetOptions{Overwrite: true}); err != nil {
		t.Fatal(err)
	}
	err := s.Set(ctx, "alice", "k", "second", SetOptions{Overwrite: false})
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("err = %v, want ErrKeyExists", err)
	}

	// Same key in a different scope does not collide.
	if err := s.Set(ctx, "alice", "k", "scoped", SetOptions{SessionID: "session_00000000000000aa", Overwrite: false}); err != nil {
		t.Fatalf("scoped set: %v", err)
	}
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "alice", "ttl", "v", SetOptions{ExpiresInSeconds: 60, Overwrite: true}); err != nil {
		t.Fatal(err)
	}

	// Force the entry into the past instead of sleeping.
	past := float64(time.Now().Add(-time.Minute).Unix())
	if _, err := db.ExecContext(ctx,
		"UPDATE agent_memory SET expires_at = ? WHERE agent_id = 'alice' AND key = 'ttl'", past); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, "alice", "ttl", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired Get err = %v", err)
	}

	// An expired entry does not block overwrite=false either.
	if err := s.Set(ctx, "alice", "ttl", "fresh", SetOptions{Overwrite: false}); err != nil {
		t.Fatalf("set over expired: %v", err)
	}
}

func TestBadTTL(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Set(context.Background(), "alice", "k", "v", SetOptions{ExpiresInSeconds: -5, Overwrite: true})
	if !errors.Is(err, ErrBadTTL) {
		t.Fatalf("err = %v", err)
	}
}

func TestListScopes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sid := "session_00000000000000bb"

	mustSet := func(key, sessionID string) {
		t.Helper()
		if err := s.Set(ctx, "alice", key, "v", SetOptions{SessionID: sessionID, Overwrite: true}); err != nil {
			t.Fatal(err)
		}
	}
	mustSet("global_one", "")
	mustSet("global_two", "")
	mustSet("scoped", sid)

	global, err := s.List(ctx, "alice", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(global) != 2 {
		t.Errorf("global keys = %d", len(global))
	}

	scoped, err := s.List(ctx, "alice", ListOptions{SessionID: sid})
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].Key != "scoped" {
		t.Errorf("scoped keys = %v", scoped)
	}

	all, err := s.List(ctx, "alice", ListOptions{SessionID: ScopeAll})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all keys = %d", len(all))
	}

	prefixed, err := s.List(ctx, "alice", ListOptions{SessionID: ScopeAll, Prefix: "global_"})
	if err != nil {
		t.Fatal(err)
	}
	if len(prefixed) != 2 {
		t.Errorf("prefixed keys = %d", len(prefixed))
	}
}

func TestOrganizeForAgent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	sid := "session_00000000000000cc"

	if err := s.Set(ctx, "alice", "g", 1, SetOptions{Overwrite: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "alice", "s", 2, SetOptions{SessionID: sid, Overwrite: true}); err != nil {
		t.Fatal(err)
	}

	org, err := s.OrganizeForAgent(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := org.Global["g"]; !ok {
		t.Errorf("global = %v", org.Global)
	}
	if _, ok := org.Sessions[sid]["s"]; !ok {
		t.Errorf("sessions = %v", org.Sessions)
	}
}

func TestSweepExpired(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "alice", "live", "v", SetOptions{Overwrite: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "alice", "dead", "v", SetOptions{ExpiresInSeconds: 60, Overwrite: true}); err != nil {
		t.Fatal(err)
	}
	past := float64(time.Now().Add(-time.Hour).Unix())
	if _, err := db.ExecContext(ctx,
		"UPDATE agent_memory SET expires_at = ? WHERE key = 'dead'", past); err != nil {
		t.Fatal(err)
	}

	n, err := s.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept = %d", n)
	}
	if _, err := s.Get(ctx, "alice", "live", ""); err != nil {
		t.Errorf("live entry swept: %v", err)
	}
}
