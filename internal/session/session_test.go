package session

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/schema"
	"github.com/concord-dev/concord/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db.Raw()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRegistry(db, audit.New(db, 0, nil), nil)
}

func TestGenerateIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^session_[a-f0-9]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := GenerateID()
		if !pattern.MatchString(id) {
			t.Fatalf("bad id format: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
	}
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "integration planning", "alice", map[string]any{"team": "core"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s, err := r.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Purpose != "integration planning" {
		t.Errorf("purpose = %q", s.Purpose)
	}
	if s.CreatedBy != "alice" {
		t.Errorf("created_by = %q", s.CreatedBy)
	}
	if !s.IsActive {
		t.Error("new session should be active")
	}
	if s.Metadata["team"] != "core" {
		t.Errorf("metadata = %v", s.Metadata)
	}
}

func TestGetUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), "session_0000000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestExists(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "p", "bob", nil)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := r.Exists(ctx, id)
	if err != nil || !ok {
		t.Errorf("Exists(%q) = %v, %v", id, ok, err)
	}
	ok, err = r.Exists(ctx, "session_ffffffffffffffff")
	if err != nil || ok {
		t.Errorf("Exists(unknown) = %v, %v", ok, err)
	}
}

func TestDeactivate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Create(ctx, "p", "bob", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetActive(ctx, id, false, "admin"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	s, err := r.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if s.IsActive {
		t.Error("session should be inactive")
	}

	err = r.SetActive(ctx, "session_ffffffffffffffff", false, "admin")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("deactivating unknown session: err = %v", err)
	}
}
