package message

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/schema"
	"github.com/concord-dev/concord/internal/session"
	"github.com/concord-dev/concord/internal/store"
)

var (
	alice = authctx.Info{AgentID: "alice", AgentType: "claude",
		Permissions: []string{authctx.PermRead, authctx.PermWrite}, Authenticated: true}
	bob = authctx.Info{AgentID: "bob", AgentType: "gemini",
		Permissions: []string{authctx.PermRead, authctx.PermWrite}, Authenticated: true}
	carol = authctx.Info{AgentID: "carol", AgentType: "claude",
		Permissions: []string{authctx.PermRead, authctx.PermWrite}, Authenticated: true}
	admin = authctx.Info{AgentID: "root", AgentType: "admin",
		Permissions: []string{authctx.PermRead, authctx.PermWrite, authctx.PermAdmin}, Authenticated: true}
)

type recordingNotifier struct {
	uris []string
}

func (n *recordingNotifier) Notify(uri string) { n.uris = append(n.uris, uri) }

func newTestLog(t *testing.T) (*Log, string, *recordingNotifier) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Migrate(db.Raw()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	auditLog := audit.New(db, 0, nil)
	notifier := &recordingNotifier{}
	log := NewLog(db, auditLog, notifier, nil)

	sessions := session.NewRegistry(db, auditLog, nil)
	sessionID, err := sessions.Create(context.Background(), "test", "alice", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return log, sessionID, notifier
}

func TestAddAndListRoundTrip(t *testing.T) {
	log, sid, notifier := newTestLog(t)
	ctx := context.Background()

	id, err := log.Add(ctx, alice, sid, "hello from alice", VisibilityPublic, "agent_response", map[string]any{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d", id)
	}

	msgs, err := log.List(ctx, bob, sid, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m := msgs[0]
	if m.Sender != "alice" || m.SenderType != "claude" || m.Content != "hello from alice" {
		t.Errorf("message = %+v", m)
	}
	if len(notifier.uris) == 0 || notifier.uris[0] != "session://"+sid {
		t.Errorf("notifications = %v", notifier.uris)
	}
}

func TestAddToUnknownSession(t *testing.T) {
	log, _, _ := newTestLog(t)
	_, err := log.Add(context.Background(), alice, "session_0000000000000000", "x", VisibilityPublic, "t", nil, nil)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestVisibilityIsolation(t *testing.T) {
	log, sid, _ := newTestLog(t)
	ctx := context.Background()

	mustAdd := func(caller authctx.Info, content, visibility string) {
		t.Helper()
		if _, err := log.Add(ctx, caller, sid, content, visibility, "t", nil, nil); err != nil {
			t.Fatalf("add %q: %v", content, err)
		}
	}
	mustAdd(alice, "pub", VisibilityPublic)
	mustAdd(alice, "alice private", VisibilityPrivate)
	mustAdd(alice, "claude only", VisibilityAgentOnly)
	mustAdd(admin, "admins only", VisibilityAdminOnly)

	contents := func(caller authctx.Info) []string {
		t.Helper()
		msgs, err := log.List(ctx, caller, sid, ListOptions{})
		if err != nil {
			t.Fatalf("list for %s: %v", caller.AgentID, err)
		}
		var out []string
		for _, m := range msgs {
			out = append(out, m.Content)
		}
		return out
	}

	// Alice: own private, agent_only (claude), public. Not admin_only.
	got := contents(alice)
	want := []string{"pub", "alice private", "claude only"}
	if len(got) != len(want) {
		t.Fatalf("alice sees %v, want %v", got, want)
	}

	// Bob (gemini): only public.
	got = contents(bob)
	if len(got) != 1 || got[0] != "pub" {
		t.Fatalf("bob sees %v", got)
	}

	// Carol (claude, not sender): public + agent_only.
	got = contents(carol)
	if len(got) != 2 {
		t.Fatalf("carol sees %v", got)
	}

	// Admin (admin type, admin perm): public + admin_only. The admin is not
	// the private sender and is not claude.
	got = contents(admin)
	if len(got) != 2 {
		t.Fatalf("admin sees %v", got)
	}
	if got[len(got)-1] != "admins only" {
		t.Fatalf("admin sees %v", got)
	}
}

func TestListOrdering(t *testing.T) {
	log, sid, _ := newTestLog(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		if _, err := log.Add(ctx, alice, sid, c, VisibilityPublic, "t", nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := log.List(ctx, alice, sid, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		prev, cur := msgs[i-1], msgs[i]
		if cur.Timestamp < prev.Timestamp {
			t.Errorf("timestamps out of order at %d", i)
		}
		if cur.Timestamp == prev.Timestamp && cur.ID < prev.ID {
			t.Errorf("equal-timestamp tie not broken by id at %d", i)
		}
	}
}

func TestParentMustBeInSameSession(t *testing.T) {
	log, sid, _ := newTestLog(t)
	ctx := context.Background()

	parent, err := log.Add(ctx, alice, sid, "root", VisibilityPublic, "t", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.Add(ctx, bob, sid, "reply", VisibilityPublic, "t", nil, &parent); err != nil {
		t.Fatalf("valid parent rejected: %v", err)
	}

	missing := parent + 100
	if _, err := log.Add(ctx, bob, sid, "orphan", VisibilityPublic, "t", nil, &missing); err == nil {
		t.Fatal("unknown parent accepted")
	}
}

func TestSetVisibilityPermissions(t *testing.T) {
	log, sid, _ := newTestLog(t)
	ctx := context.Background()

	id, err := log.Add(ctx, alice, sid, "mine", VisibilityPublic, "t", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Non-sender, non-admin cannot change it.
	if err := log.SetVisibility(ctx, bob, id, VisibilityPrivate, ""); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("bob err = %v", err)
	}

	// Sender can change it, but not to admin_only.
	if err := log.SetVisibility(ctx, alice, id, VisibilityAdminOnly, ""); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("raise to admin_only err = %v", err)
	}
	if err := log.SetVisibility(ctx, alice, id, VisibilityPrivate, "tidying"); err != nil {
		t.Fatalf("sender change: %v", err)
	}

	// Admin can raise anything to admin_only.
	if err := log.SetVisibility(ctx, admin, id, VisibilityAdminOnly, ""); err != nil {
		t.Fatalf("admin change: %v", err)
	}

	got, err := log.Get(ctx, admin, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Visibility != VisibilityAdminOnly {
		t.Errorf("visibility = %q", got.Visibility)
	}

	// And now bob cannot even see it.
	if _, err := log.Get(ctx, bob, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob Get err = %v", err)
	}
}

func TestSessionStats(t *testing.T) {
	log, sid, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := log.Add(ctx, alice, sid, "a", VisibilityPublic, "t", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Add(ctx, alice, sid, "secret", VisibilityPrivate, "t", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Add(ctx, bob, sid, "b", VisibilityPublic, "t", nil, nil); err != nil {
		t.Fatal(err)
	}

	stats, err := log.SessionStats(ctx, bob, sid)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d", stats.Total)
	}
	if stats.Visible != 2 {
		t.Errorf("visible to bob = %d", stats.Visible)
	}
	if stats.UniqueAgents != 2 {
		t.Errorf("unique agents = %d", stats.UniqueAgents)
	}
}
