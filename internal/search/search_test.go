package search

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/message"
	"github.com/concord-dev/concord/internal/schema"
	"github.com/concord-dev/concord/internal/session"
	"github.com/concord-dev/concord/internal/store"
)

var (
	alice = authctx.Info{AgentID: "alice", AgentType: "claude",
		Permissions: []string{authctx.PermRead, authctx.PermWrite}, Authenticated: true}
	bob = authctx.Info{AgentID: "bob", AgentType: "gemini",
		Permissions: []string{authctx.PermRead, authctx.PermWrite}, Authenticated: true}
)

func newTestEngine(t *testing.T) (*Engine, *message.Log, string) {
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
	log := message.NewLog(db, auditLog, nil, nil)
	sessions := session.NewRegistry(db, auditLog, nil)
	sid, err := sessions.Create(context.Background(), "search tests", "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(db, auditLog, nil), log, sid
}

func TestWeightedRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  int
		max  int
	}{
		{"identical", "fuzzy search", "fuzzy search", 100, 100},
		{"case and punctuation ignored", "Fuzzy, Search!", "fuzzy search", 100, 100},
		{"token order ignored", "search fuzzy", "fuzzy search", 90, 100},
		{"substring match", "timeout", "the request timeout was raised to 30s", 85, 100},
		{"near miss", "fuzzy serach", "fuzzy search", 80, 99},
		{"unrelated", "quarterly report", "banana smoothie recipe", 0, 45},
		{"empty query", "", "anything", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedRatio(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("WeightedRatio(%q, %q) = %d, want [%d, %d]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestSearchRanksBestFirst(t *testing.T) {
	engine, log, sid := newTestEngine(t)
	ctx := context.Background()

	for _, content := range []string{
		"discussing fuzzy search performance tuning",
		"the deployment pipeline is green",
		"lunch plans for tomorrow",
	} {
		if _, err := log.Add(ctx, alice, sid, content, message.VisibilityPublic, "t", nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	results, err := engine.Search(ctx, alice, sid, "fuzzy search perf", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	top := results[0]
	if top.Score < 80 {
		t.Errorf("top score = %d, want >= 80", top.Score)
	}
	if top.Relevance != "high" {
		t.Errorf("relevance = %q", top.Relevance)
	}
	if top.Preview == "" {
		t.Error("empty preview")
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted at %d", i)
		}
	}
}

func TestSearchFindsAbbreviatedContent(t *testing.T) {
	engine, log, sid := newTestEngine(t)
	ctx := context.Background()

	// "fuzzy search perf" is shorter than the query; the sender prefix must
	// not break its substring alignment and sink it below the threshold.
	for _, content := range []string{
		"the quick brown fox",
		"python async await",
		"FastMCP server",
		"agent memory TTL",
		"fuzzy search perf",
	} {
		if _, err := log.Add(ctx, alice, sid, content, message.VisibilityPublic, "t", nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	results, err := engine.Search(ctx, alice, sid, "fuzzy search performance", Options{Threshold: 60, Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	top := results[0]
	if got := top.Preview; got != "fuzzy search perf" {
		t.Errorf("top preview = %q", got)
	}
	if top.Score < 80 {
		t.Errorf("top score = %d, want >= 80", top.Score)
	}
	if top.Relevance != "high" {
		t.Errorf("top relevance = %q", top.Relevance)
	}
	for _, r := range results {
		if r.Score < 60 {
			t.Errorf("result below threshold: %+v", r)
		}
	}
}

func TestSearchThreshold(t *testing.T) {
	engine, log, sid := newTestEngine(t)
	ctx := context.Background()

	if _, err := log.Add(ctx, alice, sid, "completely unrelated gardening notes", message.VisibilityPublic, "t", nil, nil); err != nil {
		t.Fatal(err)
	}

	results, err := engine.Search(ctx, alice, sid, "kubernetes ingress timeout", Options{Threshold: 60})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("below-threshold content returned: %+v", results)
	}
}

func TestSearchRespectsVisibility(t *testing.T) {
	engine, log, sid := newTestEngine(t)
	ctx := context.Background()

	if _, err := log.Add(ctx, alice, sid, "private fuzzy search notes", message.VisibilityPrivate, "t", nil, nil); err != nil {
		t.Fatal(err)
	}

	// The sender finds it; another agent never does.
	mine, err := engine.Search(ctx, alice, sid, "fuzzy search notes", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 {
		t.Errorf("alice results = %d", len(mine))
	}

	theirs, err := engine.Search(ctx, bob, sid, "fuzzy search notes", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(theirs) != 0 {
		t.Errorf("bob sees private message in search: %+v", theirs)
	}
}

func TestSearchScope(t *testing.T) {
	engine, log, sid := newTestEngine(t)
	ctx := context.Background()

	if _, err := log.Add(ctx, alice, sid, "deploy checklist shared", message.VisibilityPublic, "t", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Add(ctx, alice, sid, "deploy checklist scratch", message.VisibilityPrivate, "t", nil, nil); err != nil {
		t.Fatal(err)
	}

	pub, err := engine.Search(ctx, alice, sid, "deploy checklist", Options{Scope: ScopePublic})
	if err != nil {
		t.Fatal(err)
	}
	if len(pub) != 1 || pub[0].Visibility != message.VisibilityPublic {
		t.Errorf("public scope results = %+v", pub)
	}

	priv, err := engine.Search(ctx, alice, sid, "deploy checklist", Options{Scope: ScopePrivate})
	if err != nil {
		t.Fatal(err)
	}
	if len(priv) != 1 || priv[0].Visibility != message.VisibilityPrivate {
		t.Errorf("private scope results = %+v", priv)
	}

	if _, err := engine.Search(ctx, alice, sid, "deploy checklist", Options{Scope: "secret"}); !errors.Is(err, ErrBadScope) {
		t.Errorf("bad scope err = %v", err)
	}
}

func TestSearchBySender(t *testing.T) {
	engine, log, sid := newTestEngine(t)
	ctx := context.Background()

	if _, err := log.Add(ctx, alice, sid, "deploy checklist draft", message.VisibilityPublic, "t", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Add(ctx, bob, sid, "deploy checklist review", message.VisibilityPublic, "t", nil, nil); err != nil {
		t.Fatal(err)
	}

	results, err := engine.BySender(ctx, alice, sid, "bob", "deploy checklist", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Sender != "bob" {
		t.Errorf("results = %+v", results)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	engine, _, sid := newTestEngine(t)
	results, err := engine.Search(context.Background(), alice, sid, "   ", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if results != nil {
		t.Errorf("results = %v", results)
	}
}

func TestPreviewWindow(t *testing.T) {
	long := "padding before the match. " +
		"the keyword appears here in the middle of a very long message that keeps going " +
		"with plenty of trailing text so the preview has to cut the content somewhere sensible"
	p := preview(long, "keyword")
	if len([]rune(p)) > PreviewChars+6 { // allow for ellipses
		t.Errorf("preview too long: %d runes", len([]rune(p)))
	}
	if p == "" {
		t.Fatal("empty preview")
	}
}
