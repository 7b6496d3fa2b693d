package authctx

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	info := Info{
		AgentID:       "alice",
		AgentType:     "claude",
		Permissions:   []string{PermRead, PermWrite},
		Authenticated: true,
		AuthMethod:    "opaque",
	}
	ctx := With(context.Background(), info)
	got := FromContext(ctx)
	if got.AgentID != "alice" || !got.Authenticated {
		t.Errorf("got = %+v", got)
	}
}

func TestFromContextDefaultsToAnonymous(t *testing.T) {
	got := FromContext(context.Background())
	if got.Authenticated {
		t.Error("bare context reports authenticated")
	}
	if !got.Has(PermRead) {
		t.Error("anonymous lacks read")
	}
	if got.Has(PermWrite) || got.IsAdmin() {
		t.Errorf("anonymous over-privileged: %+v", got)
	}
}

func TestRequirePermission(t *testing.T) {
	ctx := With(context.Background(), Info{
		AgentID:     "alice",
		Permissions: []string{PermRead},
	})
	if err := RequirePermission(ctx, PermRead); err != nil {
		t.Errorf("read denied: %v", err)
	}
	err := RequirePermission(ctx, PermAdmin)
	if err == nil {
		t.Fatal("admin allowed without grant")
	}
	if err.Code != "PERMISSION_DENIED" {
		t.Errorf("code = %q", err.Code)
	}
}
