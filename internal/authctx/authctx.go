// Package authctx carries the per-request caller identity through the
// request's call graph on context.Context. Two concurrent requests never
// observe each other's values because each request derives its own context.
package authctx

import (
	"context"
	"slices"

	"github.com/concord-dev/concord/internal/response"
)

// Permission names understood by the policy.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
	PermDebug = "debug"
)

// Info is the per-request identity value.
type Info struct {
	AgentID       string
	AgentType     string
	Permissions   []string
	Authenticated bool
	AuthMethod    string // "opaque", "jwt", or "none"
}

// Anonymous is the identity attached to requests with a missing or invalid
// token: unknown agent, read-only.
func Anonymous() Info {
	return Info{
		AgentID:       "unknown",
		AgentType:     "unknown",
		Permissions:   []string{PermRead},
		Authenticated: false,
		AuthMethod:    "none",
	}
}

type ctxKey struct{}

// With returns a child context carrying info.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// FromContext returns the identity on ctx, or Anonymous when none was set.
func FromContext(ctx context.Context) Info {
	if info, ok := ctx.Value(ctxKey{}).(Info); ok {
		return info
	}
	return Anonymous()
}

// Has reports whether the identity holds permission p.
func (i Info) Has(p string) bool {
	return slices.Contains(i.Permissions, p)
}

// IsAdmin reports whether the identity holds the admin permission.
func (i Info) IsAdmin() bool {
	return i.Has(PermAdmin)
}

// RequirePermission short-circuits with a PERMISSION_DENIED envelope when
// the caller on ctx lacks p. Tool handlers call this before any store work.
func RequirePermission(ctx context.Context, p string) *response.Error {
	if !FromContext(ctx).Has(p) {
		return response.PermissionDenied(p)
	}
	return nil
}
