// Package mcpserver exposes the coordination service as MCP tools and
// resources over stdio. Every tool call carries a token; the server
// resolves it to the caller identity before touching the core.
package mcpserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/locks"
	"github.com/concord-dev/concord/internal/memory"
	"github.com/concord-dev/concord/internal/message"
	"github.com/concord-dev/concord/internal/notify"
	"github.com/concord-dev/concord/internal/presence"
	"github.com/concord-dev/concord/internal/response"
	"github.com/concord-dev/concord/internal/search"
	"github.com/concord-dev/concord/internal/session"
	"github.com/concord-dev/concord/internal/store"
	"github.com/concord-dev/concord/internal/token"
)

// Deps carries the wired core services.
type Deps struct {
	DB       *store.DB
	Sessions *session.Registry
	Messages *message.Log
	Memory   *memory.Store
	Search   *search.Engine
	Locks    *locks.Manager
	Presence *presence.Tracker
	Audit    *audit.Logger
	Tokens   *token.Service
	Hub      *notify.Hub
	Log      *slog.Logger
}

// Server is the MCP front end.
type Server struct {
	deps      Deps
	version   string
	server    *gomcp.Server
	log       *slog.Logger
	startTime time.Time

	// The stdio transport serves one client; resource reads and
	// subscriptions use the identity bound by the most recent successful
	// authentication.
	mu    sync.RWMutex
	bound authctx.Info

	updater *resourceUpdater
}

// Option configures the server.
type Option func(*Server)

// WithVersion sets the advertised server version.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer wires the MCP surface over the core services.
func NewServer(deps Deps, opts ...Option) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		deps:      deps,
		version:   "dev",
		log:       log,
		startTime: time.Now(),
		bound:     authctx.Anonymous(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "concord",
			Version: s.version,
		},
		&gomcp.ServerOptions{
			SubscribeHandler:   s.handleSubscribe,
			UnsubscribeHandler: s.handleUnsubscribe,
		},
	)
	s.updater = &resourceUpdater{server: s.server}
	s.registerTools()
	s.registerResources()
	return s
}

// resourceUpdater forwards hub deliveries to the MCP client as
// notifications/resources/updated.
type resourceUpdater struct {
	server *gomcp.Server
}

func (u *resourceUpdater) Deliver(resourceURI string) error {
	return u.server.ResourceUpdated(context.Background(),
		&gomcp.ResourceUpdatedNotificationParams{URI: resourceURI})
}

// handleSubscribe registers the MCP client for change notifications on a
// resource URI, under the connection-bound identity's ownership rules.
func (s *Server) handleSubscribe(ctx context.Context, req *gomcp.SubscribeRequest) error {
	info := s.boundCaller()
	if err := s.deps.Hub.Subscribe(info.AgentID, req.Params.URI, s.updater); err != nil {
		return response.NotFound(response.CodeMemoryNotFound, "resource not found")
	}
	return nil
}

func (s *Server) handleUnsubscribe(ctx context.Context, req *gomcp.UnsubscribeRequest) error {
	s.deps.Hub.Unsubscribe(req.Params.URI, s.updater)
	return nil
}

// Run serves MCP on stdin/stdout until the client disconnects or the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// caller resolves the presented token, records auth failures, and returns
// the identity. The error is the generic AUTH_FAILED envelope; clients
// learn nothing about which part of authentication failed.
func (s *Server) caller(ctx context.Context, tok string) (authctx.Info, *response.Error) {
	if tok == "" {
		s.deps.Audit.Record(audit.EventAuthFailed, "unknown", "", nil)
		return authctx.Anonymous(), response.AuthFailed()
	}
	info, err := s.deps.Tokens.ResolveInfo(ctx, tok)
	if err != nil {
		s.deps.Audit.Record(audit.EventAuthFailed, "unknown", "", nil)
		return authctx.Anonymous(), response.AuthFailed()
	}
	return info, nil
}

// require resolves the token, installs the identity on the context, and
// checks one permission, auditing denials. Handlers receive the returned
// context so downstream code can read the identity with authctx.FromContext.
func (s *Server) require(ctx context.Context, tok, perm string) (context.Context, authctx.Info, *response.Error) {
	info, respErr := s.caller(ctx, tok)
	if respErr != nil {
		return ctx, info, respErr
	}
	ctx = authctx.With(ctx, info)
	if err := authctx.RequirePermission(ctx, perm); err != nil {
		s.deps.Audit.Record(audit.EventPermissionDenied, info.AgentID, "", map[string]any{
			"required": perm,
		})
		return ctx, info, err
	}
	return ctx, info, nil
}

func (s *Server) bind(info authctx.Info) {
	s.mu.Lock()
	s.bound = info
	s.mu.Unlock()
}

func (s *Server) boundCaller() authctx.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// registerTools registers every tool handler.
func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "authenticate_agent",
		Description: "Authenticate with the API key and receive an opaque token for subsequent calls",
	}, s.handleAuthenticate)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "refresh_token",
		Description: "Exchange a valid token for a fresh one with the same identity and permissions",
	}, s.handleRefreshToken)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "create_session",
		Description: "Create a shared context session and return its id",
	}, s.handleCreateSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_session",
		Description: "Get session details plus message statistics scoped to the caller",
	}, s.handleGetSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "deactivate_session",
		Description: "Deactivate a session (admin only). Deactivation is permanent",
	}, s.handleDeactivateSession)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_message",
		Description: "Append a message to a session with a visibility level",
	}, s.handleAddMessage)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_messages",
		Description: "List session messages visible to the caller, oldest first",
	}, s.handleGetMessages)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_messages_advanced",
		Description: "List session messages with visibility, agent-type, and admin-only filters",
	}, s.handleGetMessagesAdvanced)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "set_message_visibility",
		Description: "Change a message's visibility. Sender or admin only; raising to admin_only requires admin",
	}, s.handleSetVisibility)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "search_context",
		Description: "Fuzzy-search session messages visible to the caller",
	}, s.handleSearchContext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "search_by_sender",
		Description: "Fuzzy-search messages from one sender within a session",
	}, s.handleSearchBySender)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "search_by_timerange",
		Description: "Fuzzy-search messages within a timestamp window",
	}, s.handleSearchByTimeRange)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "set_memory",
		Description: "Store a private value under a key, optionally session-scoped and with a TTL",
	}, s.handleSetMemory)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_memory",
		Description: "Retrieve a value the caller stored earlier",
	}, s.handleGetMemory)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_memory",
		Description: "List the caller's memory keys with sizes; values are not returned",
	}, s.handleListMemory)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "delete_memory",
		Description: "Delete one of the caller's memory keys",
	}, s.handleDeleteMemory)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "coordinate_session_work",
		Description: "Acquire, release, extend, or inspect advisory work locks on a session, or nudge session subscribers. force_unlock requires admin",
	}, s.handleCoordinate)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "register_agent_presence",
		Description: "Announce the caller as present, optionally in a session with an activity note",
	}, s.handleRegisterPresence)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_active_agents",
		Description: "List present agents with derived status (active, idle, offline)",
	}, s.handleGetActiveAgents)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_audit_log",
		Description: "Query the audit event stream (admin only)",
	}, s.handleGetAuditLog)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_agent_activity_summary",
		Description: "Summarize per-agent message activity in a session",
	}, s.handleActivitySummary)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_performance_metrics",
		Description: "Operational snapshot: database health, buffers, counts (admin or debug)",
	}, s.handleMetrics)
}
