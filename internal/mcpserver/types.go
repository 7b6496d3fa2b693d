package mcpserver

import (
	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/locks"
	"github.com/concord-dev/concord/internal/memory"
	"github.com/concord-dev/concord/internal/message"
	"github.com/concord-dev/concord/internal/presence"
	"github.com/concord-dev/concord/internal/search"
)

// AuthenticateInput is the input for the authenticate_agent tool.
type AuthenticateInput struct {
	AgentID     string   `json:"agent_id" jsonschema:"Agent identifier (1-64 chars: letters, digits, _ . -)"`
	AgentType   string   `json:"agent_type" jsonschema:"Agent type, e.g. claude, gemini, admin, generic"`
	APIKey      string   `json:"api_key" jsonschema:"Machine-to-machine API key"`
	Permissions []string `json:"requested_permissions,omitempty" jsonschema:"Requested permissions: read, write, admin, debug. Default: read"`
}

// AuthenticateOutput returns the issued token.
type AuthenticateOutput struct {
	Success     bool     `json:"success"`
	Token       string   `json:"token" jsonschema:"Opaque token to present on subsequent calls"`
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at" jsonschema:"Token expiry, RFC 3339"`
	TokenType   string   `json:"token_type"`
}

// RefreshTokenInput is the input for the refresh_token tool.
type RefreshTokenInput struct {
	Token string `json:"token" jsonschema:"Current opaque token"`
}

// CreateSessionInput is the input for the create_session tool.
type CreateSessionInput struct {
	Token    string         `json:"auth_token" jsonschema:"Opaque token from authenticate_agent"`
	Purpose  string         `json:"purpose" jsonschema:"Human-readable session purpose"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Optional session metadata"`
}

// CreateSessionOutput returns the new session id.
type CreateSessionOutput struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	CreatedBy string `json:"created_by"`
}

// GetSessionInput is the input for the get_session tool.
type GetSessionInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id"`
}

// GetSessionOutput returns session details, caller-scoped stats, and the
// most recent messages visible to the caller.
type GetSessionOutput struct {
	Success        bool              `json:"success"`
	SessionID      string            `json:"session_id"`
	Purpose        string            `json:"purpose"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      string            `json:"created_at"`
	IsActive       bool              `json:"is_active"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	MessageCount   int               `json:"message_count" jsonschema:"Messages visible to the caller"`
	UniqueAgents   int               `json:"unique_agents"`
	RecentMessages []message.Message `json:"recent_messages"`
}

// DeactivateSessionInput is the input for the admin-only deactivate_session tool.
type DeactivateSessionInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id"`
}

// StatusOutput is the generic success/no-payload output.
type StatusOutput struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
}

// AddMessageInput is the input for the add_message tool.
type AddMessageInput struct {
	Token           string         `json:"auth_token"`
	SessionID       string         `json:"session_id"`
	Content         string         `json:"content" jsonschema:"Message content, up to 10000 chars"`
	Visibility      string         `json:"visibility,omitempty" jsonschema:"public, private, agent_only, or admin_only. Default: public"`
	MessageType     string         `json:"message_type,omitempty" jsonschema:"Free-form type label. Default: agent_response"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID *int64         `json:"parent_message_id,omitempty" jsonschema:"Optional threading parent in the same session"`
}

// AddMessageOutput returns the committed message id.
type AddMessageOutput struct {
	Success   bool   `json:"success"`
	MessageID int64  `json:"message_id"`
	Timestamp string `json:"timestamp"`
}

// GetMessagesInput is the input for the get_messages tool.
type GetMessagesInput struct {
	Token            string `json:"auth_token"`
	SessionID        string `json:"session_id"`
	Limit            int    `json:"limit,omitempty" jsonschema:"Max messages. Default and cap: 1000"`
	Offset           int    `json:"offset,omitempty"`
	VisibilityFilter string `json:"visibility_filter,omitempty" jsonschema:"Narrow to one visibility level"`
}

// GetMessagesOutput returns caller-visible messages in order.
type GetMessagesOutput struct {
	Success  bool              `json:"success"`
	Messages []message.Message `json:"messages"`
	Count    int               `json:"count"`
}

// GetMessagesAdvancedInput adds sender-type and admin-only filters.
type GetMessagesAdvancedInput struct {
	Token            string `json:"auth_token"`
	SessionID        string `json:"session_id"`
	VisibilityFilter string `json:"visibility_filter,omitempty"`
	AgentTypeFilter  string `json:"agent_type_filter,omitempty"`
	IncludeAdminOnly bool   `json:"include_admin_only,omitempty" jsonschema:"Admin callers only; widens results to admin_only"`
}

// SetVisibilityInput is the input for the set_message_visibility tool.
type SetVisibilityInput struct {
	Token      string `json:"auth_token"`
	MessageID  int64  `json:"message_id"`
	Visibility string `json:"new_visibility"`
	Reason     string `json:"reason,omitempty" jsonschema:"Recorded in the audit trail"`
}

// SearchContextInput is the input for the search_context tool.
type SearchContextInput struct {
	Token          string  `json:"auth_token"`
	SessionID      string  `json:"session_id"`
	Query          string  `json:"query"`
	Threshold      int     `json:"fuzzy_threshold,omitempty" jsonschema:"Minimum score 0-100. Default 60"`
	Limit          int     `json:"limit,omitempty" jsonschema:"Max results. Default 10, cap 100"`
	SearchMetadata *bool   `json:"search_metadata,omitempty" jsonschema:"Also match serialized metadata. Default true"`
	Scope          string  `json:"search_scope,omitempty" jsonschema:"all, public, or private. Default: all"`
	RecencyHours   float64 `json:"recency_window_hours,omitempty" jsonschema:"Only messages newer than this many hours. Default 24"`
}

// SearchBySenderInput restricts search to one sender.
type SearchBySenderInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id"`
	Sender    string `json:"sender"`
	Query     string `json:"query"`
	Threshold int    `json:"fuzzy_threshold,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SearchByTimeRangeInput restricts search to a timestamp window.
type SearchByTimeRangeInput struct {
	Token     string  `json:"auth_token"`
	SessionID string  `json:"session_id"`
	Query     string  `json:"query"`
	StartTime float64 `json:"start_time" jsonschema:"Inclusive lower bound, Unix seconds"`
	EndTime   float64 `json:"end_time" jsonschema:"Inclusive upper bound, Unix seconds"`
	Threshold int     `json:"fuzzy_threshold,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// SearchOutput returns scored hits, best first.
type SearchOutput struct {
	Success bool            `json:"success"`
	Results []search.Result `json:"results"`
	Count   int             `json:"count"`
}

// SetMemoryInput is the input for the set_memory tool.
type SetMemoryInput struct {
	Token     string         `json:"auth_token"`
	Key       string         `json:"key" jsonschema:"1-255 chars, no path or wildcard characters"`
	Value     any            `json:"value" jsonschema:"Any JSON-serializable value, up to 1 MiB serialized"`
	SessionID string         `json:"session_id,omitempty" jsonschema:"Scope to a session; omit for global"`
	ExpiresIn int            `json:"expires_in,omitempty" jsonschema:"TTL in seconds; omit for no expiry"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Overwrite *bool          `json:"overwrite,omitempty" jsonschema:"Default true; false fails if the key exists"`
}

// GetMemoryInput is the input for the get_memory tool.
type GetMemoryInput struct {
	Token     string `json:"auth_token"`
	Key       string `json:"key"`
	SessionID string `json:"session_id,omitempty"`
}

// GetMemoryOutput returns the stored entry.
type GetMemoryOutput struct {
	Success bool          `json:"success"`
	Entry   *memory.Entry `json:"entry,omitempty"`
}

// ListMemoryInput is the input for the list_memory tool.
type ListMemoryInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session scope; omit for global; 'all' for everything"`
	Prefix    string `json:"prefix,omitempty"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Default and cap: 200"`
}

// ListMemoryOutput returns key descriptors without values.
type ListMemoryOutput struct {
	Success bool             `json:"success"`
	Keys    []memory.KeyInfo `json:"keys"`
	Count   int              `json:"count"`
}

// DeleteMemoryInput is the input for the delete_memory tool.
type DeleteMemoryInput struct {
	Token     string `json:"auth_token"`
	Key       string `json:"key"`
	SessionID string `json:"session_id,omitempty"`
}

// CoordinateInput drives the coordinate_session_work tool.
type CoordinateInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id"`
	Action    string `json:"action" jsonschema:"lock, unlock, heartbeat, status, notify, or force_unlock (admin)"`
	LockType  string `json:"lock_type,omitempty" jsonschema:"read, write, or exclusive. Default: write"`
	TTL       int    `json:"ttl_seconds,omitempty" jsonschema:"Lease length. Default 300"`
}

// CoordinateOutput reports the session's lock state after the action.
type CoordinateOutput struct {
	Success bool          `json:"success"`
	Status  *locks.Status `json:"status,omitempty"`
	Dropped int           `json:"dropped,omitempty" jsonschema:"Leases dropped by force_unlock"`
}

// RegisterPresenceInput is the input for register_agent_presence.
type RegisterPresenceInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id,omitempty"`
	Activity  string `json:"activity,omitempty" jsonschema:"Free-form note about current work"`
}

// GetActiveAgentsInput is the input for get_active_agents.
type GetActiveAgentsInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Filter to one session"`
}

// GetActiveAgentsOutput lists present agents with derived status.
type GetActiveAgentsOutput struct {
	Success bool             `json:"success"`
	Agents  []presence.Agent `json:"agents"`
	Count   int              `json:"count"`
}

// GetAuditLogInput is the input for the admin-only get_audit_log tool.
type GetAuditLogInput struct {
	Token     string  `json:"auth_token"`
	AgentID   string  `json:"agent_id,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	EventType string  `json:"event_type,omitempty"`
	StartTime float64 `json:"start_time,omitempty"`
	EndTime   float64 `json:"end_time,omitempty"`
	Limit     int     `json:"limit,omitempty" jsonschema:"Default and cap: 1000"`
}

// GetAuditLogOutput returns matching audit entries, newest first.
type GetAuditLogOutput struct {
	Success bool          `json:"success"`
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// ActivitySummaryInput is the input for get_agent_activity_summary.
type ActivitySummaryInput struct {
	Token     string `json:"auth_token"`
	SessionID string `json:"session_id"`
}

// AgentActivity is one agent's contribution to a session.
type AgentActivity struct {
	AgentID      string  `json:"agent_id"`
	AgentType    string  `json:"agent_type"`
	MessageCount int     `json:"message_count"`
	FirstSeen    float64 `json:"first_seen"`
	LastSeen     float64 `json:"last_seen"`
}

// ActivitySummaryOutput summarizes per-agent activity in a session.
type ActivitySummaryOutput struct {
	Success bool            `json:"success"`
	Agents  []AgentActivity `json:"agents"`
	Count   int             `json:"count"`
}

// MetricsInput is the input for the get_performance_metrics tool.
type MetricsInput struct {
	Token string `json:"auth_token"`
}

// MetricsOutput is the operational snapshot for admin or debug callers.
type MetricsOutput struct {
	Success          bool    `json:"success"`
	DBHealthy        bool    `json:"db_healthy"`
	DBLatencyMS      float64 `json:"db_latency_ms"`
	OpenConnections  int     `json:"open_connections"`
	AuditBufferDepth int     `json:"audit_buffer_depth"`
	PresenceCount    int     `json:"presence_count"`
	SessionCount     int     `json:"session_count"`
	MessageCount     int     `json:"message_count"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}
