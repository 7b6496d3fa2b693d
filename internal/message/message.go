// Package message implements the append-only session message log with
// per-message visibility and agent-scoped filtering.
//
// The visibility rule is encoded once, as a SQL disjunction, and shared by
// every read path (listing, search prefilter, resources). Clients never
// post-filter.
package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/store"
	"github.com/concord-dev/concord/internal/validate"
)

// Visibility levels.
const (
	VisibilityPublic    = "public"
	VisibilityPrivate   = "private"
	VisibilityAgentOnly = "agent_only"
	VisibilityAdminOnly = "admin_only"
)

var (
	// ErrNotFound means the message does not exist or is not visible to
	// the caller. The two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("message: not found")

	// ErrSessionNotFound means the target session does not exist.
	ErrSessionNotFound = errors.New("message: session not found")

	// ErrNotOwner means the caller may not change the message.
	ErrNotOwner = errors.New("message: caller is neither sender nor admin")
)

// Message is one log row.
type Message struct {
	ID              int64          `json:"id"`
	SessionID       string         `json:"session_id"`
	Sender          string         `json:"sender"`
	SenderType      string         `json:"sender_type"`
	Content         string         `json:"content"`
	Visibility      string         `json:"visibility"`
	MessageType     string         `json:"message_type"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       float64        `json:"timestamp"`
	ParentMessageID *int64         `json:"parent_message_id,omitempty"`
}

// Notifier receives change events for a resource URI after commit.
type Notifier interface {
	Notify(resourceURI string)
}

// ListOptions narrows a basic listing.
type ListOptions struct {
	Limit            int
	Offset           int
	VisibilityFilter string
}

// AdvancedOptions narrows the advanced listing.
type AdvancedOptions struct {
	VisibilityFilter string
	AgentTypeFilter  string
	IncludeAdminOnly bool
}

// Log provides message operations over the shared store.
type Log struct {
	db       *store.DB
	audit    *audit.Logger
	notifier Notifier
	log      *slog.Logger
}

// NewLog creates the message log. notifier may be nil in tests.
func NewLog(db *store.DB, auditLog *audit.Logger, notifier Notifier, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{db: db, audit: auditLog, notifier: notifier, log: log}
}

// Add appends a message. The sender and sender_type come from the caller's
// auth context; sender_type is denormalized onto the row at insert time.
// The insert commits synchronously so the returned id is immediately
// readable, then the session resource notification fires.
func (l *Log) Add(ctx context.Context, caller authctx.Info, sessionID, content, visibility, messageType string, metadata map[string]any, parent *int64) (int64, error) {
	var exists int
	err := l.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("check session: %w", err)
	}

	if parent != nil {
		var parentSession string
		err := l.db.QueryRowContext(ctx, "SELECT session_id FROM messages WHERE id = ?", *parent).Scan(&parentSession)
		if err == sql.ErrNoRows || (err == nil && parentSession != sessionID) {
			return 0, fmt.Errorf("%w: parent message %d not in session", ErrNotFound, *parent)
		}
		if err != nil {
			return 0, fmt.Errorf("check parent message: %w", err)
		}
	}

	meta, err := marshalMeta(metadata)
	if err != nil {
		return 0, fmt.Errorf("serialize metadata: %w", err)
	}

	now := nowUnix()
	var id int64
	err = l.db.Retry(ctx, func() error {
		res, execErr := l.db.ExecContext(ctx, `
			INSERT INTO messages (session_id, sender, sender_type, content, visibility, message_type, metadata, timestamp, parent_message_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionID, caller.AgentID, caller.AgentType, content, visibility, messageType, meta, now, parentPtr(parent))
		if execErr != nil {
			return execErr
		}
		id, execErr = res.LastInsertId()
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	l.audit.Record(audit.EventMessageAdded, caller.AgentID, sessionID, map[string]any{
		"message_id": id,
		"visibility": visibility,
	})
	if l.notifier != nil {
		l.notifier.Notify("session://" + sessionID)
	}
	return id, nil
}

// VisibilityClause exposes the canonical predicate to other read paths
// (search prefilter, resource views) so filtering never forks.
func VisibilityClause(caller authctx.Info) (string, []any) {
	return visibilityPredicate(caller)
}

// visibilityPredicate returns the canonical four-way disjunction for the
// caller, as a SQL fragment with its bind args.
func visibilityPredicate(caller authctx.Info) (string, []any) {
	clause := "(visibility = 'public' OR (visibility = 'private' AND sender = ?) OR (visibility = 'agent_only' AND sender_type = ?)"
	args := []any{caller.AgentID, caller.AgentType}
	if caller.IsAdmin() {
		clause += " OR visibility = 'admin_only'"
	}
	clause += ")"
	return clause, args
}

// List returns messages visible to the caller in nondecreasing timestamp
// order; equal timestamps resolve by ascending id.
func (l *Log) List(ctx context.Context, caller authctx.Info, sessionID string, opts ListOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	clause, args := visibilityPredicate(caller)
	query := "SELECT " + columns + " FROM messages WHERE session_id = ? AND " + clause
	qargs := append([]any{sessionID}, args...)

	if opts.VisibilityFilter != "" {
		query += " AND visibility = ?"
		qargs = append(qargs, opts.VisibilityFilter)
	}

	query += " ORDER BY timestamp ASC, id ASC LIMIT ? OFFSET ?"
	qargs = append(qargs, limit, offset)

	return l.scanMessages(ctx, query, qargs...)
}

// ListAdvanced applies visibility, agent-type, and admin-only filters.
// IncludeAdminOnly only widens the result when the caller holds admin.
func (l *Log) ListAdvanced(ctx context.Context, caller authctx.Info, sessionID string, opts AdvancedOptions) ([]Message, error) {
	clause, args := visibilityPredicate(caller)
	query := "SELECT " + columns + " FROM messages WHERE session_id = ? AND " + clause
	qargs := append([]any{sessionID}, args...)

	if opts.VisibilityFilter != "" {
		query += " AND visibility = ?"
		qargs = append(qargs, opts.VisibilityFilter)
	}
	if opts.AgentTypeFilter != "" {
		query += " AND sender_type = ?"
		qargs = append(qargs, opts.AgentTypeFilter)
	}
	if !opts.IncludeAdminOnly {
		query += " AND visibility != 'admin_only'"
	}

	query += " ORDER BY timestamp ASC, id ASC LIMIT 1000"
	return l.scanMessages(ctx, query, qargs...)
}

// Recent returns the most recent limit messages visible to the caller in
// chronological order (used by the session resource view).
func (l *Log) Recent(ctx context.Context, caller authctx.Info, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	clause, args := visibilityPredicate(caller)
	query := "SELECT " + columns + ` FROM (
		SELECT ` + columns + ` FROM messages WHERE session_id = ? AND ` + clause + `
		ORDER BY timestamp DESC, id DESC LIMIT ?
	) ORDER BY timestamp ASC, id ASC`
	qargs := append([]any{sessionID}, args...)
	qargs = append(qargs, limit)
	return l.scanMessages(ctx, query, qargs...)
}

// Get returns one message if it exists and is visible to the caller.
func (l *Log) Get(ctx context.Context, caller authctx.Info, id int64) (*Message, error) {
	clause, args := visibilityPredicate(caller)
	query := "SELECT " + columns + " FROM messages WHERE id = ? AND " + clause
	qargs := append([]any{id}, args...)

	msgs, err := l.scanMessages(ctx, query, qargs...)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

// SetVisibility updates a message's visibility. Only the sender or an
// admin may change it; raising to admin_only requires the admin
// permission. The change is audited with the optional reason.
func (l *Log) SetVisibility(ctx context.Context, caller authctx.Info, messageID int64, newVisibility, reason string) error {
	if err := validate.ValidateVisibility(newVisibility); err != nil {
		return err
	}
	if newVisibility == VisibilityAdminOnly && !caller.IsAdmin() {
		return ErrNotOwner
	}

	var sender, sessionID, oldVisibility string
	err := l.db.QueryRowContext(ctx,
		"SELECT sender, session_id, visibility FROM messages WHERE id = ?", messageID).
		Scan(&sender, &sessionID, &oldVisibility)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query message: %w", err)
	}
	if sender != caller.AgentID && !caller.IsAdmin() {
		return ErrNotOwner
	}

	_, err = l.db.ExecContext(ctx,
		"UPDATE messages SET visibility = ? WHERE id = ?", newVisibility, messageID)
	if err != nil {
		return fmt.Errorf("update visibility: %w", err)
	}

	l.audit.Record(audit.EventVisibilityChanged, caller.AgentID, sessionID, map[string]any{
		"message_id":     messageID,
		"old_visibility": oldVisibility,
		"new_visibility": newVisibility,
		"reason":         reason,
	})
	if l.notifier != nil {
		l.notifier.Notify("session://" + sessionID)
	}
	return nil
}

// Stats summarizes a session's log for the resource view.
type Stats struct {
	Total        int     `json:"total"`
	Visible      int     `json:"visible"`
	UniqueAgents int     `json:"unique_agents"`
	LastActivity float64 `json:"last_activity"`
}

// SessionStats computes message statistics scoped to the caller.
func (l *Log) SessionStats(ctx context.Context, caller authctx.Info, sessionID string) (*Stats, error) {
	var s Stats
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(DISTINCT sender), COALESCE(MAX(timestamp), 0) FROM messages WHERE session_id = ?",
		sessionID).Scan(&s.Total, &s.UniqueAgents, &s.LastActivity)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	clause, args := visibilityPredicate(caller)
	qargs := append([]any{sessionID}, args...)
	err = l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE session_id = ? AND "+clause, qargs...).Scan(&s.Visible)
	if err != nil {
		return nil, fmt.Errorf("query visible count: %w", err)
	}
	return &s, nil
}

const columns = "id, session_id, sender, sender_type, content, visibility, message_type, metadata, timestamp, parent_message_id"

func (l *Log) scanMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var meta sql.NullString
		var parent sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.SenderType, &m.Content,
			&m.Visibility, &m.MessageType, &meta, &m.Timestamp, &parent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		if parent.Valid {
			m.ParentMessageID = &parent.Int64
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func parentPtr(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
