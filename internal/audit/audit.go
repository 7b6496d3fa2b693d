// Package audit provides the append-only event stream recorded on every
// state-mutating operation. Writes are buffered and committed in small
// batched transactions so the originating operation only pays for an
// in-memory append.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/concord-dev/concord/internal/store"
)

// Event types recorded by the core.
const (
	EventSessionCreated      = "session_created"
	EventSessionDeactivated  = "session_deactivated"
	EventMessageAdded        = "message_added"
	EventVisibilityChanged   = "message_visibility_changed"
	EventMemorySet           = "memory_set"
	EventMemoryDeleted       = "memory_deleted"
	EventContextSearched     = "context_searched"
	EventAgentAuthenticated  = "agent_authenticated"
	EventTokenRefreshed      = "token_refreshed"
	EventPermissionDenied    = "permission_denied"
	EventAuthFailed          = "auth_failed"
	EventSessionLockAcquired = "session_lock_acquired"
	EventSessionLockReleased = "session_lock_released"
	EventLockForceUnlocked   = "lock_force_unlocked"
)

// DefaultBatchSize is the flush threshold for buffered entries.
const DefaultBatchSize = 50

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// QueryFilter narrows an admin audit query. Zero values mean "any".
type QueryFilter struct {
	AgentID   string
	SessionID string
	EventType string
	StartTS   float64
	EndTS     float64
	Limit     int
}

// Logger buffers audit entries and flushes them in batches.
type Logger struct {
	db        *store.DB
	log       *slog.Logger
	batchSize int

	mu  sync.Mutex
	buf []Entry
}

// New creates an audit logger flushing at batchSize entries.
func New(db *store.DB, batchSize int, log *slog.Logger) *Logger {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Logger{db: db, log: log, batchSize: batchSize}
}

// Record appends an entry to the buffer. O(1) on the caller's critical
// path; persistence happens on the next Flush tick or when the buffer
// reaches the batch size.
func (l *Logger) Record(eventType, agentID, sessionID string, metadata map[string]any) {
	entry := Entry{
		ID:        ulid.Make().String(),
		EventType: eventType,
		AgentID:   agentID,
		SessionID: sessionID,
		Metadata:  metadata,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}

	l.mu.Lock()
	l.buf = append(l.buf, entry)
	full := len(l.buf) >= l.batchSize
	l.mu.Unlock()

	if full {
		// Drain asynchronously; the originating operation never blocks on
		// the database here.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.Flush(ctx); err != nil {
				l.log.Warn("audit flush failed", "error", err)
			}
		}()
	}
}

// Flush drains the buffer into one batched transaction. Safe to call
// concurrently; entries are written at most once.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.mu.Unlock()
		return nil
	}
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	err := l.db.Retry(ctx, func() error {
		return l.db.WithTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO audit_log (id, event_type, agent_id, session_id, metadata, timestamp)
				VALUES (?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer func() { _ = stmt.Close() }()

			for _, e := range pending {
				meta, err := marshalMetadata(e.Metadata)
				if err != nil {
					// Drop the metadata, keep the event.
					meta = nil
				}
				sessionID := sql.NullString{String: e.SessionID, Valid: e.SessionID != ""}
				if _, err := stmt.ExecContext(ctx, e.ID, e.EventType, e.AgentID, sessionID, meta, e.Timestamp); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		// Re-queue so a transient failure doesn't lose the batch.
		l.mu.Lock()
		l.buf = append(pending, l.buf...)
		l.mu.Unlock()
		return fmt.Errorf("flush audit batch: %w", err)
	}
	return nil
}

// BufferDepth reports the number of unflushed entries (metrics surface).
func (l *Logger) BufferDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Query returns audit entries matching the filter, newest first. The
// admin permission check happens at the tool surface.
func (l *Logger) Query(ctx context.Context, f QueryFilter) ([]Entry, error) {
	// Serve from a consistent store view: flush pending entries first.
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}

	query := "SELECT id, event_type, agent_id, session_id, metadata, timestamp FROM audit_log WHERE 1=1"
	var args []any
	if f.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.StartTS > 0 {
		query += " AND timestamp >= ?"
		args = append(args, f.StartTS)
	}
	if f.EndTS > 0 {
		query += " AND timestamp <= ?"
		args = append(args, f.EndTS)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sessionID sql.NullString
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.AgentID, &sessionID, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.SessionID = sessionID.String
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
