// Package memory implements the per-agent key/value store with TTL and
// global-vs-session scoping. Entries are visible only to the agent that
// wrote them; an expired entry is logically absent on every read path.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/store"
	"github.com/concord-dev/concord/internal/validate"
)

// ScopeAll in ListOptions enumerates global plus every session scope.
const ScopeAll = "all"

// TTL bounds: [1 second, 1 year].
const (
	MinTTLSeconds = 1
	MaxTTLSeconds = 365 * 24 * 3600
)

var (
	// ErrNotFound means the key is absent or expired.
	ErrNotFound = errors.New("memory: not found")

	// ErrKeyExists is returned when overwrite=false and a live entry exists.
	ErrKeyExists = errors.New("memory: key already exists")

	// ErrSerialization means the value could not be serialized to JSON.
	ErrSerialization = errors.New("memory: value not serializable")

	// ErrBadTTL means expires_in is outside [1s, 1 year].
	ErrBadTTL = errors.New("memory: expires_in out of range")
)

// Entry is one stored key/value pair.
type Entry struct {
	Key       string         `json:"key"`
	Value     any            `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	CreatedAt float64        `json:"created_at"`
	UpdatedAt float64        `json:"updated_at"`
	ExpiresAt *float64       `json:"expires_at,omitempty"`
}

// KeyInfo is a listing row: key plus serialized size, no value.
type KeyInfo struct {
	Key       string   `json:"key"`
	SessionID string   `json:"session_id,omitempty"`
	Size      int      `json:"size_bytes"`
	CreatedAt float64  `json:"created_at"`
	UpdatedAt float64  `json:"updated_at"`
	ExpiresAt *float64 `json:"expires_at,omitempty"`
}

// SetOptions controls Set behavior.
type SetOptions struct {
	SessionID        string // "" = global scope
	ExpiresInSeconds int    // 0 = never expires
	Metadata         map[string]any
	Overwrite        bool
}

// ListOptions controls List behavior.
type ListOptions struct {
	SessionID string // "" = global only, ScopeAll = everything
	Prefix    string
	Limit     int
}

// Store provides agent-scoped memory operations.
type Store struct {
	db    *store.DB
	audit *audit.Logger
	log   *slog.Logger
}

// NewStore creates the memory store.
func NewStore(db *store.DB, auditLog *audit.Logger, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, audit: auditLog, log: log}
}

// Set serializes value to JSON and upserts it under (agent, session, key).
// With Overwrite false, a live entry under the same key fails with
// ErrKeyExists; an expired entry does not count.
func (s *Store) Set(ctx context.Context, agentID, key string, value any, opts SetOptions) error {
	if err := validate.ValidateMemoryKey(key); err != nil {
		return err
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if err := validate.ValidateMemoryValueSize(serialized); err != nil {
		return err
	}

	now := nowUnix()
	var expiresAt any
	if opts.ExpiresInSeconds != 0 {
		if opts.ExpiresInSeconds < MinTTLSeconds || opts.ExpiresInSeconds > MaxTTLSeconds {
			return ErrBadTTL
		}
		expiresAt = now + float64(opts.ExpiresInSeconds)
	}

	meta, err := marshalMeta(opts.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrSerialization, err)
	}

	if !opts.Overwrite {
		var existingExpiry sql.NullFloat64
		err := s.db.QueryRowContext(ctx, `
			SELECT expires_at FROM agent_memory
			WHERE agent_id = ? AND session_id = ? AND key = ?
		`, agentID, opts.SessionID, key).Scan(&existingExpiry)
		switch {
		case err == nil:
			if !existingExpiry.Valid || existingExpiry.Float64 >= now {
				return ErrKeyExists
			}
			// Expired entry: fall through and overwrite it.
		case err != sql.ErrNoRows:
			return fmt.Errorf("check existing key: %w", err)
		}
	}

	err = s.db.Retry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, session_id, key) DO UPDATE SET
				value = excluded.value,
				metadata = excluded.metadata,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at
		`, agentID, opts.SessionID, key, string(serialized), meta, now, now, expiresAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}

	s.audit.Record(audit.EventMemorySet, agentID, opts.SessionID, map[string]any{
		"key":  key,
		"size": len(serialized),
	})
	return nil
}

// Get returns the live entry or ErrNotFound. The expiry check is inline;
// the background sweeper only bounds storage.
func (s *Store) Get(ctx context.Context, agentID, key, sessionID string) (*Entry, error) {
	var e Entry
	var raw string
	var meta sql.NullString
	var expiresAt sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, metadata, created_at, updated_at, expires_at
		FROM agent_memory
		WHERE agent_id = ? AND session_id = ? AND key = ?
	`, agentID, sessionID, key).Scan(&e.Key, &raw, &meta, &e.CreatedAt, &e.UpdatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}

	if expiresAt.Valid {
		if expiresAt.Float64 < nowUnix() {
			// Logically absent; delete opportunistically.
			_, _ = s.db.ExecContext(ctx,
				"DELETE FROM agent_memory WHERE agent_id = ? AND session_id = ? AND key = ?",
				agentID, sessionID, key)
			return nil, ErrNotFound
		}
		e.ExpiresAt = &expiresAt.Float64
	}

	if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
		return nil, fmt.Errorf("%w: stored value corrupt: %v", ErrSerialization, err)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	e.SessionID = sessionID
	return &e, nil
}

// List enumerates live keys with sizes for the agent, optionally filtered
// by prefix. SessionID "" lists global scope; ScopeAll lists everything.
func (s *Store) List(ctx context.Context, agentID string, opts ListOptions) ([]KeyInfo, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := `
		SELECT key, session_id, LENGTH(value), created_at, updated_at, expires_at
		FROM agent_memory
		WHERE agent_id = ? AND (expires_at IS NULL OR expires_at >= ?)
	`
	args := []any{agentID, nowUnix()}

	if opts.SessionID != ScopeAll {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Prefix != "" {
		query += " AND key LIKE ? ESCAPE '\\'"
		args = append(args, escapeLike(opts.Prefix)+"%")
	}
	query += " ORDER BY session_id, key LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []KeyInfo
	for rows.Next() {
		var k KeyInfo
		var expiresAt sql.NullFloat64
		if err := rows.Scan(&k.Key, &k.SessionID, &k.Size, &k.CreatedAt, &k.UpdatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan memory key: %w", err)
		}
		if expiresAt.Valid {
			k.ExpiresAt = &expiresAt.Float64
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory keys: %w", err)
	}
	return keys, nil
}

// Delete removes a key for the agent. Deleting an absent key is ErrNotFound.
func (s *Store) Delete(ctx context.Context, agentID, key, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_memory WHERE agent_id = ? AND session_id = ? AND key = ?",
		agentID, sessionID, key)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.audit.Record(audit.EventMemoryDeleted, agentID, sessionID, map[string]any{"key": key})
	return nil
}

// Organized is the agent memory resource view: global entries plus a map
// of session-scoped entries keyed by session id.
type Organized struct {
	Global   map[string]Entry            `json:"global"`
	Sessions map[string]map[string]Entry `json:"sessions"`
}

// OrganizeForAgent loads every live entry for the agent grouped by scope.
func (s *Store) OrganizeForAgent(ctx context.Context, agentID string) (*Organized, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, session_id, value, metadata, created_at, updated_at, expires_at
		FROM agent_memory
		WHERE agent_id = ? AND (expires_at IS NULL OR expires_at >= ?)
		ORDER BY session_id, key
	`, agentID, nowUnix())
	if err != nil {
		return nil, fmt.Errorf("query agent memory: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := &Organized{
		Global:   map[string]Entry{},
		Sessions: map[string]map[string]Entry{},
	}
	for rows.Next() {
		var e Entry
		var raw string
		var meta sql.NullString
		var expiresAt sql.NullFloat64
		if err := rows.Scan(&e.Key, &e.SessionID, &raw, &meta, &e.CreatedAt, &e.UpdatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		if expiresAt.Valid {
			e.ExpiresAt = &expiresAt.Float64
		}
		if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
			continue // skip corrupt rows rather than fail the resource
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		if e.SessionID == "" {
			out.Global[e.Key] = e
		} else {
			if out.Sessions[e.SessionID] == nil {
				out.Sessions[e.SessionID] = map[string]Entry{}
			}
			out.Sessions[e.SessionID][e.Key] = e
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory entries: %w", err)
	}
	return out, nil
}

// SweepExpired deletes every expired entry store-wide. Run by the
// background sweeper.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at < ?", nowUnix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' || s[i] == '_' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
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
