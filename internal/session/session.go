// Package session implements the session registry: creation, lookup, and
// soft deactivation. Sessions are never deleted.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/store"
	"github.com/concord-dev/concord/internal/validate"
)

// ErrNotFound means the session id does not exist.
var ErrNotFound = errors.New("session: not found")

// Session is the registry row.
type Session struct {
	ID        string         `json:"id"`
	Purpose   string         `json:"purpose"`
	CreatedBy string         `json:"created_by"`
	CreatedAt float64        `json:"created_at"`
	UpdatedAt float64        `json:"updated_at"`
	IsActive  bool           `json:"is_active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Registry provides session operations over the shared store.
type Registry struct {
	db    *store.DB
	audit *audit.Logger
	log   *slog.Logger
}

// NewRegistry creates the session registry.
func NewRegistry(db *store.DB, auditLog *audit.Logger, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{db: db, audit: auditLog, log: log}
}

// Create generates a session id, persists the row, and audits the event.
func (r *Registry) Create(ctx context.Context, purpose, createdBy string, metadata map[string]any) (string, error) {
	id := GenerateID()
	now := nowUnix()

	meta, err := marshalMeta(metadata)
	if err != nil {
		return "", fmt.Errorf("serialize metadata: %w", err)
	}

	err = r.db.Retry(ctx, func() error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO sessions (id, purpose, created_by, created_at, updated_at, is_active, metadata)
			VALUES (?, ?, ?, ?, ?, 1, ?)
		`, id, validate.SanitizeText(purpose), createdBy, now, now, meta)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}

	r.audit.Record(audit.EventSessionCreated, createdBy, id, map[string]any{"purpose": purpose})
	r.log.Debug("session created", "session_id", id, "created_by", createdBy)
	return id, nil
}

// Get returns the session row or ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	var active int
	var purpose, meta sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, purpose, created_by, created_at, updated_at, is_active, metadata
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &purpose, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt, &active, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	s.Purpose = purpose.String
	s.IsActive = active != 0
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &s.Metadata)
	}
	return &s, nil
}

// Exists reports whether a session id is present without loading the row.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return true, nil
}

// SetActive flips is_active. Deactivation is monotonic at the surface:
// the admin-only tool never reactivates a deactivated session.
func (r *Registry) SetActive(ctx context.Context, id string, active bool, actor string) error {
	val := 0
	if active {
		val = 1
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET is_active = ?, updated_at = ? WHERE id = ?
	`, val, nowUnix(), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if !active {
		r.audit.Record(audit.EventSessionDeactivated, actor, id, nil)
	}
	return nil
}

// Touch bumps updated_at after activity in the session.
func (r *Registry) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", nowUnix(), id)
	return err
}

// GenerateID returns session_ + 16 lowercase hex chars.
func GenerateID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return "session_" + hex.EncodeToString(buf[:])
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(validate.SanitizeMetadata(m))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
