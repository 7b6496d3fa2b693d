// Package locks implements advisory work coordination within a session.
// Locks are in-memory, TTL-bounded leases: a crashed holder never wedges a
// session for longer than the lease.
package locks

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/concord-dev/concord/internal/audit"
)

// Lock types, weakest to strongest.
const (
	TypeRead      = "read"
	TypeWrite     = "write"
	TypeExclusive = "exclusive"
)

// Lease bounds.
const (
	DefaultTTL = 300 * time.Second
	MinTTL     = 10 * time.Second
	MaxTTL     = 3600 * time.Second
)

var (
	// ErrLocked means a conflicting lease is held by another agent.
	ErrLocked = errors.New("locks: session locked")

	// ErrNoLockHeld means the caller holds no lease to release or extend.
	ErrNoLockHeld = errors.New("locks: no lock held")

	// ErrBadType means the lock type is not read, write, or exclusive.
	ErrBadType = errors.New("locks: unknown lock type")
)

// Holder describes one live lease.
type Holder struct {
	AgentID    string  `json:"agent_id"`
	LockType   string  `json:"lock_type"`
	AcquiredAt float64 `json:"acquired_at"`
	ExpiresAt  float64 `json:"expires_at"`
}

// Status is the lock state of one session.
type Status struct {
	SessionID string   `json:"session_id"`
	Locked    bool     `json:"locked"`
	Holders   []Holder `json:"holders,omitempty"`
}

// Notifier is poked after force-unlock so waiting agents re-check.
type Notifier interface {
	Notify(resourceURI string)
}

type lease struct {
	lockType   string
	acquiredAt time.Time
	expiresAt  time.Time
}

// Manager tracks leases per session.
type Manager struct {
	audit    *audit.Logger
	notifier Notifier
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*lease // session -> agent -> lease
}

// NewManager creates the lock manager. notifier may be nil in tests.
func NewManager(auditLog *audit.Logger, notifier Notifier, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		audit:    auditLog,
		notifier: notifier,
		log:      log,
		sessions: make(map[string]map[string]*lease),
	}
}

// Acquire takes or upgrades a lease. Compatibility: any number of read
// leases coexist; one write lease coexists with reads; an exclusive lease
// coexists with nothing. Re-acquiring refreshes the caller's lease.
func (m *Manager) Acquire(agentID, sessionID, lockType string, ttl time.Duration) (*Status, error) {
	switch lockType {
	case TypeRead, TypeWrite, TypeExclusive:
	default:
		return nil, ErrBadType
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	held := m.liveLeases(sessionID, now)
	for holder, l := range held {
		if holder == agentID {
			continue // own lease never conflicts; it gets replaced
		}
		if conflicts(lockType, l.lockType) {
			return nil, ErrLocked
		}
	}

	if m.sessions[sessionID] == nil {
		m.sessions[sessionID] = make(map[string]*lease)
	}
	m.sessions[sessionID][agentID] = &lease{
		lockType:   lockType,
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	}

	m.audit.Record(audit.EventSessionLockAcquired, agentID, sessionID, map[string]any{
		"lock_type":   lockType,
		"ttl_seconds": int(ttl.Seconds()),
	})
	return m.statusLocked(sessionID, now), nil
}

// Release drops the caller's lease.
func (m *Manager) Release(agentID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents := m.sessions[sessionID]
	l, ok := agents[agentID]
	if !ok || l.expiresAt.Before(time.Now()) {
		return ErrNoLockHeld
	}
	delete(agents, agentID)
	if len(agents) == 0 {
		delete(m.sessions, sessionID)
	}

	m.audit.Record(audit.EventSessionLockReleased, agentID, sessionID, map[string]any{
		"lock_type": l.lockType,
	})
	return nil
}

// Heartbeat extends the caller's lease by ttl from now.
func (m *Manager) Heartbeat(agentID, sessionID string, ttl time.Duration) (*Status, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.sessions[sessionID][agentID]
	if !ok || l.expiresAt.Before(now) {
		return nil, ErrNoLockHeld
	}
	l.expiresAt = now.Add(ttl)
	return m.statusLocked(sessionID, now), nil
}

// GetStatus reports live leases for a session.
func (m *Manager) GetStatus(sessionID string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(sessionID, time.Now())
}

// ForceUnlock drops every lease on the session. Admin-only at the tool
// surface; the change is audited and subscribers are notified so blocked
// agents re-check promptly.
func (m *Manager) ForceUnlock(adminID, sessionID string) int {
	m.mu.Lock()
	dropped := len(m.liveLeases(sessionID, time.Now()))
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.audit.Record(audit.EventLockForceUnlocked, adminID, sessionID, map[string]any{
		"dropped": dropped,
	})
	if m.notifier != nil {
		m.notifier.Notify("session://" + sessionID)
	}
	return dropped
}

// SweepExpired drops expired leases everywhere and returns the count.
func (m *Manager) SweepExpired() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for sessionID, agents := range m.sessions {
		for agentID, l := range agents {
			if l.expiresAt.Before(now) {
				delete(agents, agentID)
				swept++
			}
		}
		if len(agents) == 0 {
			delete(m.sessions, sessionID)
		}
	}
	return swept
}

// liveLeases returns the non-expired leases of a session. Caller holds mu.
func (m *Manager) liveLeases(sessionID string, now time.Time) map[string]*lease {
	live := make(map[string]*lease)
	for agentID, l := range m.sessions[sessionID] {
		if l.expiresAt.After(now) {
			live[agentID] = l
		}
	}
	return live
}

func (m *Manager) statusLocked(sessionID string, now time.Time) *Status {
	st := &Status{SessionID: sessionID}
	for agentID, l := range m.liveLeases(sessionID, now) {
		st.Holders = append(st.Holders, Holder{
			AgentID:    agentID,
			LockType:   l.lockType,
			AcquiredAt: float64(l.acquiredAt.UnixNano()) / 1e9,
			ExpiresAt:  float64(l.expiresAt.UnixNano()) / 1e9,
		})
	}
	st.Locked = len(st.Holders) > 0
	return st
}

// conflicts reports whether a new lease of type a conflicts with a held
// lease of type b.
func conflicts(a, b string) bool {
	if a == TypeExclusive || b == TypeExclusive {
		return true
	}
	return a == TypeWrite && b == TypeWrite
}
