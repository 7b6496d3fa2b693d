// Package presence tracks which agents are currently working in which
// sessions. Presence is advisory and in-memory: agents re-register on
// reconnect, so nothing is persisted.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Derived status thresholds by last-seen age.
const (
	ActiveWithin = 60 * time.Second
	IdleWithin   = 300 * time.Second
	ExpireAfter  = 3600 * time.Second
)

// Agent is one presence record with its derived status.
type Agent struct {
	AgentID   string  `json:"agent_id"`
	AgentType string  `json:"agent_type"`
	SessionID string  `json:"session_id,omitempty"`
	Activity  string  `json:"activity,omitempty"`
	Status    string  `json:"status"`
	LastSeen  float64 `json:"last_seen"`
}

type record struct {
	agentType string
	sessionID string
	activity  string
	lastSeen  time.Time
}

// Tracker holds presence records.
type Tracker struct {
	mu     sync.Mutex
	agents map[string]*record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{agents: make(map[string]*record)}
}

// Register records an agent as present, optionally scoped to a session
// with a free-form activity note. Re-registering refreshes last-seen.
func (t *Tracker) Register(agentID, agentType, sessionID, activity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents[agentID] = &record{
		agentType: agentType,
		sessionID: sessionID,
		activity:  activity,
		lastSeen:  time.Now(),
	}
}

// Touch refreshes last-seen without changing session or activity.
func (t *Tracker) Touch(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.agents[agentID]; ok {
		r.lastSeen = time.Now()
	}
}

// Active returns present agents, optionally filtered to one session,
// sorted most recently seen first. Records older than ExpireAfter are
// dropped on the way through.
func (t *Tracker) Active(sessionID string) []Agent {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Agent
	for id, r := range t.agents {
		age := now.Sub(r.lastSeen)
		if age > ExpireAfter {
			delete(t.agents, id)
			continue
		}
		if sessionID != "" && r.sessionID != sessionID {
			continue
		}
		out = append(out, Agent{
			AgentID:   id,
			AgentType: r.agentType,
			SessionID: r.sessionID,
			Activity:  r.activity,
			Status:    deriveStatus(age),
			LastSeen:  float64(r.lastSeen.UnixNano()) / 1e9,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}

// Count reports how many non-expired records exist (metrics surface).
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.agents)
}

func deriveStatus(age time.Duration) string {
	switch {
	case age <= ActiveWithin:
		return "active"
	case age <= IdleWithin:
		return "idle"
	default:
		return "offline"
	}
}
