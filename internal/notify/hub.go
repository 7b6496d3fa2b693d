// Package notify implements the resource-change fan-out hub. Subscribers
// register per resource URI; change notifications are debounced per URI and
// delivered in FIFO order relative to that URI. Delivery failures drop the
// subscription rather than wedging the hub.
package notify

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultDebounce coalesces bursts of changes to the same resource.
const DefaultDebounce = 100 * time.Millisecond

// DefaultIdleTimeout is how long a subscriber may go silent before the
// reaper removes it.
const DefaultIdleTimeout = 300 * time.Second

// ErrNotOwner means an agent tried to subscribe to another agent's
// memory resource.
var ErrNotOwner = errors.New("notify: agent does not own resource")

// Subscriber receives change notifications for subscribed URIs. Deliver
// must be safe for concurrent use across URIs; the hub serializes calls
// for any single URI.
type Subscriber interface {
	Deliver(resourceURI string) error
}

type subscription struct {
	agentID  string
	sub      Subscriber
	lastSeen time.Time
}

type topic struct {
	mu      sync.Mutex
	subs    map[Subscriber]*subscription
	pending bool
	timer   *time.Timer

	// deliverMu serializes deliveries for this URI so subscribers observe
	// changes in order.
	deliverMu sync.Mutex
}

// Hub routes resource change events to subscribers.
type Hub struct {
	debounce time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

// NewHub creates a hub with the given debounce window (0 = default).
func NewHub(debounce time.Duration, log *slog.Logger) *Hub {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{debounce: debounce, log: log, topics: make(map[string]*topic)}
}

// Subscribe registers sub for changes to uri. Subscribing to another
// agent's agent:// resource fails with ErrNotOwner; whether that resource
// exists is not revealed.
func (h *Hub) Subscribe(agentID, uri string, sub Subscriber) error {
	if owner, ok := agentResourceOwner(uri); ok && owner != agentID {
		return ErrNotOwner
	}

	t := h.topic(uri, true)
	t.mu.Lock()
	t.subs[sub] = &subscription{agentID: agentID, sub: sub, lastSeen: time.Now()}
	t.mu.Unlock()
	return nil
}

// Unsubscribe removes sub from uri. Unknown subscriptions are a no-op.
func (h *Hub) Unsubscribe(uri string, sub Subscriber) {
	t := h.topic(uri, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
}

// Touch marks every subscription held by sub as recently active.
func (h *Hub) Touch(sub Subscriber) {
	now := time.Now()
	h.mu.Lock()
	topics := make([]*topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		if s, ok := t.subs[sub]; ok {
			s.lastSeen = now
		}
		t.mu.Unlock()
	}
}

// Notify schedules a change notification for uri. Calls inside the
// debounce window coalesce into one delivery that fires once the URI has
// been quiet for the debounce interval.
func (h *Hub) Notify(uri string) {
	t := h.topic(uri, false)
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending {
		t.timer.Reset(h.debounce)
		return
	}
	t.pending = true
	t.timer = time.AfterFunc(h.debounce, func() { h.fire(uri, t) })
}

func (h *Hub) fire(uri string, t *topic) {
	t.mu.Lock()
	t.pending = false
	targets := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		targets = append(targets, s)
	}
	t.mu.Unlock()

	// One URI's deliveries run in order; different URIs proceed in
	// parallel.
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	for _, s := range targets {
		if err := s.sub.Deliver(uri); err != nil {
			h.log.Debug("notification delivery failed, dropping subscription",
				"uri", uri, "agent_id", s.agentID, "error", err)
			t.mu.Lock()
			delete(t.subs, s.sub)
			t.mu.Unlock()
		}
	}
}

// Reap removes subscriptions idle longer than idleTimeout and returns how
// many were dropped. Run periodically by the background tasks.
func (h *Hub) Reap(idleTimeout time.Duration) int {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	cutoff := time.Now().Add(-idleTimeout)

	h.mu.Lock()
	topics := make(map[string]*topic, len(h.topics))
	for uri, t := range h.topics {
		topics[uri] = t
	}
	h.mu.Unlock()

	reaped := 0
	for uri, t := range topics {
		t.mu.Lock()
		for sub, s := range t.subs {
			if s.lastSeen.Before(cutoff) {
				delete(t.subs, sub)
				reaped++
			}
		}
		empty := len(t.subs) == 0 && !t.pending
		t.mu.Unlock()

		if empty {
			h.mu.Lock()
			if cur, ok := h.topics[uri]; ok && cur == t {
				delete(h.topics, uri)
			}
			h.mu.Unlock()
		}
	}
	if reaped > 0 {
		h.log.Debug("reaped idle subscriptions", "count", reaped)
	}
	return reaped
}

// SubscriberCount reports active subscriptions for uri (metrics surface).
func (h *Hub) SubscriberCount(uri string) int {
	t := h.topic(uri, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (h *Hub) topic(uri string, create bool) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[uri]
	if !ok && create {
		t = &topic{subs: make(map[Subscriber]*subscription)}
		h.topics[uri] = t
	}
	return t
}

// agentResourceOwner extracts the owner from an agent://{agentId}/...
// URI. ok is false for other schemes.
func agentResourceOwner(uri string) (string, bool) {
	rest, found := strings.CutPrefix(uri, "agent://")
	if !found {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}
