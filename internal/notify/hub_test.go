package notify

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSubscriber struct {
	mu    sync.Mutex
	uris  []string
	fail  bool
	gotCh chan struct{}
}

func newCaptureSubscriber() *captureSubscriber {
	return &captureSubscriber{gotCh: make(chan struct{}, 16)}
}

func (s *captureSubscriber) Deliver(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gone")
	}
	s.uris = append(s.uris, uri)
	select {
	case s.gotCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *captureSubscriber) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.uris...)
}

func waitDelivery(t *testing.T, s *captureSubscriber) {
	t.Helper()
	select {
	case <-s.gotCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestNotifyDelivers(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	sub := newCaptureSubscriber()

	if err := hub.Subscribe("alice", "session://session_01", sub); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	hub.Notify("session://session_01")
	waitDelivery(t, sub)

	got := sub.delivered()
	if len(got) != 1 || got[0] != "session://session_01" {
		t.Errorf("delivered = %v", got)
	}
}

func TestNotifyDebounces(t *testing.T) {
	hub := NewHub(50*time.Millisecond, nil)
	sub := newCaptureSubscriber()
	if err := hub.Subscribe("alice", "session://s", sub); err != nil {
		t.Fatal(err)
	}

	// A burst inside the window coalesces into one delivery.
	for i := 0; i < 10; i++ {
		hub.Notify("session://s")
	}
	waitDelivery(t, sub)
	time.Sleep(100 * time.Millisecond)

	if got := sub.delivered(); len(got) != 1 {
		t.Errorf("deliveries = %d, want 1", len(got))
	}
}

func TestNotifyWaitsForQuiescence(t *testing.T) {
	hub := NewHub(200*time.Millisecond, nil)
	sub := newCaptureSubscriber()
	if err := hub.Subscribe("alice", "session://s", sub); err != nil {
		t.Fatal(err)
	}

	// Each notification resets the window, so nothing may fire while the
	// burst is still going.
	hub.Notify("session://s")
	time.Sleep(60 * time.Millisecond)
	hub.Notify("session://s")
	time.Sleep(60 * time.Millisecond)
	if got := sub.delivered(); len(got) != 0 {
		t.Fatalf("delivered during active burst: %v", got)
	}

	waitDelivery(t, sub)
	if got := sub.delivered(); len(got) != 1 {
		t.Errorf("deliveries = %d, want 1", len(got))
	}
}

func TestNotifyUnknownURIIsNoop(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	hub.Notify("session://nobody-listening")
	// Nothing to assert beyond "no panic"; give the timer a beat.
	time.Sleep(10 * time.Millisecond)
}

func TestAgentResourceOwnerCheck(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	sub := newCaptureSubscriber()

	if err := hub.Subscribe("alice", "agent://alice/memory", sub); err != nil {
		t.Fatalf("own resource: %v", err)
	}
	if err := hub.Subscribe("bob", "agent://alice/memory", sub); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign resource err = %v", err)
	}
}

func TestFailedDeliveryDropsSubscription(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	sub := newCaptureSubscriber()
	sub.fail = true

	if err := hub.Subscribe("alice", "session://s", sub); err != nil {
		t.Fatal(err)
	}
	hub.Notify("session://s")
	time.Sleep(50 * time.Millisecond)

	if n := hub.SubscriberCount("session://s"); n != 0 {
		t.Errorf("subscriber count = %d, want 0 after failed delivery", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	sub := newCaptureSubscriber()
	if err := hub.Subscribe("alice", "session://s", sub); err != nil {
		t.Fatal(err)
	}
	hub.Unsubscribe("session://s", sub)
	if n := hub.SubscriberCount("session://s"); n != 0 {
		t.Errorf("count = %d", n)
	}
}

func TestReapIdleSubscriptions(t *testing.T) {
	hub := NewHub(time.Millisecond, nil)
	idle := newCaptureSubscriber()
	active := newCaptureSubscriber()

	if err := hub.Subscribe("alice", "session://s", idle); err != nil {
		t.Fatal(err)
	}
	if err := hub.Subscribe("bob", "session://s", active); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	hub.Touch(active)

	if reaped := hub.Reap(20 * time.Millisecond); reaped != 1 {
		t.Errorf("reaped = %d, want 1", reaped)
	}
	if n := hub.SubscriberCount("session://s"); n != 1 {
		t.Errorf("remaining = %d", n)
	}
}
