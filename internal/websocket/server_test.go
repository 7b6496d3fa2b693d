package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/notify"
)

type stubResolver struct {
	agents map[string]authctx.Info
}

func (r *stubResolver) ResolveInfo(_ context.Context, token string) (authctx.Info, error) {
	info, ok := r.agents[token]
	if !ok {
		return authctx.Anonymous(), errors.New("unknown token")
	}
	return info, nil
}

func newTestServer(t *testing.T) (*Server, *notify.Hub) {
	t.Helper()
	hub := notify.NewHub(time.Millisecond, nil)
	resolver := &stubResolver{agents: map[string]authctx.Info{
		"sct_alice": {AgentID: "alice", AgentType: "claude",
			Permissions: []string{authctx.PermRead, authctx.PermWrite}, Authenticated: true},
	}}
	srv := NewServer("127.0.0.1:0", hub, resolver, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, hub
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f := frame{Type: frameType, Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s frame: %v", frameType, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func authenticate(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	sendFrame(t, conn, "auth", authPayload{Token: token})
	f := readFrame(t, conn)
	if f.Type != "auth_ok" {
		t.Fatalf("auth response = %q", f.Type)
	}
}

// The upgraded connection must outlive the HTTP handler that accepted it;
// a client that dials and then takes a moment before authenticating still
// gets served.
func TestConnectionSurvivesHandshake(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)

	time.Sleep(50 * time.Millisecond)
	authenticate(t, conn, "sct_alice")

	sendFrame(t, conn, "ping", nil)
	if f := readFrame(t, conn); f.Type != "pong" {
		t.Errorf("ping response = %q", f.Type)
	}
}

func TestAuthFailureIsGeneric(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)

	sendFrame(t, conn, "auth", authPayload{Token: "sct_bogus"})
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("frame type = %q", f.Type)
	}
	var body map[string]string
	if err := json.Unmarshal(f.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "authentication failed" {
		t.Errorf("error message = %q", body["message"])
	}
}

func TestUnauthenticatedFramesRefused(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)

	sendFrame(t, conn, "subscribe", subscribePayload{URI: "session://session_01"})
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("frame type = %q", f.Type)
	}

	// The server hangs up after the refusal.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after unauthenticated frame")
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "sct_alice")

	sendFrame(t, conn, "subscribe", subscribePayload{URI: "session://session_01"})
	if f := readFrame(t, conn); f.Type != "subscribed" {
		t.Fatalf("subscribe response = %q", f.Type)
	}

	hub.Notify("session://session_01")
	f := readFrame(t, conn)
	if f.Type != "session_update" {
		t.Errorf("event type = %q", f.Type)
	}
	var body map[string]string
	if err := json.Unmarshal(f.Data, &body); err != nil {
		t.Fatal(err)
	}
	if body["uri"] != "session://session_01" {
		t.Errorf("event uri = %q", body["uri"])
	}
}

func TestAgentResourceEventType(t *testing.T) {
	srv, hub := newTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "sct_alice")

	sendFrame(t, conn, "subscribe", subscribePayload{URI: "agent://alice/memory"})
	if f := readFrame(t, conn); f.Type != "subscribed" {
		t.Fatalf("subscribe response = %q", f.Type)
	}

	hub.Notify("agent://alice/memory")
	if f := readFrame(t, conn); f.Type != "agent_event" {
		t.Errorf("event type = %q", f.Type)
	}
}

func TestForeignAgentSubscriptionRefused(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "sct_alice")

	sendFrame(t, conn, "subscribe", subscribePayload{URI: "agent://bob/memory"})
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Errorf("frame type = %q", f.Type)
	}
}

func TestStopClosesConnections(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialTestServer(t, srv)
	authenticate(t, conn, "sct_alice")

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after Stop")
	}
	if n := srv.ConnectionCount(); n != 0 {
		t.Errorf("connection count = %d after Stop", n)
	}
}
