package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/notify"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
	authTimeout  = 10 * time.Second
)

// frame is the wire envelope for both directions.
type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Client frame payloads.
type authPayload struct {
	Token string `json:"token"`
}

type subscribePayload struct {
	URI string `json:"uri"`
}

// Connection is one authenticated client. It implements notify.Subscriber:
// the hub calls Deliver after a subscribed resource changes.
type Connection struct {
	conn   *websocket.Conn
	hub    *notify.Hub
	tokens TokenResolver
	log    *slog.Logger

	sendCh chan []byte

	// writeMu serializes socket writes between the write loop and the
	// synchronous error path.
	writeMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	caller        authctx.Info
	authenticated bool
	subscribed    map[string]struct{}
}

func newConnection(conn *websocket.Conn, hub *notify.Hub, tokens TokenResolver, log *slog.Logger) *Connection {
	return &Connection{
		conn:       conn,
		hub:        hub,
		tokens:     tokens,
		log:        log,
		sendCh:     make(chan []byte, 256),
		subscribed: make(map[string]struct{}),
	}
}

// Deliver queues a change event for a subscribed resource. A full send
// buffer fails the delivery, which makes the hub drop this subscription.
func (c *Connection) Deliver(resourceURI string) error {
	eventType := "session_update"
	if strings.HasPrefix(resourceURI, "agent://") {
		eventType = "agent_event"
	}
	data, _ := json.Marshal(map[string]string{"uri": resourceURI})
	return c.send(eventType, data)
}

func (c *Connection) readLoop(ctx context.Context) error {
	defer func() { _ = c.Close() }()

	// The first frame must authenticate, on a short deadline.
	_ = c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.hub.Touch(c)
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := c.handleFrame(ctx, message); err != nil {
			return err
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case message, ok := <-c.sendCh:
			if !ok {
				return nil
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return c.sendError("malformed frame")
	}

	c.mu.Lock()
	authed := c.authenticated
	c.mu.Unlock()

	if !authed && f.Type != "auth" {
		// No identity, no service. The connection closes.
		_ = c.sendError("authentication required")
		return fmt.Errorf("unauthenticated frame: %s", f.Type)
	}

	switch f.Type {
	case "auth":
		return c.handleAuth(ctx, f.Data)
	case "subscribe":
		return c.handleSubscribe(f.Data)
	case "unsubscribe":
		return c.handleUnsubscribe(f.Data)
	case "ping":
		c.hub.Touch(c)
		return c.send("pong", nil)
	default:
		return c.sendError("unknown frame type")
	}
}

func (c *Connection) handleAuth(ctx context.Context, data json.RawMessage) error {
	var p authPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Token == "" {
		_ = c.sendError("authentication failed")
		return fmt.Errorf("auth frame malformed")
	}

	info, err := c.tokens.ResolveInfo(ctx, p.Token)
	if err != nil {
		// Generic on purpose; the reason is not disclosed.
		_ = c.sendError("authentication failed")
		return fmt.Errorf("auth resolve failed")
	}

	c.mu.Lock()
	c.caller = info
	c.authenticated = true
	c.mu.Unlock()

	ack, _ := json.Marshal(map[string]string{"agent_id": info.AgentID})
	return c.send("auth_ok", ack)
}

func (c *Connection) handleSubscribe(data json.RawMessage) error {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil || p.URI == "" {
		return c.sendError("subscribe requires a uri")
	}

	c.mu.Lock()
	caller := c.caller
	c.mu.Unlock()

	if err := c.hub.Subscribe(caller.AgentID, p.URI, c); err != nil {
		return c.sendError("subscription refused")
	}

	c.mu.Lock()
	c.subscribed[p.URI] = struct{}{}
	c.mu.Unlock()

	ack, _ := json.Marshal(map[string]string{"uri": p.URI})
	return c.send("subscribed", ack)
}

func (c *Connection) handleUnsubscribe(data json.RawMessage) error {
	var p subscribePayload
	if err := json.Unmarshal(data, &p); err != nil || p.URI == "" {
		return c.sendError("unsubscribe requires a uri")
	}

	c.hub.Unsubscribe(p.URI, c)
	c.mu.Lock()
	delete(c.subscribed, p.URI)
	c.mu.Unlock()
	return nil
}

func (c *Connection) send(frameType string, data json.RawMessage) error {
	payload, err := json.Marshal(frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	select {
	case c.sendCh <- payload:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *Connection) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// sendError writes synchronously so the refusal reaches the client even
// when the connection is torn down right after.
func (c *Connection) sendError(msg string) error {
	data, _ := json.Marshal(map[string]string{"message": msg})
	payload, err := json.Marshal(frame{
		Type:      "error",
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.writeMessage(websocket.TextMessage, payload)
}

// Close tears down the connection and drops its hub subscriptions.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.sendCh)
	uris := make([]string, 0, len(c.subscribed))
	for uri := range c.subscribed {
		uris = append(uris, uri)
	}
	c.mu.Unlock()

	for _, uri := range uris {
		c.hub.Unsubscribe(uri, c)
	}
	return c.conn.Close()
}
