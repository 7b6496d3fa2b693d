// Package websocket pushes resource-change events to connected clients.
// Clients authenticate with a token on their first frame, then subscribe
// to resource URIs; the notification hub drives deliveries.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/notify"
)

// TokenResolver resolves a presented token to the caller's identity.
type TokenResolver interface {
	ResolveInfo(ctx context.Context, token string) (authctx.Info, error)
}

// Server is the WebSocket event push server.
type Server struct {
	addr       string
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *notify.Hub
	tokens     TokenResolver
	log        *slog.Logger

	// baseCtx outlives individual HTTP requests: net/http cancels the
	// request context as soon as the handler returns, which would tear
	// down every upgraded connection immediately.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.RWMutex
	ln       net.Listener
	shutdown bool
	conns    map[*Connection]struct{}
	wg       sync.WaitGroup
}

// NewServer creates the event server listening on addr ("host:port").
func NewServer(addr string, hub *notify.Hub, tokens TokenResolver, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		addr:       addr,
		hub:        hub,
		tokens:     tokens,
		log:        log,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		conns:      make(map[*Connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents connect from local tooling, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and begins accepting connections. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return fmt.Errorf("server is shutting down")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket server error", "error", err)
		}
	}()
	return nil
}

// Stop closes every connection and shuts down the listener.
func (s *Server) Stop() error {
	s.baseCancel()

	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown websocket server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return nil
}

// Addr returns the bound listen address once Start has succeeded, else
// the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ConnectionCount reports live connections (metrics surface).
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the lock across the shutdown check and wg.Add so Stop cannot
	// wait between them.
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	// The request context dies with this handler; the connection must
	// live on the server's context instead.
	go s.handleConnection(s.baseCtx, conn)
}

func (s *Server) handleConnection(ctx context.Context, raw *websocket.Conn) {
	defer s.wg.Done()

	c := newConnection(raw, s.hub, s.tokens, s.log)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(ctx) }()
	go func() { errCh <- c.writeLoop(ctx) }()
	<-errCh
}
