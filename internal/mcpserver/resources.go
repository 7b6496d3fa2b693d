package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/concord-dev/concord/internal/response"
	"github.com/concord-dev/concord/internal/session"
)

// registerResources exposes the session and agent-memory resource views.
// Reads use the identity bound by the most recent successful
// authentication on this connection.
func (s *Server) registerResources() {
	s.server.AddResourceTemplate(&gomcp.ResourceTemplate{
		URITemplate: "session://{sessionId}",
		Name:        "session",
		Description: "Session overview: details, statistics, and recent messages visible to the caller",
		MIMEType:    "application/json",
	}, s.handleSessionResource)

	s.server.AddResourceTemplate(&gomcp.ResourceTemplate{
		URITemplate: "agent://{agentId}/memory",
		Name:        "agent_memory",
		Description: "The agent's own memory, organized into global and per-session scopes",
		MIMEType:    "application/json",
	}, s.handleMemoryResource)
}

type sessionResourceView struct {
	Session   *session.Session `json:"session"`
	Stats     any              `json:"statistics"`
	Messages  any              `json:"recent_messages"`
	FetchedAt string           `json:"fetched_at"`
}

func (s *Server) handleSessionResource(ctx context.Context, req *gomcp.ReadResourceRequest) (*gomcp.ReadResourceResult, error) {
	uri := req.Params.URI
	sessionID, ok := strings.CutPrefix(uri, "session://")
	if !ok || sessionID == "" {
		return nil, fmt.Errorf("unsupported resource uri: %s", uri)
	}
	caller := s.boundCaller()

	sess, err := s.deps.Sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, response.NotFound(response.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		s.log.Error("session resource read failed", "error", err)
		return nil, response.Internal("could not read session")
	}

	stats, err := s.deps.Messages.SessionStats(ctx, caller, sessionID)
	if err != nil {
		return nil, response.Internal("could not read session")
	}
	recent, err := s.deps.Messages.Recent(ctx, caller, sessionID, 50)
	if err != nil {
		return nil, response.Internal("could not read session")
	}

	return jsonResource(uri, sessionResourceView{
		Session:   sess,
		Stats:     stats,
		Messages:  recent,
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMemoryResource(ctx context.Context, req *gomcp.ReadResourceRequest) (*gomcp.ReadResourceResult, error) {
	uri := req.Params.URI
	rest, ok := strings.CutPrefix(uri, "agent://")
	if !ok {
		return nil, fmt.Errorf("unsupported resource uri: %s", uri)
	}
	agentID, ok := strings.CutSuffix(rest, "/memory")
	if !ok || agentID == "" {
		return nil, fmt.Errorf("unsupported resource uri: %s", uri)
	}

	caller := s.boundCaller()
	if caller.AgentID != agentID || !caller.Authenticated {
		// Same answer as a missing resource: no cross-agent existence oracle.
		return nil, response.NotFound(response.CodeMemoryNotFound, "memory not found")
	}

	organized, err := s.deps.Memory.OrganizeForAgent(ctx, agentID)
	if err != nil {
		s.log.Error("memory resource read failed", "error", err)
		return nil, response.Internal("could not read memory")
	}
	return jsonResource(uri, organized)
}

func jsonResource(uri string, v any) (*gomcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal resource: %w", err)
	}
	return &gomcp.ReadResourceResult{
		Contents: []*gomcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}
