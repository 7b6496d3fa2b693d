package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/locks"
	"github.com/concord-dev/concord/internal/memory"
	"github.com/concord-dev/concord/internal/message"
	"github.com/concord-dev/concord/internal/response"
	"github.com/concord-dev/concord/internal/search"
	"github.com/concord-dev/concord/internal/session"
	"github.com/concord-dev/concord/internal/validate"
)

// handleAuthenticate verifies the API key and issues an opaque token.
func (s *Server) handleAuthenticate(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input AuthenticateInput,
) (*gomcp.CallToolResult, AuthenticateOutput, error) {
	if err := validate.ValidateAgentID(input.AgentID); err != nil {
		return nil, AuthenticateOutput{}, response.ValidationError(err.Error())
	}
	agentType := input.AgentType
	if agentType == "" {
		agentType = "generic"
	}

	grant, err := s.deps.Tokens.Authenticate(ctx, input.AgentID, agentType, input.APIKey, input.Permissions)
	if err != nil {
		s.deps.Audit.Record(audit.EventAuthFailed, input.AgentID, "", nil)
		return nil, AuthenticateOutput{}, response.AuthFailed()
	}

	info := authctx.Info{
		AgentID:       grant.AgentID,
		AgentType:     grant.AgentType,
		Permissions:   grant.Permissions,
		Authenticated: true,
		AuthMethod:    "opaque",
	}
	s.bind(info)
	s.deps.Audit.Record(audit.EventAgentAuthenticated, grant.AgentID, "", map[string]any{
		"agent_type":  grant.AgentType,
		"permissions": grant.Permissions,
	})

	return nil, AuthenticateOutput{
		Success:     true,
		Token:       grant.OpaqueToken,
		AgentID:     grant.AgentID,
		AgentType:   grant.AgentType,
		Permissions: grant.Permissions,
		ExpiresAt:   grant.ExpiresAt.Format(time.RFC3339),
		TokenType:   "bearer",
	}, nil
}

// handleRefreshToken exchanges a live token for a fresh one. The previous
// token stays valid until its own expiry.
func (s *Server) handleRefreshToken(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input RefreshTokenInput,
) (*gomcp.CallToolResult, AuthenticateOutput, error) {
	grant, err := s.deps.Tokens.Refresh(ctx, input.Token)
	if err != nil {
		s.deps.Audit.Record(audit.EventAuthFailed, "unknown", "", nil)
		return nil, AuthenticateOutput{}, response.AuthFailed()
	}

	s.bind(authctx.Info{
		AgentID:       grant.AgentID,
		AgentType:     grant.AgentType,
		Permissions:   grant.Permissions,
		Authenticated: true,
		AuthMethod:    "opaque",
	})
	s.deps.Audit.Record(audit.EventTokenRefreshed, grant.AgentID, "", nil)

	return nil, AuthenticateOutput{
		Success:     true,
		Token:       grant.OpaqueToken,
		AgentID:     grant.AgentID,
		AgentType:   grant.AgentType,
		Permissions: grant.Permissions,
		ExpiresAt:   grant.ExpiresAt.Format(time.RFC3339),
		TokenType:   "bearer",
	}, nil
}

func (s *Server) handleCreateSession(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input CreateSessionInput,
) (*gomcp.CallToolResult, CreateSessionOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermWrite)
	if respErr != nil {
		return nil, CreateSessionOutput{}, respErr
	}

	id, err := s.deps.Sessions.Create(ctx, input.Purpose, info.AgentID, input.Metadata)
	if err != nil {
		s.log.Error("create session failed", "error", err)
		return nil, CreateSessionOutput{}, response.Internal("could not create session")
	}
	return nil, CreateSessionOutput{Success: true, SessionID: id, CreatedBy: info.AgentID}, nil
}

func (s *Server) handleGetSession(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetSessionInput,
) (*gomcp.CallToolResult, GetSessionOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, GetSessionOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, GetSessionOutput{}, response.ValidationError(err.Error())
	}

	sess, err := s.deps.Sessions.Get(ctx, input.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, GetSessionOutput{}, response.NotFound(response.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		s.log.Error("get session failed", "error", err)
		return nil, GetSessionOutput{}, response.Internal("could not load session")
	}

	stats, err := s.deps.Messages.SessionStats(ctx, info, input.SessionID)
	if err != nil {
		s.log.Error("session stats failed", "error", err)
		return nil, GetSessionOutput{}, response.Internal("could not load session")
	}
	recent, err := s.deps.Messages.Recent(ctx, info, input.SessionID, 50)
	if err != nil {
		s.log.Error("recent messages failed", "error", err)
		return nil, GetSessionOutput{}, response.Internal("could not load session")
	}

	return nil, GetSessionOutput{
		Success:        true,
		SessionID:      sess.ID,
		Purpose:        sess.Purpose,
		CreatedBy:      sess.CreatedBy,
		CreatedAt:      time.Unix(int64(sess.CreatedAt), 0).UTC().Format(time.RFC3339),
		IsActive:       sess.IsActive,
		Metadata:       sess.Metadata,
		MessageCount:   stats.Visible,
		UniqueAgents:   stats.UniqueAgents,
		RecentMessages: recent,
	}, nil
}

func (s *Server) handleDeactivateSession(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input DeactivateSessionInput,
) (*gomcp.CallToolResult, StatusOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermAdmin)
	if respErr != nil {
		return nil, StatusOutput{}, respErr
	}

	err := s.deps.Sessions.SetActive(ctx, input.SessionID, false, info.AgentID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, StatusOutput{}, response.NotFound(response.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		s.log.Error("deactivate session failed", "error", err)
		return nil, StatusOutput{}, response.Internal("could not deactivate session")
	}
	return nil, StatusOutput{Success: true, Code: response.CodeSuccess}, nil
}

func (s *Server) handleAddMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input AddMessageInput,
) (*gomcp.CallToolResult, AddMessageOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermWrite)
	if respErr != nil {
		return nil, AddMessageOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, AddMessageOutput{}, response.ValidationError(err.Error())
	}
	content := validate.SanitizeText(input.Content)
	if err := validate.ValidateContent(content); err != nil {
		return nil, AddMessageOutput{}, response.ValidationError(err.Error())
	}

	visibility := input.Visibility
	if visibility == "" {
		visibility = message.VisibilityPublic
	}
	if err := validate.ValidateVisibility(visibility); err != nil {
		return nil, AddMessageOutput{}, response.ValidationError(err.Error())
	}
	if visibility == message.VisibilityAdminOnly && !info.IsAdmin() {
		return nil, AddMessageOutput{}, response.PermissionDenied(authctx.PermAdmin)
	}

	messageType := input.MessageType
	if messageType == "" {
		messageType = "agent_response"
	}
	metadata := validate.SanitizeMetadata(input.Metadata)

	id, err := s.deps.Messages.Add(ctx, info, input.SessionID, content, visibility, messageType, metadata, input.ParentMessageID)
	if errors.Is(err, message.ErrSessionNotFound) {
		return nil, AddMessageOutput{}, response.NotFound(response.CodeSessionNotFound, "session not found")
	}
	if errors.Is(err, message.ErrNotFound) {
		return nil, AddMessageOutput{}, response.NotFound(response.CodeMessageNotFound, "parent message not found in session")
	}
	if err != nil {
		s.log.Error("add message failed", "error", err)
		return nil, AddMessageOutput{}, response.Internal("could not add message")
	}

	_ = s.deps.Sessions.Touch(ctx, input.SessionID)
	return nil, AddMessageOutput{
		Success:   true,
		MessageID: id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) handleGetMessages(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetMessagesInput,
) (*gomcp.CallToolResult, GetMessagesOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, GetMessagesOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, GetMessagesOutput{}, response.ValidationError(err.Error())
	}

	msgs, err := s.deps.Messages.List(ctx, info, input.SessionID, message.ListOptions{
		Limit:            input.Limit,
		Offset:           input.Offset,
		VisibilityFilter: input.VisibilityFilter,
	})
	if err != nil {
		s.log.Error("get messages failed", "error", err)
		return nil, GetMessagesOutput{}, response.Internal("could not list messages")
	}
	return nil, GetMessagesOutput{Success: true, Messages: msgs, Count: len(msgs)}, nil
}

func (s *Server) handleGetMessagesAdvanced(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetMessagesAdvancedInput,
) (*gomcp.CallToolResult, GetMessagesOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, GetMessagesOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, GetMessagesOutput{}, response.ValidationError(err.Error())
	}

	msgs, err := s.deps.Messages.ListAdvanced(ctx, info, input.SessionID, message.AdvancedOptions{
		VisibilityFilter: input.VisibilityFilter,
		AgentTypeFilter:  input.AgentTypeFilter,
		IncludeAdminOnly: input.IncludeAdminOnly && info.IsAdmin(),
	})
	if err != nil {
		s.log.Error("get messages advanced failed", "error", err)
		return nil, GetMessagesOutput{}, response.Internal("could not list messages")
	}
	return nil, GetMessagesOutput{Success: true, Messages: msgs, Count: len(msgs)}, nil
}

func (s *Server) handleSetVisibility(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SetVisibilityInput,
) (*gomcp.CallToolResult, StatusOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermWrite)
	if respErr != nil {
		return nil, StatusOutput{}, respErr
	}

	err := s.deps.Messages.SetVisibility(ctx, info, input.MessageID, input.Visibility, input.Reason)
	switch {
	case errors.Is(err, message.ErrNotFound):
		return nil, StatusOutput{}, response.NotFound(response.CodeMessageNotFound, "message not found")
	case errors.Is(err, message.ErrNotOwner):
		return nil, StatusOutput{}, response.PermissionDenied(authctx.PermAdmin)
	case err != nil:
		if ve := validationDetail(err); ve != "" {
			return nil, StatusOutput{}, response.ValidationError(ve)
		}
		s.log.Error("set visibility failed", "error", err)
		return nil, StatusOutput{}, response.Internal("could not update visibility")
	}
	return nil, StatusOutput{Success: true, Code: response.CodeSuccess}, nil
}

func (s *Server) handleSearchContext(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SearchContextInput,
) (*gomcp.CallToolResult, SearchOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, SearchOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, SearchOutput{}, response.ValidationError(err.Error())
	}

	hours := input.RecencyHours
	if hours <= 0 {
		hours = 24
	}
	results, err := s.deps.Search.Search(ctx, info, input.SessionID, input.Query, search.Options{
		Threshold:      input.Threshold,
		Limit:          input.Limit,
		SearchMetadata: input.SearchMetadata == nil || *input.SearchMetadata,
		Scope:          input.Scope,
		WindowSeconds:  hours * 3600,
	})
	if errors.Is(err, search.ErrBadScope) {
		return nil, SearchOutput{}, response.ValidationError("search_scope must be all, public, or private")
	}
	if err != nil {
		s.log.Error("search failed", "error", err)
		return nil, SearchOutput{}, response.Internal("search failed")
	}
	return nil, SearchOutput{Success: true, Results: results, Count: len(results)}, nil
}

func (s *Server) handleSearchBySender(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SearchBySenderInput,
) (*gomcp.CallToolResult, SearchOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, SearchOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, SearchOutput{}, response.ValidationError(err.Error())
	}

	results, err := s.deps.Search.BySender(ctx, info, input.SessionID, input.Sender, input.Query, search.Options{
		Threshold: input.Threshold,
		Limit:     input.Limit,
	})
	if err != nil {
		s.log.Error("search by sender failed", "error", err)
		return nil, SearchOutput{}, response.Internal("search failed")
	}
	return nil, SearchOutput{Success: true, Results: results, Count: len(results)}, nil
}

func (s *Server) handleSearchByTimeRange(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SearchByTimeRangeInput,
) (*gomcp.CallToolResult, SearchOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, SearchOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, SearchOutput{}, response.ValidationError(err.Error())
	}
	if input.EndTime > 0 && input.StartTime > input.EndTime {
		return nil, SearchOutput{}, response.ValidationError("start_time must not exceed end_time")
	}

	results, err := s.deps.Search.ByTimeRange(ctx, info, input.SessionID, input.Query, input.StartTime, input.EndTime, search.Options{
		Threshold: input.Threshold,
		Limit:     input.Limit,
	})
	if err != nil {
		s.log.Error("search by timerange failed", "error", err)
		return nil, SearchOutput{}, response.Internal("search failed")
	}
	return nil, SearchOutput{Success: true, Results: results, Count: len(results)}, nil
}

func (s *Server) handleSetMemory(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SetMemoryInput,
) (*gomcp.CallToolResult, StatusOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermWrite)
	if respErr != nil {
		return nil, StatusOutput{}, respErr
	}
	if input.SessionID != "" {
		if err := validate.ValidateSessionID(input.SessionID); err != nil {
			return nil, StatusOutput{}, response.ValidationError(err.Error())
		}
		exists, err := s.deps.Sessions.Exists(ctx, input.SessionID)
		if err != nil {
			s.log.Error("session check failed", "error", err)
			return nil, StatusOutput{}, response.Internal("could not store value")
		}
		if !exists {
			return nil, StatusOutput{}, response.NotFound(response.CodeSessionNotFound, "session not found")
		}
	}

	overwrite := input.Overwrite == nil || *input.Overwrite
	err := s.deps.Memory.Set(ctx, info.AgentID, input.Key, input.Value, memory.SetOptions{
		SessionID:        input.SessionID,
		ExpiresInSeconds: input.ExpiresIn,
		Metadata:         validate.SanitizeMetadata(input.Metadata),
		Overwrite:        overwrite,
	})
	switch {
	case errors.Is(err, memory.ErrKeyExists):
		return nil, StatusOutput{}, response.NewError(response.CodeKeyExists,
			"key already exists and overwrite is false", response.SeverityWarning, nil)
	case errors.Is(err, memory.ErrSerialization):
		return nil, StatusOutput{}, response.NewError(response.CodeSerializationError,
			"value is not JSON-serializable", response.SeverityWarning, nil)
	case errors.Is(err, memory.ErrBadTTL):
		return nil, StatusOutput{}, response.ValidationError("expires_in must be between 1 second and 1 year")
	case err != nil:
		if ve := validationDetail(err); ve != "" {
			return nil, StatusOutput{}, response.ValidationError(ve)
		}
		s.log.Error("set memory failed", "error", err)
		return nil, StatusOutput{}, response.Internal("could not store value")
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Notify("agent://" + info.AgentID + "/memory")
	}
	return nil, StatusOutput{Success: true, Code: response.CodeSuccess}, nil
}

func (s *Server) handleGetMemory(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetMemoryInput,
) (*gomcp.CallToolResult, GetMemoryOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, GetMemoryOutput{}, respErr
	}

	entry, err := s.deps.Memory.Get(ctx, info.AgentID, input.Key, input.SessionID)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, GetMemoryOutput{}, response.NotFound(response.CodeMemoryNotFound, "key not found")
	}
	if err != nil {
		s.log.Error("get memory failed", "error", err)
		return nil, GetMemoryOutput{}, response.Internal("could not load value")
	}
	return nil, GetMemoryOutput{Success: true, Entry: entry}, nil
}

func (s *Server) handleListMemory(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ListMemoryInput,
) (*gomcp.CallToolResult, ListMemoryOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, ListMemoryOutput{}, respErr
	}

	keys, err := s.deps.Memory.List(ctx, info.AgentID, memory.ListOptions{
		SessionID: input.SessionID,
		Prefix:    input.Prefix,
		Limit:     input.Limit,
	})
	if err != nil {
		s.log.Error("list memory failed", "error", err)
		return nil, ListMemoryOutput{}, response.Internal("could not list keys")
	}
	return nil, ListMemoryOutput{Success: true, Keys: keys, Count: len(keys)}, nil
}

func (s *Server) handleDeleteMemory(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input DeleteMemoryInput,
) (*gomcp.CallToolResult, StatusOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermWrite)
	if respErr != nil {
		return nil, StatusOutput{}, respErr
	}

	err := s.deps.Memory.Delete(ctx, info.AgentID, input.Key, input.SessionID)
	if errors.Is(err, memory.ErrNotFound) {
		return nil, StatusOutput{}, response.NotFound(response.CodeMemoryNotFound, "key not found")
	}
	if err != nil {
		s.log.Error("delete memory failed", "error", err)
		return nil, StatusOutput{}, response.Internal("could not delete key")
	}

	if s.deps.Hub != nil {
		s.deps.Hub.Notify("agent://" + info.AgentID + "/memory")
	}
	return nil, StatusOutput{Success: true, Code: response.CodeSuccess}, nil
}

func (s *Server) handleCoordinate(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input CoordinateInput,
) (*gomcp.CallToolResult, CoordinateOutput, error) {
	_, info, respErr := s.require(ctx, input.Token, authctx.PermWrite)
	if respErr != nil {
		return nil, CoordinateOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, CoordinateOutput{}, response.ValidationError(err.Error())
	}

	lockType := input.LockType
	if lockType == "" {
		lockType = locks.TypeWrite
	}
	ttl := time.Duration(input.TTL) * time.Second

	switch input.Action {
	case "lock":
		st, err := s.deps.Locks.Acquire(info.AgentID, input.SessionID, lockType, ttl)
		if errors.Is(err, locks.ErrLocked) {
			return nil, CoordinateOutput{}, response.NewError(response.CodeSessionLocked,
				"session is locked by another agent", response.SeverityWarning, nil)
		}
		if errors.Is(err, locks.ErrBadType) {
			return nil, CoordinateOutput{}, response.ValidationError("lock_type must be read, write, or exclusive")
		}
		if err != nil {
			return nil, CoordinateOutput{}, response.Internal("could not acquire lock")
		}
		return nil, CoordinateOutput{Success: true, Status: st}, nil

	case "unlock":
		err := s.deps.Locks.Release(info.AgentID, input.SessionID)
		if errors.Is(err, locks.ErrNoLockHeld) {
			return nil, CoordinateOutput{}, response.NewError(response.CodeNoLockHeld,
				"caller holds no lock on this session", response.SeverityInfo, nil)
		}
		if err != nil {
			return nil, CoordinateOutput{}, response.Internal("could not release lock")
		}
		return nil, CoordinateOutput{Success: true, Status: s.deps.Locks.GetStatus(input.SessionID)}, nil

	case "heartbeat":
		st, err := s.deps.Locks.Heartbeat(info.AgentID, input.SessionID, ttl)
		if errors.Is(err, locks.ErrNoLockHeld) {
			return nil, CoordinateOutput{}, response.NewError(response.CodeNoLockHeld,
				"caller holds no lock on this session", response.SeverityInfo, nil)
		}
		if err != nil {
			return nil, CoordinateOutput{}, response.Internal("could not extend lock")
		}
		return nil, CoordinateOutput{Success: true, Status: st}, nil

	case "status":
		return nil, CoordinateOutput{Success: true, Status: s.deps.Locks.GetStatus(input.SessionID)}, nil

	case "notify":
		if s.deps.Hub != nil {
			s.deps.Hub.Notify("session://" + input.SessionID)
		}
		return nil, CoordinateOutput{Success: true, Status: s.deps.Locks.GetStatus(input.SessionID)}, nil

	case "force_unlock":
		if !info.IsAdmin() {
			return nil, CoordinateOutput{}, response.PermissionDenied(authctx.PermAdmin)
		}
		dropped := s.deps.Locks.ForceUnlock(info.AgentID, input.SessionID)
		return nil, CoordinateOutput{Success: true, Dropped: dropped,
			Status: s.deps.Locks.GetStatus(input.SessionID)}, nil

	default:
		return nil, CoordinateOutput{}, response.ValidationError(
			fmt.Sprintf("unknown action %q: expected lock, unlock, heartbeat, status, notify, or force_unlock", input.Action))
	}
}

func (s *Server) handleRegisterPresence(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input RegisterPresenceInput,
) (*gomcp.CallToolResult, StatusOutput, error) {
	_, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, StatusOutput{}, respErr
	}
	if input.SessionID != "" {
		if err := validate.ValidateSessionID(input.SessionID); err != nil {
			return nil, StatusOutput{}, response.ValidationError(err.Error())
		}
	}

	s.deps.Presence.Register(info.AgentID, info.AgentType, input.SessionID,
		validate.SanitizeText(input.Activity))
	return nil, StatusOutput{Success: true, Code: response.CodeSuccess}, nil
}

func (s *Server) handleGetActiveAgents(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetActiveAgentsInput,
) (*gomcp.CallToolResult, GetActiveAgentsOutput, error) {
	_, _, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, GetActiveAgentsOutput{}, respErr
	}

	agents := s.deps.Presence.Active(input.SessionID)
	return nil, GetActiveAgentsOutput{Success: true, Agents: agents, Count: len(agents)}, nil
}

func (s *Server) handleGetAuditLog(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetAuditLogInput,
) (*gomcp.CallToolResult, GetAuditLogOutput, error) {
	ctx, _, respErr := s.require(ctx, input.Token, authctx.PermAdmin)
	if respErr != nil {
		return nil, GetAuditLogOutput{}, respErr
	}

	entries, err := s.deps.Audit.Query(ctx, audit.QueryFilter{
		AgentID:   input.AgentID,
		SessionID: input.SessionID,
		EventType: input.EventType,
		StartTS:   input.StartTime,
		EndTS:     input.EndTime,
		Limit:     input.Limit,
	})
	if err != nil {
		s.log.Error("audit query failed", "error", err)
		return nil, GetAuditLogOutput{}, response.Internal("could not query audit log")
	}
	return nil, GetAuditLogOutput{Success: true, Entries: entries, Count: len(entries)}, nil
}

func (s *Server) handleActivitySummary(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ActivitySummaryInput,
) (*gomcp.CallToolResult, ActivitySummaryOutput, error) {
	ctx, info, respErr := s.require(ctx, input.Token, authctx.PermRead)
	if respErr != nil {
		return nil, ActivitySummaryOutput{}, respErr
	}
	if err := validate.ValidateSessionID(input.SessionID); err != nil {
		return nil, ActivitySummaryOutput{}, response.ValidationError(err.Error())
	}

	clause, args := message.VisibilityClause(info)
	query := `SELECT sender, sender_type, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM messages WHERE session_id = ? AND ` + clause + `
		GROUP BY sender, sender_type ORDER BY COUNT(*) DESC`
	qargs := append([]any{input.SessionID}, args...)

	rows, err := s.deps.DB.QueryContext(ctx, query, qargs...)
	if err != nil {
		s.log.Error("activity summary failed", "error", err)
		return nil, ActivitySummaryOutput{}, response.Internal("could not summarize activity")
	}
	defer func() { _ = rows.Close() }()

	var agents []AgentActivity
	for rows.Next() {
		var a AgentActivity
		if err := rows.Scan(&a.AgentID, &a.AgentType, &a.MessageCount, &a.FirstSeen, &a.LastSeen); err != nil {
			return nil, ActivitySummaryOutput{}, response.Internal("could not summarize activity")
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, ActivitySummaryOutput{}, response.Internal("could not summarize activity")
	}
	return nil, ActivitySummaryOutput{Success: true, Agents: agents, Count: len(agents)}, nil
}

func (s *Server) handleMetrics(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input MetricsInput,
) (*gomcp.CallToolResult, MetricsOutput, error) {
	info, respErr := s.caller(ctx, input.Token)
	if respErr != nil {
		return nil, MetricsOutput{}, respErr
	}
	ctx = authctx.With(ctx, info)
	if !info.IsAdmin() && !info.Has(authctx.PermDebug) {
		return nil, MetricsOutput{}, response.PermissionDenied(authctx.PermAdmin)
	}

	health := s.deps.DB.HealthCheck(ctx)
	stats := s.deps.DB.Stats()

	var sessionCount, messageCount int
	_ = s.deps.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessionCount)
	_ = s.deps.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&messageCount)

	return nil, MetricsOutput{
		Success:          true,
		DBHealthy:        health.OK,
		DBLatencyMS:      health.LatencyMS,
		OpenConnections:  stats.OpenConnections,
		AuditBufferDepth: s.deps.Audit.BufferDepth(),
		PresenceCount:    s.deps.Presence.Count(),
		SessionCount:     sessionCount,
		MessageCount:     messageCount,
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
	}, nil
}

// validationDetail returns the message for input-shaped errors from the
// core packages, or "" for everything else.
func validationDetail(err error) string {
	var ve *validate.Error
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return ""
}
