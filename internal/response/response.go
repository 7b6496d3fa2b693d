// Package response shapes the canonical success and error envelopes
// returned by every tool handler.
package response

import (
	"time"
)

// Standard error codes.
const (
	CodeSuccess            = "SUCCESS"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodeMemoryNotFound     = "MEMORY_NOT_FOUND"
	CodeKeyExists          = "KEY_EXISTS"
	CodeSerializationError = "SERIALIZATION_ERROR"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeSessionLocked      = "SESSION_LOCKED"
	CodeNoLockHeld         = "NO_LOCK_HELD"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Severity levels carried on error envelopes.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Envelope is the wire shape shared by success and error responses.
// Handlers inline their data fields next to the envelope in the tool
// output structs; Envelope carries the common trailer.
type Envelope struct {
	Success   bool   `json:"success"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

// Error is the canonical failure envelope.
type Error struct {
	Success   bool           `json:"success"`
	Message   string         `json:"error"`
	Code      string         `json:"code"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Error satisfies the error interface so envelopes travel through normal
// error returns.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// OK builds the success trailer.
func OK() Envelope {
	return Envelope{Success: true, Code: CodeSuccess, Timestamp: now()}
}

// NewError builds a failure envelope.
func NewError(code, msg, severity string, details map[string]any) *Error {
	if severity == "" {
		severity = SeverityWarning
	}
	return &Error{
		Success:   false,
		Message:   msg,
		Code:      code,
		Severity:  severity,
		Details:   details,
		Timestamp: now(),
	}
}

// ValidationError is the envelope for bad input; never audited.
func ValidationError(msg string) *Error {
	return NewError(CodeValidationError, msg, SeverityWarning, nil)
}

// NotFound builds the entity-specific *_NOT_FOUND envelope.
func NotFound(code, msg string) *Error {
	return NewError(code, msg, SeverityInfo, nil)
}

// PermissionDenied builds the PERMISSION_DENIED envelope.
func PermissionDenied(required string) *Error {
	return NewError(CodePermissionDenied,
		"operation requires '"+required+"' permission",
		SeverityWarning,
		map[string]any{"required_permission": required})
}

// AuthFailed builds the AUTH_FAILED envelope. The message is deliberately
// generic: it must not reveal whether agent, key, or token was wrong.
func AuthFailed() *Error {
	return NewError(CodeAuthFailed, "authentication failed", SeverityWarning, nil)
}

// Internal builds the INTERNAL_ERROR envelope.
func Internal(msg string) *Error {
	return NewError(CodeInternalError, msg, SeverityError, nil)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
