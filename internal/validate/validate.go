// Package validate holds the pure input-scrubbing and identifier-checking
// functions applied before any request touches the store.
package validate

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxContentChars is the post-sanitization content cap.
	MaxContentChars = 10000

	// TruncationMarker is appended when sanitized text is cut at the cap.
	TruncationMarker = "...[truncated]"

	maxMetadataEntries  = 10
	maxMetadataKeyLen   = 100
	maxMetadataListLen  = 20
	maxMemoryKeyLen     = 255
	maxMemoryValueBytes = 1 << 20 // ~1 MiB serialized
)

var (
	sessionIDPattern = regexp.MustCompile(`^session_[a-f0-9]{16}$`)
	agentIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)
	whitespaceRun    = regexp.MustCompile(`[ \t]+`)
	memoryKeyBad     = `/\:*?"<>|`
)

// Error marks an input-validation failure. Surfaces map it to the
// VALIDATION_ERROR envelope; anything else is an internal fault.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// SanitizeText HTML-escapes, collapses whitespace runs, trims, and
// truncates to MaxContentChars with an explicit marker.
func SanitizeText(s string) string {
	s = html.EscapeString(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxContentChars {
		runes := []rune(s)
		s = string(runes[:MaxContentChars-utf8.RuneCountInString(TruncationMarker)]) + TruncationMarker
	}
	return s
}

// SanitizeMetadata accepts only scalar values and bounded lists/maps.
// Strings pass through SanitizeText; anything deeper or over-budget is
// dropped silently rather than rejected.
func SanitizeMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	clean := make(map[string]any, len(meta))
	for k, v := range meta {
		if len(clean) >= maxMetadataEntries {
			break
		}
		if len(k) == 0 || len(k) > maxMetadataKeyLen {
			continue
		}
		if sv, ok := sanitizeValue(v); ok {
			clean[SanitizeText(k)] = sv
		}
	}
	return clean
}

// sanitizeValue accepts scalars and one level of bounded lists.
func sanitizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		return SanitizeText(t), true
	case bool, int, int32, int64, float32, float64:
		return t, true
	case []any:
		if len(t) > maxMetadataListLen {
			return nil, false
		}
		out := make([]any, 0, len(t))
		for _, item := range t {
			if sv, ok := sanitizeScalar(item); ok {
				out = append(out, sv)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func sanitizeScalar(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		return SanitizeText(t), true
	case bool, int, int32, int64, float32, float64:
		return t, true
	default:
		return nil, false
	}
}

// ValidateSessionID checks the canonical session_[16 hex] format.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return errorf("invalid session_id format: %q", id)
	}
	return nil
}

// ValidateAgentID checks the agent identifier character set and length.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return errorf("invalid agent_id: must be 1-64 chars of [a-zA-Z0-9_.-]")
	}
	return nil
}

// ValidateMemoryKey enforces the key length bound and the filesystem-unsafe
// character exclusion.
func ValidateMemoryKey(key string) error {
	if len(key) == 0 || len(key) > maxMemoryKeyLen {
		return errorf("memory key must be 1-%d characters", maxMemoryKeyLen)
	}
	if strings.ContainsAny(key, memoryKeyBad) {
		return errorf("memory key contains forbidden characters (%s)", memoryKeyBad)
	}
	return nil
}

// ValidateMemoryValueSize bounds the serialized JSON value.
func ValidateMemoryValueSize(serialized []byte) error {
	if len(serialized) > maxMemoryValueBytes {
		return errorf("memory value exceeds %d bytes after serialization", maxMemoryValueBytes)
	}
	return nil
}

// ValidateContent checks the 1..MaxContentChars bound on sanitized content.
func ValidateContent(content string) error {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return errorf("content must not be empty")
	}
	if n > MaxContentChars {
		return errorf("content exceeds %d characters", MaxContentChars)
	}
	return nil
}

// Visibility levels accepted on messages.
var visibilityLevels = map[string]bool{
	"public":     true,
	"private":    true,
	"agent_only": true,
	"admin_only": true,
}

// ValidateVisibility checks the four-level visibility enum.
func ValidateVisibility(v string) error {
	if !visibilityLevels[v] {
		return errorf("invalid visibility %q: must be public, private, agent_only, or admin_only", v)
	}
	return nil
}
