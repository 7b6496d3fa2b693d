// Package search implements fuzzy search over session messages. Candidate
// rows are prefiltered in SQL by the caller's visibility predicate and an
// optional recency window, then scored in memory with a token-aware
// weighted edit-distance ratio in [0, 100].
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/concord-dev/concord/internal/audit"
	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/message"
	"github.com/concord-dev/concord/internal/store"
)

// Scoring and shaping defaults.
const (
	DefaultThreshold   = 60
	DefaultLimit       = 10
	MaxLimit           = 100
	PreviewChars       = 150
	candidateCap       = 1000
	RelevanceHighMin   = 80
	RelevanceMediumMin = 60
)

// Scope values. ScopeAll searches everything the caller can see;
// ScopePublic and ScopePrivate narrow within that.
const (
	ScopeAll     = "all"
	ScopePublic  = "public"
	ScopePrivate = "private"
)

// ErrBadScope means the scope is not one of all, public, or private.
var ErrBadScope = errors.New("search: invalid scope")

// Options narrows a search.
type Options struct {
	Threshold      int     // minimum score, default 60
	Limit          int     // max results, default 10
	SearchMetadata bool    // also score serialized metadata
	Scope          string  // "" or ScopeAll = everything visible
	WindowSeconds  float64 // 0 = no recency bound
	Sender         string  // restrict to one sender
	StartTS        float64 // inclusive lower timestamp bound
	EndTS          float64 // inclusive upper timestamp bound
}

// Result is one scored hit.
type Result struct {
	MessageID  int64   `json:"message_id"`
	SessionID  string  `json:"session_id"`
	Sender     string  `json:"sender"`
	SenderType string  `json:"sender_type"`
	Visibility string  `json:"visibility"`
	Timestamp  float64 `json:"timestamp"`
	Score      int     `json:"score"`
	Relevance  string  `json:"relevance"`
	Preview    string  `json:"match_preview"`
}

// Engine runs searches over the shared store.
type Engine struct {
	db    *store.DB
	audit *audit.Logger
	log   *slog.Logger
}

// NewEngine creates the search engine.
func NewEngine(db *store.DB, auditLog *audit.Logger, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{db: db, audit: auditLog, log: log}
}

type candidate struct {
	id         int64
	sessionID  string
	sender     string
	senderType string
	content    string
	visibility string
	metadata   string
	timestamp  float64
}

// Search scores the caller-visible messages of a session against query and
// returns hits at or above the threshold, best first.
func (e *Engine) Search(ctx context.Context, caller authctx.Info, sessionID, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	cands, err := e.candidates(ctx, caller, sessionID, opts)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, limit)
	for _, c := range cands {
		// Score the bare content and the sender-prefixed form separately:
		// folding the sender in up front shifts window alignment and can
		// sink an otherwise strong content match.
		score := WeightedRatio(query, c.content)
		if ss := WeightedRatio(query, c.sender+" "+c.content); ss > score {
			score = ss
		}
		if opts.SearchMetadata && c.metadata != "" {
			if ms := WeightedRatio(query, c.metadata); ms > score {
				score = ms
			}
		}
		if score < threshold {
			continue
		}
		results = append(results, Result{
			MessageID:  c.id,
			SessionID:  c.sessionID,
			Sender:     c.sender,
			SenderType: c.senderType,
			Visibility: c.visibility,
			Timestamp:  c.timestamp,
			Score:      score,
			Relevance:  relevance(score),
			Preview:    preview(c.content, query),
		})
	}

	// Best first; ties resolve newest first so recent context surfaces.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Timestamp > results[j].Timestamp
	})
	if len(results) > limit {
		results = results[:limit]
	}

	scope := opts.Scope
	if scope == "" {
		scope = ScopeAll
	}
	// Query text stays out of the audit trail; it can quote message bodies.
	e.audit.Record(audit.EventContextSearched, caller.AgentID, sessionID, map[string]any{
		"query_len": len(query),
		"results":   len(results),
		"threshold": threshold,
		"scope":     scope,
	})
	return results, nil
}

// BySender searches messages from one sender. Visibility still applies, so
// a caller only finds another agent's public or agent_only traffic.
func (e *Engine) BySender(ctx context.Context, caller authctx.Info, sessionID, sender, query string, opts Options) ([]Result, error) {
	opts.Sender = sender
	return e.Search(ctx, caller, sessionID, query, opts)
}

// ByTimeRange searches within [startTS, endTS] Unix seconds.
func (e *Engine) ByTimeRange(ctx context.Context, caller authctx.Info, sessionID, query string, startTS, endTS float64, opts Options) ([]Result, error) {
	opts.StartTS = startTS
	opts.EndTS = endTS
	return e.Search(ctx, caller, sessionID, query, opts)
}

func (e *Engine) candidates(ctx context.Context, caller authctx.Info, sessionID string, opts Options) ([]candidate, error) {
	clause, cargs := message.VisibilityClause(caller)
	q := `SELECT id, session_id, sender, sender_type, content, visibility, COALESCE(metadata, ''), timestamp
		FROM messages WHERE session_id = ? AND ` + clause
	args := append([]any{sessionID}, cargs...)

	switch opts.Scope {
	case "", ScopeAll:
	case ScopePublic:
		q += " AND visibility = 'public'"
	case ScopePrivate:
		q += " AND visibility = 'private' AND sender = ?"
		args = append(args, caller.AgentID)
	default:
		return nil, ErrBadScope
	}

	if opts.WindowSeconds > 0 {
		q += " AND timestamp >= strftime('%s','now') - ?"
		args = append(args, opts.WindowSeconds)
	}
	if opts.Sender != "" {
		q += " AND sender = ?"
		args = append(args, opts.Sender)
	}
	if opts.StartTS > 0 {
		q += " AND timestamp >= ?"
		args = append(args, opts.StartTS)
	}
	if opts.EndTS > 0 {
		q += " AND timestamp <= ?"
		args = append(args, opts.EndTS)
	}
	q += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, candidateCap)

	rows, err := e.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query search candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.sessionID, &c.sender, &c.senderType, &c.content, &c.visibility, &c.metadata, &c.timestamp); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return cands, nil
}

func relevance(score int) string {
	switch {
	case score >= RelevanceHighMin:
		return "high"
	case score >= RelevanceMediumMin:
		return "medium"
	default:
		return "low"
	}
}

// preview returns up to PreviewChars runes of content centered on the first
// query-token occurrence, falling back to the head of the content.
func preview(content, query string) string {
	lower := strings.ToLower(content)
	idx := -1
	for _, tok := range tokens(query) {
		if i := strings.Index(lower, tok); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	runes := []rune(content)
	if idx < 0 {
		if len(runes) <= PreviewChars {
			return content
		}
		return string(runes[:PreviewChars]) + "..."
	}

	// Map the byte index to a rune index, then take a window around it.
	runeIdx := len([]rune(content[:idx]))
	start := runeIdx - PreviewChars/3
	if start < 0 {
		start = 0
	}
	end := start + PreviewChars
	if end > len(runes) {
		end = len(runes)
		if end-PreviewChars > 0 {
			start = end - PreviewChars
		} else {
			start = 0
		}
	}
	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

// WeightedRatio scores b against a in [0, 100]: the best of the plain
// edit-distance ratio, a partial (substring-aligned) ratio, and
// token-sorted and token-set ratios, with the inexact forms discounted so
// an exact full match always wins.
func WeightedRatio(a, b string) int {
	a = normalize(a)
	b = normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	full := ratio(a, b)
	partial := int(float64(partialRatio(a, b)) * 0.9)
	tokenSorted := int(float64(ratio(sortTokens(a), sortTokens(b))) * 0.95)
	tokenSet := int(float64(tokenSetRatio(a, b)) * 0.95)

	best := full
	if partial > best {
		best = partial
	}
	if tokenSorted > best {
		best = tokenSorted
	}
	if tokenSet > best {
		best = tokenSet
	}
	return best
}

// ratio is the classic similarity ratio: (la+lb-dist) / (la+lb) * 100,
// floored at 0 (the raw expression goes negative once the distance
// exceeds half the combined length).
func ratio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}
	d := levenshtein(ra, rb)
	score := int(float64(total-2*d) / float64(total) * 100)
	if score < 0 {
		return 0
	}
	return score
}

// partialRatio slides the shorter string across the longer one and keeps
// the best window ratio.
func partialRatio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		return 0
	}
	best := 0
	for start := 0; start+len(ra) <= len(rb); start++ {
		if s := ratio(string(ra), string(rb[start:start+len(ra)])); s > best {
			best = s
			if best == 100 {
				break
			}
		}
	}
	// The window never covers a shorter-than-query remainder, so also try
	// the whole longer string once.
	if s := ratio(string(ra), string(rb)); s > best {
		best = s
	}
	return best
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func normalize(s string) string {
	return strings.Join(tokens(s), " ")
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func sortTokens(s string) string {
	t := tokens(s)
	sort.Strings(t)
	return strings.Join(t, " ")
}

// tokenSetRatio compares the shared tokens against each side's full token
// set, so words present on only one side cost little.
func tokenSetRatio(a, b string) int {
	sa, sb := tokenSet(a), tokenSet(b)
	var inter, onlyA, onlyB []string
	for t := range sa {
		if sb[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range sb {
		if !sa[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := ratio(base, withA)
	if s := ratio(base, withB); s > best {
		best = s
	}
	if s := ratio(withA, withB); s > best {
		best = s
	}
	return best
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokens(s) {
		set[t] = true
	}
	return set
}
