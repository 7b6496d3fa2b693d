// Package token implements agent authentication: HS256 JWT issuance and
// verification, and the opaque-token indirection that keeps inner JWTs
// encrypted at rest.
//
// The value handed to clients is an opaque id with the "sct_" prefix; the
// signed JWT it stands for is sealed with an AEAD wrapping key and stored
// in the secure_tokens table. resolve() accepts either form.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/concord-dev/concord/internal/authctx"
	"github.com/concord-dev/concord/internal/store"
)

const (
	// OpaquePrefix marks server-issued opaque tokens.
	OpaquePrefix = "sct_"

	// Issuer and Audience are pinned claims; verification rejects others.
	Issuer   = "shared-context-server"
	Audience = "mcp-agents"

	// DefaultTTL is the inner JWT lifetime.
	DefaultTTL = 24 * time.Hour

	// ClockSkewLeeway tolerates clock drift during exp/iat validation.
	ClockSkewLeeway = 5 * time.Minute
)

var (
	// ErrAuthInvalid covers every resolution failure: unknown opaque id,
	// bad signature, expired, revoked, wrong issuer or audience. Callers
	// must not distinguish the cases toward clients.
	ErrAuthInvalid = errors.New("token: authentication invalid")

	// allowedPermissions is the policy-allowed permission set requested
	// permissions are intersected with.
	allowedPermissions = map[string]bool{
		authctx.PermRead:  true,
		authctx.PermWrite: true,
		authctx.PermAdmin: true,
		authctx.PermDebug: true,
	}
)

// Claims is the inner JWT claim set.
type Claims struct {
	AgentType   string   `json:"type"`
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Grant is the result of a successful authentication.
type Grant struct {
	OpaqueToken string
	AgentID     string
	AgentType   string
	Permissions []string
	ExpiresAt   time.Time
}

// Service signs, wraps, stores, and resolves tokens.
type Service struct {
	db  *store.DB
	log *slog.Logger

	mu          sync.RWMutex
	signingKey  []byte
	previousKey []byte // verification-only after rotation
	wrapKey     []byte // 32-byte AEAD key
	apiKeyHash  [32]byte
	ttl         time.Duration
}

// Config holds the required startup secrets. There is no development
// fallback: a missing key is a fatal configuration error surfaced by New.
type Config struct {
	SigningKey    string // HS256 secret
	EncryptionKey string // 32+ byte opaque-token wrapping secret
	APIKey        string // machine-to-machine bootstrap secret
	TTL           time.Duration
}

// New constructs the token service or fails on missing key material.
func New(db *store.DB, cfg Config, log *slog.Logger) (*Service, error) {
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("jwt signing key is required at startup")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("jwt encryption key is required at startup")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required at startup")
	}
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	// Derive a fixed-size wrapping key from the configured secret.
	wrapKey := sha256.Sum256([]byte(cfg.EncryptionKey))

	return &Service{
		db:         db,
		log:        log,
		signingKey: []byte(cfg.SigningKey),
		wrapKey:    wrapKey[:],
		apiKeyHash: sha256.Sum256([]byte(cfg.APIKey)),
		ttl:        ttl,
	}, nil
}

// Authenticate verifies the machine-to-machine API key, intersects the
// requested permissions with the policy-allowed set (defaulting to read),
// issues a JWT, seals it under a fresh opaque id, and returns the grant.
func (s *Service) Authenticate(ctx context.Context, agentID, agentType, apiKey string, requested []string) (*Grant, error) {
	if !s.verifyAPIKey(apiKey) {
		return nil, ErrAuthInvalid
	}

	perms := intersectPermissions(requested)
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)

	signed, err := s.sign(agentID, agentType, perms, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	opaque, err := s.wrapAndStore(ctx, signed, agentID, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}

	s.log.Info("agent authenticated", "agent_id", agentID, "agent_type", agentType, "perms", perms)
	return &Grant{
		OpaqueToken: opaque,
		AgentID:     agentID,
		AgentType:   agentType,
		Permissions: perms,
		ExpiresAt:   expiresAt,
	}, nil
}

// Resolve accepts either an opaque id or a bare JWT and returns the
// validated claims. Every failure maps to ErrAuthInvalid.
func (s *Service) Resolve(ctx context.Context, tok string) (*Claims, error) {
	if strings.HasPrefix(tok, OpaquePrefix) {
		inner, err := s.unwrap(ctx, tok)
		if err != nil {
			return nil, ErrAuthInvalid
		}
		tok = inner
	}
	claims, err := s.verify(tok)
	if err != nil {
		return nil, ErrAuthInvalid
	}
	return claims, nil
}

// ResolveInfo resolves a token straight to the caller identity used by
// permission checks.
func (s *Service) ResolveInfo(ctx context.Context, tok string) (authctx.Info, error) {
	claims, err := s.Resolve(ctx, tok)
	if err != nil {
		return authctx.Anonymous(), err
	}
	return authctx.Info{
		AgentID:       claims.Subject,
		AgentType:     claims.AgentType,
		Permissions:   claims.Permissions,
		Authenticated: true,
		AuthMethod:    "jwt",
	}, nil
}

// Refresh issues a new inner JWT with identical subject and permissions
// but a fresh expiry, under a new opaque id. The old opaque id remains
// valid until it naturally expires.
func (s *Service) Refresh(ctx context.Context, opaque string) (*Grant, error) {
	claims, err := s.Resolve(ctx, opaque)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)
	signed, err := s.sign(claims.Subject, claims.AgentType, claims.Permissions, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign refreshed token: %w", err)
	}

	newOpaque, err := s.wrapAndStore(ctx, signed, claims.Subject, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("store refreshed token: %w", err)
	}

	return &Grant{
		OpaqueToken: newOpaque,
		AgentID:     claims.Subject,
		AgentType:   claims.AgentType,
		Permissions: claims.Permissions,
		ExpiresAt:   expiresAt,
	}, nil
}

// Revoke marks an opaque token as revoked. Admin-only at the surface.
func (s *Service) Revoke(ctx context.Context, opaque string) error {
	if !strings.HasPrefix(opaque, OpaquePrefix) {
		return ErrAuthInvalid
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE secure_tokens SET revoked = 1 WHERE opaque_id = ?", opaque)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAuthInvalid
	}
	return nil
}

// RotateSigningKey swaps in a new signing key. Subsequent signs use the
// new key; verification tries current then previous.
func (s *Service) RotateSigningKey(newKey string) error {
	if newKey == "" {
		return fmt.Errorf("new signing key must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previousKey = s.signingKey
	s.signingKey = []byte(newKey)
	s.log.Info("jwt signing key rotated")
	return nil
}

// SweepExpired deletes token records past their expiry. Run by the
// background sweeper; bounds table growth.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM secure_tokens WHERE expires_at < ?", float64(time.Now().Unix()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Service) verifyAPIKey(apiKey string) bool {
	h := sha256.Sum256([]byte(apiKey))
	// Constant-time compare of fixed-length digests.
	var diff byte
	for i := range h {
		diff |= h[i] ^ s.apiKeyHash[i]
	}
	return diff == 0
}

func (s *Service) sign(agentID, agentType string, perms []string, now, expiresAt time.Time) (string, error) {
	claims := &Claims{
		AgentType:   agentType,
		Permissions: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}
	s.mu.RLock()
	key := s.signingKey
	s.mu.RUnlock()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

func (s *Service) verify(tokenStr string) (*Claims, error) {
	s.mu.RLock()
	keys := [][]byte{s.signingKey}
	if s.previousKey != nil {
		keys = append(keys, s.previousKey)
	}
	s.mu.RUnlock()

	var lastErr error
	for _, key := range keys {
		token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key, nil
		},
			jwt.WithIssuer(Issuer),
			jwt.WithAudience(Audience),
			jwt.WithLeeway(ClockSkewLeeway),
		)
		if err != nil {
			lastErr = err
			continue
		}
		claims, ok := token.Claims.(*Claims)
		if !ok || !token.Valid {
			lastErr = ErrAuthInvalid
			continue
		}
		return claims, nil
	}
	return nil, lastErr
}

// wrapAndStore seals the signed JWT and persists it under a random opaque
// id. The invariant that the record's agent_id equals the JWT sub claim is
// established here and never touched again.
func (s *Service) wrapAndStore(ctx context.Context, signed, agentID string, now, expiresAt time.Time) (string, error) {
	opaque := newOpaqueID()

	aead, err := chacha20poly1305.NewX(s.wrapKey)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	// Bind the ciphertext to its opaque id so records cannot be swapped.
	ciphertext := aead.Seal(nonce, nonce, []byte(signed), []byte(opaque))

	err = s.db.Retry(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO secure_tokens (opaque_id, ciphertext, agent_id, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
		`, opaque, ciphertext, agentID, float64(now.Unix()), float64(expiresAt.Unix()))
		return execErr
	})
	if err != nil {
		return "", err
	}
	return opaque, nil
}

func (s *Service) unwrap(ctx context.Context, opaque string) (string, error) {
	var ciphertext []byte
	var revoked int
	var expiresAt float64
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, revoked, expires_at FROM secure_tokens WHERE opaque_id = ?
	`, opaque).Scan(&ciphertext, &revoked, &expiresAt)
	if err == sql.ErrNoRows {
		return "", ErrAuthInvalid
	}
	if err != nil {
		return "", err
	}
	if revoked != 0 {
		return "", ErrAuthInvalid
	}
	if float64(time.Now().Unix()) > expiresAt {
		return "", ErrAuthInvalid
	}

	aead, err := chacha20poly1305.NewX(s.wrapKey)
	if err != nil {
		return "", fmt.Errorf("init aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return "", ErrAuthInvalid
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(opaque))
	if err != nil {
		return "", ErrAuthInvalid
	}
	return string(plain), nil
}

// newOpaqueID returns sct_ + hex of 128 bits of entropy.
func newOpaqueID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable for a token service.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return OpaquePrefix + hex.EncodeToString(buf[:])
}

// intersectPermissions intersects the requested set with policy; an empty
// request defaults to read-only.
func intersectPermissions(requested []string) []string {
	if len(requested) == 0 {
		return []string{authctx.PermRead}
	}
	var perms []string
	seen := map[string]bool{}
	for _, p := range requested {
		if allowedPermissions[p] && !seen[p] {
			perms = append(perms, p)
			seen[p] = true
		}
	}
	if len(perms) == 0 {
		perms = []string{authctx.PermRead}
	}
	return perms
}
