// Package auth issues and verifies the three token kinds the API surface
// accepts: signed JWT access tokens scoped to a workspace, hashed refresh
// tokens with exactly-once rotation, and short-lived single-use handoff
// tokens for transferring an authenticated session between clients.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/common/config"
	"github.com/agentharbor/core/internal/common/logger"
	"github.com/agentharbor/core/internal/model"
	"github.com/agentharbor/core/internal/store"
)

// Claims is the JWT payload for an access token. sub carries the workspace
// id (duplicated in an explicit claim for clients that inspect tokens);
// iss/aud are fixed per deployment.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"workspace,omitempty"`
}

// TokenPair is what a login, handoff consumption, or refresh rotation
// returns to the client.
type TokenPair struct {
	Access           string `json:"workspaceToken"`
	Refresh          string `json:"refreshToken"`
	ExpiresIn        int    `json:"expiresIn"`
	RefreshExpiresIn int    `json:"refreshExpiresIn"`
}

// Service implements the token lifecycle on top of the Store. Handoff
// tokens never touch the Store; they live in the embedded registry.
type Service struct {
	store    store.Store
	cfg      config.AuthConfig
	handoffs *HandoffRegistry
	logger   *logger.Logger

	now func() time.Time
}

// NewService builds an auth service. The JWT secret must be non-empty; the
// config layer generates a dev secret when none is configured.
func NewService(st store.Store, cfg config.AuthConfig, log *logger.Logger) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("auth: jwt secret is required")
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		handoffs: NewHandoffRegistry(cfg.HandoffTokenTTL()),
		logger:   log.WithFields(zap.String("component", "auth")),
		now:      time.Now,
	}, nil
}

// Handoffs exposes the embedded handoff registry (the API layer consumes
// handoff tokens through the Service, tests inject alternates).
func (s *Service) Handoffs() *HandoffRegistry { return s.handoffs }

// MintWorkspaceID produces a fresh workspace id matching w[0-9a-f]{24}.
func MintWorkspaceID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return "w" + hex.EncodeToString(b[:])
}

// MintSecret produces the clear workspace secret emitted exactly once at
// workspace creation.
func MintSecret() string {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// HashSecret hashes a workspace secret for storage.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Login verifies (workspaceId, secret) against the stored hash and issues a
// token pair.
func (s *Service) Login(ctx context.Context, workspaceID, secret string) (*TokenPair, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil || ws == nil {
		// Burn comparable time so a missing workspace is not
		// distinguishable from a wrong secret.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000u"), []byte(secret))
		return nil, apperr.WorkspaceTokenInvalid()
	}
	if bcrypt.CompareHashAndPassword([]byte(ws.SecretHash), []byte(secret)) != nil {
		return nil, apperr.WorkspaceTokenInvalid()
	}
	return s.IssueTokens(ctx, workspaceID)
}

// IssueTokens mints an access/refresh pair for a workspace.
func (s *Service) IssueTokens(ctx context.Context, workspaceID string) (*TokenPair, error) {
	now := s.now().UTC()
	access, err := s.signAccess(workspaceID, now)
	if err != nil {
		return nil, apperr.Internal(err, "failed to sign access token")
	}

	refresh := mintRefreshSecret()
	rt := &model.RefreshToken{
		Hash:        HashRefreshSecret(refresh),
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.RefreshTokenTTL()),
	}
	if err := s.store.PutRefreshToken(ctx, rt); err != nil {
		return nil, apperr.Internal(err, "failed to persist refresh token")
	}
	return &TokenPair{
		Access:           access,
		Refresh:          refresh,
		ExpiresIn:        int(s.cfg.AccessTokenTTL() / time.Second),
		RefreshExpiresIn: int(s.cfg.RefreshTokenTTL() / time.Second),
	}, nil
}

// Verify parses and validates an access token, returning the workspace id
// it is scoped to.
func (s *Service) Verify(access string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(access, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithIssuer(s.cfg.Issuer), jwt.WithAudience(s.cfg.Audience), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid || claims.Subject == "" {
		return "", apperr.TokenInvalid()
	}
	return claims.Subject, nil
}

// Rotate exchanges a valid refresh token for a fresh pair. Consumption is
// exactly-once: a concurrent rotate of the same token fails with
// REFRESH_USED, and the replacement token is minted inside the same atomic
// store operation that marks the old one consumed.
func (s *Service) Rotate(ctx context.Context, refresh string) (*TokenPair, error) {
	now := s.now().UTC()
	nextSecret := mintRefreshSecret()
	next := &model.RefreshToken{
		Hash:      HashRefreshSecret(nextSecret),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL()),
	}

	consumed, err := s.store.ConsumeRefreshToken(ctx, HashRefreshSecret(refresh), next)
	switch {
	case errors.Is(err, store.ErrRefreshNotFound):
		return nil, apperr.RefreshInvalid()
	case errors.Is(err, store.ErrRefreshUsed):
		return nil, apperr.RefreshUsed()
	case err != nil:
		return nil, apperr.Internal(err, "refresh rotation failed")
	}
	if consumed.ExpiresAt.Before(now) {
		return nil, apperr.RefreshExpired()
	}

	access, err := s.signAccess(consumed.WorkspaceID, now)
	if err != nil {
		return nil, apperr.Internal(err, "failed to sign access token")
	}
	return &TokenPair{
		Access:           access,
		Refresh:          nextSecret,
		ExpiresIn:        int(s.cfg.AccessTokenTTL() / time.Second),
		RefreshExpiresIn: int(s.cfg.RefreshTokenTTL() / time.Second),
	}, nil
}

// CreateHandoff mints a single-use handoff token for a workspace and
// optionally one of its sessions.
func (s *Service) CreateHandoff(workspaceID, sessionID string) (*model.HandoffToken, error) {
	if workspaceID == "" {
		return nil, apperr.Validation("workspaceId is required")
	}
	return s.handoffs.Create(workspaceID, sessionID), nil
}

// ConsumeHandoff redeems a handoff token for a token pair, exactly once.
func (s *Service) ConsumeHandoff(ctx context.Context, token string) (*TokenPair, string, error) {
	ht, err := s.handoffs.Consume(token)
	if err != nil {
		return nil, "", err
	}
	pair, err := s.IssueTokens(ctx, ht.WorkspaceID)
	if err != nil {
		return nil, "", err
	}
	return pair, ht.SessionID, nil
}

func (s *Service) signAccess(workspaceID string, now time.Time) (string, error) {
	claims := Claims{
		WorkspaceID: workspaceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workspaceID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL())),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
}

func mintRefreshSecret() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// HashRefreshSecret is the storage hash for refresh tokens. SHA-256 is
// sufficient here: the input is 256 bits of entropy, not a password.
func HashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two token strings without leaking length-prefix
// timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
