package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/agentharbor/core/internal/apperr"
	"github.com/agentharbor/core/internal/model"
)

// HandoffRegistry holds handoff tokens in process memory only. Tokens are
// single-use and expire after the configured TTL (capped at 60s by the
// config layer). The registry is a service object with explicit state so
// tests can construct isolated instances.
type HandoffRegistry struct {
	mu       sync.Mutex
	tokens   map[string]*model.HandoffToken
	consumed map[string]time.Time // token -> tombstone expiry, to report reuse precisely
	ttl      time.Duration

	now func() time.Time
}

// tombstoneTTL is how long a consumed token is remembered so a second
// redemption attempt maps to HANDOFF_TOKEN_USED rather than an opaque
// invalid-token error.
const tombstoneTTL = 5 * time.Minute

// NewHandoffRegistry builds an empty registry with the given token TTL.
func NewHandoffRegistry(ttl time.Duration) *HandoffRegistry {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &HandoffRegistry{
		tokens:   make(map[string]*model.HandoffToken),
		consumed: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create mints a handoff token carrying a workspace and optional session.
func (r *HandoffRegistry) Create(workspaceID, sessionID string) *model.HandoffToken {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}
	ht := &model.HandoffToken{
		Token:       hex.EncodeToString(b[:]),
		WorkspaceID: workspaceID,
		SessionID:   sessionID,
		ExpiresAt:   r.now().Add(r.ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked()
	r.tokens[ht.Token] = ht
	return ht
}

// Consume redeems a token exactly once. A second attempt on the same token
// fails with HANDOFF_TOKEN_USED; an expired token with
// HANDOFF_TOKEN_EXPIRED; a token this process never issued with
// MONO_AUTH_TOKEN_INVALID.
func (r *HandoffRegistry) Consume(token string) (*model.HandoffToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ht, ok := r.tokens[token]
	if !ok {
		if _, used := r.consumed[token]; used {
			return nil, apperr.HandoffTokenUsed()
		}
		return nil, apperr.MonoAuthTokenInvalid()
	}
	if r.now().After(ht.ExpiresAt) {
		delete(r.tokens, token)
		return nil, apperr.HandoffTokenExpired()
	}
	delete(r.tokens, token)
	r.consumed[token] = r.now().Add(tombstoneTTL)
	return ht, nil
}

// Len reports the number of live (unconsumed, unexpired-or-unpurged) tokens.
func (r *HandoffRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

func (r *HandoffRegistry) purgeLocked() {
	now := r.now()
	for k, ht := range r.tokens {
		if now.After(ht.ExpiresAt) {
			delete(r.tokens, k)
		}
	}
	for k, exp := range r.consumed {
		if now.After(exp) {
			delete(r.consumed, k)
		}
	}
}
