package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenManager issues and validates worker tokens. A token authenticates a
// worker as acting for one account; the API resolves the account of every
// worker call from it.
type TokenManager struct {
	tokens map[string]*AccountToken
	mu     sync.RWMutex
}

// AccountToken binds a bearer token to an account
type AccountToken struct {
	Token     string
	AccountID string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*AccountToken),
	}
}

// GenerateToken generates a new token for accountID. A zero duration
// creates a token that never expires.
func (tm *TokenManager) GenerateToken(accountID string, duration time.Duration) (*AccountToken, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidArgument)
	}

	// Generate a random token
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	now := time.Now()
	at := &AccountToken{
		Token:     hex.EncodeToString(bytes),
		AccountID: accountID,
		CreatedAt: now,
	}
	if duration > 0 {
		at.ExpiresAt = now.Add(duration)
	}

	tm.mu.Lock()
	tm.tokens[at.Token] = at
	tm.mu.Unlock()

	return at, nil
}

// AddToken registers a pre-shared token, e.g. from configuration
func (tm *TokenManager) AddToken(token, accountID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tokens[token] = &AccountToken{
		Token:     token,
		AccountID: accountID,
		CreatedAt: time.Now(),
	}
}

// ValidateToken validates a token and returns its account
func (tm *TokenManager) ValidateToken(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	at, exists := tm.tokens[token]
	if !exists {
		return "", ErrInvalidToken
	}

	if !at.ExpiresAt.IsZero() && time.Now().After(at.ExpiresAt) {
		return "", ErrTokenExpired
	}

	return at.AccountID, nil
}

// RevokeToken revokes a token
func (tm *TokenManager) RevokeToken(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, at := range tm.tokens {
		if !at.ExpiresAt.IsZero() && now.After(at.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
