// ABOUTME: Opaque access token store for MCP endpoint authentication.
// ABOUTME: Tokens are random UUIDs mapped to a principal label, held in memory.

package mcp

import (
	"sync"

	"github.com/google/uuid"
)

// TokenStore manages opaque access tokens for the MCP endpoint.
// Tokens are provisioned at startup from config and looked up on
// every initialize request.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> principal
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]string)}
}

// Issue generates a new random token bound to the given principal
// and returns it.
func (s *TokenStore) Issue(principal string) string {
	token := uuid.New().String()
	s.mu.Lock()
	s.tokens[token] = principal
	s.mu.Unlock()
	return token
}

// Add registers a pre-existing token (e.g., from config) for a principal.
func (s *TokenStore) Add(token, principal string) {
	if token == "" {
		return
	}
	s.mu.Lock()
	s.tokens[token] = principal
	s.mu.Unlock()
}

// Lookup resolves a token to its principal. Returns false for
// unknown tokens.
func (s *TokenStore) Lookup(token string) (string, bool) {
	s.mu.RLock()
	principal, ok := s.tokens[token]
	s.mu.RUnlock()
	return principal, ok
}

// Revoke removes a token. Returns true if the token existed.
func (s *TokenStore) Revoke(token string) bool {
	s.mu.Lock()
	_, existed := s.tokens[token]
	delete(s.tokens, token)
	s.mu.Unlock()
	return existed
}

// Len reports the number of active tokens.
func (s *TokenStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
