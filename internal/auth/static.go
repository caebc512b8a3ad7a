package auth

import (
	"context"
	"sync"
)

// StaticAuthenticator maps opaque tokens to identities. Used in tests.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{tokens: make(map[string]Identity)}
}

func (a *StaticAuthenticator) Add(token string, id Identity) {
	a.mu.Lock()
	a.tokens[token] = id
	a.mu.Unlock()
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}
