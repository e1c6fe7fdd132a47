// Package memory implements a process-local token store for development and
// testing. Nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"github.com/agrimarket/web-client/internal/core/ports"
)

// TokenStore holds the token in memory.
type TokenStore struct {
	mu    sync.Mutex
	token string
}

var _ ports.TokenStore = (*TokenStore)(nil)

func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (s *TokenStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *TokenStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *TokenStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}
