// Package file persists the client token in a small JSON key/value file, the
// on-disk counterpart of a browser's local storage.
//
// When a secret is configured the value is sealed with NaCl secretbox before
// it is written, so the file alone does not leak a usable bearer token.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agrimarket/web-client/internal/core/ports"
	"github.com/agrimarket/web-client/internal/infrastructure/storage/sealed"
)

// ErrUnsealable is returned when a sealed value cannot be opened with the
// configured secret.
var ErrUnsealable = sealed.ErrUnsealable

// ErrCorrupt is returned by Load when the file is not a JSON object. Save and
// Clear replace such a file.
var ErrCorrupt = errors.New("token file is corrupt")

// TokenStore reads and writes one key inside a JSON object file. Other keys
// in the file are preserved.
type TokenStore struct {
	path string
	key  string
	box  *sealed.Box

	mu sync.Mutex
}

var _ ports.TokenStore = (*TokenStore)(nil)

// NewTokenStore returns a store writing key into the file at path. An empty
// secret stores the token in clear text.
func NewTokenStore(path, key, secret string) *TokenStore {
	return &TokenStore{path: path, key: key, box: sealed.NewBox(secret)}
}

func (s *TokenStore) Load(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return "", err
	}
	raw, ok := entries[s.key]
	if !ok || raw == "" {
		return "", nil
	}
	return s.box.Open(raw)
}

func (s *TokenStore) Save(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readForWrite()
	if err != nil {
		return err
	}
	value, err := s.box.Seal(token)
	if err != nil {
		return err
	}
	entries[s.key] = value
	return s.write(entries)
}

func (s *TokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if errors.Is(err, ErrCorrupt) {
		return s.write(map[string]string{})
	}
	if err != nil {
		return err
	}
	if _, ok := entries[s.key]; !ok {
		return nil
	}
	delete(entries, s.key)
	return s.write(entries)
}

// read returns the file's entries; a missing file is an empty store.
func (s *TokenStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	entries := map[string]string{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return entries, nil
}

// readForWrite is read, except that a corrupt file counts as empty so the
// next write replaces it.
func (s *TokenStore) readForWrite() (map[string]string, error) {
	entries, err := s.read()
	if errors.Is(err, ErrCorrupt) {
		return map[string]string{}, nil
	}
	return entries, err
}

// write replaces the file atomically via rename.
func (s *TokenStore) write(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
