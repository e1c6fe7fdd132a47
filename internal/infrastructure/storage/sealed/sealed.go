// Package sealed encrypts stored tokens with NaCl secretbox so that a copy of
// the backing store does not yield a usable bearer token.
package sealed

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/agrimarket/web-client/internal/core/ports"
)

const (
	nonceSize = 24

	// Prefix marks a sealed value.
	Prefix = "sbx1:"
)

// ErrUnsealable is returned when a stored value cannot be opened with the
// configured secret.
var ErrUnsealable = errors.New("stored token cannot be unsealed")

// Box seals and opens values with a key derived from a secret. A nil Box
// passes values through unchanged.
type Box struct {
	key [32]byte
}

// NewBox returns a Box for secret, or nil when secret is empty.
func NewBox(secret string) *Box {
	if secret == "" {
		return nil
	}
	return &Box{key: sha256.Sum256([]byte(secret))}
}

func (b *Box) Seal(value string) (string, error) {
	if b == nil {
		return value, nil
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("token nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &b.key)
	return Prefix + base64.RawURLEncoding.EncodeToString(box), nil
}

// Open reverses Seal. A plain value read through a Box, or a sealed value
// read without one, is ErrUnsealable.
func (b *Box) Open(value string) (string, error) {
	if !strings.HasPrefix(value, Prefix) {
		if b != nil {
			return "", ErrUnsealable
		}
		return value, nil
	}
	if b == nil {
		return "", ErrUnsealable
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrUnsealable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", ErrUnsealable
	}
	return string(plain), nil
}

// TokenStore seals tokens on their way into an inner store.
type TokenStore struct {
	inner ports.TokenStore
	box   *Box
}

var (
	_ ports.TokenStore = (*TokenStore)(nil)
	_ ports.Pinger     = (*TokenStore)(nil)
)

// Wrap returns inner sealed with secret. An empty secret returns inner as is.
func Wrap(inner ports.TokenStore, secret string) ports.TokenStore {
	box := NewBox(secret)
	if box == nil {
		return inner
	}
	return &TokenStore{inner: inner, box: box}
}

// Unwrap returns the store holding the sealed values.
func (s *TokenStore) Unwrap() ports.TokenStore { return s.inner }

func (s *TokenStore) Load(ctx context.Context) (string, error) {
	value, err := s.inner.Load(ctx)
	if err != nil || value == "" {
		return "", err
	}
	return s.box.Open(value)
}

func (s *TokenStore) Save(ctx context.Context, token string) error {
	value, err := s.box.Seal(token)
	if err != nil {
		return err
	}
	return s.inner.Save(ctx, value)
}

func (s *TokenStore) Clear(ctx context.Context) error {
	return s.inner.Clear(ctx)
}

// Ping reports the inner store's health; local stores are always up.
func (s *TokenStore) Ping(ctx context.Context) error {
	if p, ok := s.inner.(ports.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
