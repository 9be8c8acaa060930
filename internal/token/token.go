// Package token issues and checks the random secrets that authenticate
// handshake messages.
package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nhle/verimail/internal/model"
	"github.com/nhle/verimail/internal/store"
)

// Backend is the subset of store.Store used for tokens.
type Backend interface {
	GetToken(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID) (string, error)
	SaveToken(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID, token string) error
	TokenExists(ctx context.Context, ns model.TokenNamespace, token string) (bool, error)
}

// Store looks up or generates namespaced tokens.
type Store struct {
	backend Backend
}

// NewStore returns a token store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// LookupOrNew returns the token bound to foreignID in ns, generating and
// persisting a new one on first use.
func (s *Store) LookupOrNew(ctx context.Context, ns model.TokenNamespace, foreignID model.ChatID) (string, error) {
	tok, err := s.backend.GetToken(ctx, ns, foreignID)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("looking up token: %w", err)
	}

	tok = NewID()
	if err := s.backend.SaveToken(ctx, ns, foreignID, tok); err != nil {
		return "", fmt.Errorf("saving new token: %w", err)
	}
	return tok, nil
}

// Exists reports whether tok was issued in ns. Tokens are never
// consumed, so a token stays valid for retries.
func (s *Store) Exists(ctx context.Context, ns model.TokenNamespace, tok string) (bool, error) {
	return s.backend.TokenExists(ctx, ns, tok)
}

// NewID returns a random URL-safe identifier of 22 characters, used for
// tokens and group ids.
func NewID() string {
	id := uuid.New()
	s := base64.RawURLEncoding.EncodeToString(id[:])
	return strings.NewReplacer("-", "x", "_", "y").Replace(s)
}
