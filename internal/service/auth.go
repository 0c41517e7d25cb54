package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/neuralsieve/relay/internal/model"
	"github.com/neuralsieve/relay/internal/store"
)

// Raw keys look like "sieve_live_" followed by 64 hex chars. The prefix kept
// for display is the literal prefix plus the first 8 hex chars.
const (
	keyPrefix        = "sieve_live_"
	keyDisplayPrefix = len(keyPrefix) + 8
)

var (
	// ErrInvalidCredentials covers every authentication failure: unknown key,
	// malformed key, revoked key. Callers must not distinguish them, so that
	// the API response never leaks which keys exist.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidScope is returned when a key is created with an unknown scope.
	ErrInvalidScope = errors.New("invalid scope")
)

// AuthService manages the credential lifecycle: generation, authentication,
// revocation. Raw key material exists only in the CreateKey return value.
type AuthService struct {
	store *store.Store
}

// NewAuthService creates an AuthService backed by the given store.
func NewAuthService(st *store.Store) *AuthService {
	return &AuthService{store: st}
}

// CreateKey generates a new API key, persists only its hash plus metadata,
// and returns the raw key. This is the only time the raw value is visible.
func (s *AuthService) CreateKey(ctx context.Context, name string, scope model.Scope) (string, *model.APIKey, error) {
	if !scope.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}
	rawKey := keyPrefix + hex.EncodeToString(rawBytes)

	key := &model.APIKey{
		KeyHash:   HashKey(rawKey),
		KeyPrefix: rawKey[:keyDisplayPrefix],
		Name:      name,
		Scope:     scope,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Authenticate hashes the presented credential, looks it up by hash, and
// rejects revoked keys. Returns ErrInvalidCredentials on any failure.
func (s *AuthService) Authenticate(ctx context.Context, rawKey string) (*model.APIKey, error) {
	if rawKey == "" {
		return nil, ErrInvalidCredentials
	}
	hash := HashKey(rawKey)

	key, err := s.store.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	// The unique-hash lookup already matched, but compare in constant time
	// anyway so hash comparison never becomes a timing side channel.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.KeyHash)) != 1 {
		return nil, ErrInvalidCredentials
	}

	if key.Revoked() {
		return nil, ErrInvalidCredentials
	}

	// Update last used timestamp (fire and forget)
	go s.store.UpdateAPIKeyLastUsed(context.Background(), key.ID)

	return key, nil
}

// Revoke permanently disables a key. Idempotent: revoking twice succeeds.
// Returns store.ErrNotFound for an unknown id.
func (s *AuthService) Revoke(ctx context.Context, id int64) error {
	return s.store.RevokeAPIKey(ctx, id)
}

// List returns metadata for every key, newest first. Raw material and hashes
// are never included in serialized output.
func (s *AuthService) List(ctx context.Context) ([]model.APIKey, error) {
	return s.store.ListAPIKeys(ctx)
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}
