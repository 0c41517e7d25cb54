package model

import "time"

// Scope controls what an API key may do. Standard keys submit, list, and ack
// captures; admin keys additionally manage credentials.
type Scope string

const (
	ScopeStandard Scope = "standard"
	ScopeAdmin    Scope = "admin"
)

// Valid reports whether s is a recognized scope.
func (s Scope) Valid() bool {
	return s == ScopeStandard || s == ScopeAdmin
}

// APIKey represents a client credential. The raw key is never stored; only a
// SHA-256 hash and a short prefix for identification are persisted.
type APIKey struct {
	ID        int64      `json:"id" db:"id"`
	KeyHash   string     `json:"-" db:"key_hash"`            // SHA-256 hash, never expose
	KeyPrefix string     `json:"key_prefix" db:"key_prefix"` // "sieve_live_" + first 8 hex chars
	Name      string     `json:"name" db:"name"`
	Scope     Scope      `json:"scope" db:"scope"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsed  *time.Time `json:"last_used,omitempty" db:"last_used"`
}

// Revoked reports whether the key has been revoked. Revocation is permanent.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}
