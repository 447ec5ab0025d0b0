// Package auth binds opaque bearer tokens to principals. Only SHA-256 hashes
// of tokens are configured or held.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/org/agentguard/pkg/models"
)

const tokenPrefix = "agt_"

// ErrInvalidToken is returned for any token that does not map to a principal.
var ErrInvalidToken = errors.New("invalid token")

// Binding is one configured principal.
type Binding struct {
	ID          string      `yaml:"id" toml:"id"`
	Role        models.Role `yaml:"role" toml:"role"`
	TokenSHA256 string      `yaml:"token_sha256" toml:"token_sha256"`
}

// Registry resolves tokens to principals. It is immutable after creation.
type Registry struct {
	entries []entry
}

type entry struct {
	hash      []byte
	principal models.Principal
}

// NewRegistry validates bindings and builds a Registry.
func NewRegistry(bindings []Binding) (*Registry, error) {
	seen := map[string]bool{}
	r := &Registry{}
	for _, b := range bindings {
		if b.ID == "" {
			return nil, errors.New("principal id is required")
		}
		if seen[b.ID] {
			return nil, fmt.Errorf("duplicate principal %q", b.ID)
		}
		seen[b.ID] = true
		if b.Role != models.RoleUser && b.Role != models.RoleOperator {
			return nil, fmt.Errorf("principal %q: invalid role %q", b.ID, b.Role)
		}
		hash, err := hex.DecodeString(b.TokenSHA256)
		if err != nil || len(hash) != sha256.Size {
			return nil, fmt.Errorf("principal %q: token_sha256 must be 64 hex characters", b.ID)
		}
		r.entries = append(r.entries, entry{hash: hash, principal: models.Principal{ID: b.ID, Role: b.Role}})
	}
	return r, nil
}

// Authenticate returns the principal bound to plaintext. Every entry is
// compared so lookup time does not depend on which one matches.
func (r *Registry) Authenticate(plaintext string) (models.Principal, error) {
	if plaintext == "" {
		return models.Principal{}, ErrInvalidToken
	}
	sum := sha256.Sum256([]byte(plaintext))
	var found *models.Principal
	for i := range r.entries {
		if subtle.ConstantTimeCompare(sum[:], r.entries[i].hash) == 1 {
			found = &r.entries[i].principal
		}
	}
	if found == nil {
		return models.Principal{}, ErrInvalidToken
	}
	return *found, nil
}

// Len returns the number of bound principals.
func (r *Registry) Len() int {
	return len(r.entries)
}

// GenerateToken returns a fresh plaintext token and its hash for the
// configuration file. The plaintext is shown once and never stored.
func GenerateToken() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	plaintext = tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the SHA-256 hex hash of a plaintext token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
