// Package vault holds credentials encrypted at rest and decrypted only in
// memory between Unlock and Lock.
package vault

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ErrLocked is returned by every secret operation while the vault is locked.
var ErrLocked = errors.New("vault is locked")

// NotFoundError reports a handle with no stored value.
type NotFoundError struct {
	Handle string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("secret not found: %s", e.Handle)
}

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// ValidHandle reports whether handle is an acceptable secret name.
func ValidHandle(handle string) bool {
	return handlePattern.MatchString(handle)
}

// Backend persists the encrypted secret set.
type Backend interface {
	// Load decrypts all stored secrets. An empty store unlocks to an empty map.
	Load(ctx context.Context, passphrase []byte) (map[string]string, error)
	// Save persists the change to handle; secrets is the complete new state.
	Save(ctx context.Context, passphrase []byte, handle string, secrets map[string]string) error
}

// Vault is the process-wide secret cell. Unlock, Lock, SetSecret and
// GetSecret are serialized on one mutex, so no reader observes a half-updated
// state. The passphrase and plaintext are held only while unlocked.
type Vault struct {
	mu         sync.RWMutex
	backend    Backend
	unlocked   bool
	passphrase []byte
	secrets    map[string]string
	log        zerolog.Logger
}

// New creates a Vault in locked state.
func New(backend Backend, logger zerolog.Logger) *Vault {
	return &Vault{
		backend: backend,
		log:     logger.With().Str("component", "vault").Logger(),
	}
}

// IsUnlocked returns whether the vault currently holds decrypted material.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unlocked
}

// Unlock decrypts the stored secrets with passphrase. A failed unlock leaves
// the vault state unchanged.
func (v *Vault) Unlock(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pass := []byte(passphrase)
	secrets, err := v.backend.Load(ctx, pass)
	if err != nil {
		zeroBytes(pass)
		v.log.Warn().Msg("unlock failed")
		return err
	}

	v.wipe()
	v.passphrase = pass
	v.secrets = secrets
	v.unlocked = true
	v.log.Info().Int("handles", len(secrets)).Msg("vault unlocked")
	return nil
}

// Lock discards all in-memory secret material.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipe()
	v.log.Info().Msg("vault locked")
}

func (v *Vault) wipe() {
	zeroBytes(v.passphrase)
	v.passphrase = nil
	for k := range v.secrets {
		delete(v.secrets, k)
	}
	v.secrets = nil
	v.unlocked = false
}

// SetSecret stores value under handle and persists the encrypted state
// before returning. If persisting fails the in-memory state is rolled back.
func (v *Vault) SetSecret(ctx context.Context, handle, value string) error {
	if !ValidHandle(handle) {
		return fmt.Errorf("invalid secret handle %q", handle)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return ErrLocked
	}

	prev, existed := v.secrets[handle]
	v.secrets[handle] = value
	if err := v.backend.Save(ctx, v.passphrase, handle, v.secrets); err != nil {
		if existed {
			v.secrets[handle] = prev
		} else {
			delete(v.secrets, handle)
		}
		return fmt.Errorf("persisting secret %s: %w", handle, err)
	}
	v.log.Info().Str("handle", handle).Msg("secret saved")
	return nil
}

// GetSecret returns the plaintext value for handle.
func (v *Vault) GetSecret(handle string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return "", ErrLocked
	}
	value, ok := v.secrets[handle]
	if !ok {
		return "", &NotFoundError{Handle: handle}
	}
	return value, nil
}

// EnsureHandle reports whether handle exists without revealing its value.
func (v *Vault) EnsureHandle(handle string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return false, ErrLocked
	}
	_, ok := v.secrets[handle]
	return ok, nil
}

// Handles lists stored handle names in sorted order.
func (v *Vault) Handles() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.unlocked {
		return nil, ErrLocked
	}
	out := make([]string, 0, len(v.secrets))
	for h := range v.secrets {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
