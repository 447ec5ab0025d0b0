package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/org/agentguard/internal/crypto"
)

// MasterPassword is the verifier file checked before the vault is unlocked.
// It holds a salt and HMAC digest, never the password.
type MasterPassword struct {
	Path string
}

// Exists reports whether a verifier has been enrolled.
func (m *MasterPassword) Exists() bool {
	_, err := os.Stat(m.Path)
	return err == nil
}

// Enroll writes a verifier for password, replacing any previous one.
func (m *MasterPassword) Enroll(password string) error {
	if password == "" {
		return errors.New("master password must not be empty")
	}
	v, err := crypto.NewVerifier([]byte(password))
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFileAtomic(m.Path, data)
}

// Verify checks password against the enrolled verifier.
func (m *MasterPassword) Verify(password string) (bool, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return false, fmt.Errorf("reading master password verifier: %w", err)
	}
	var v crypto.Verifier
	if err := json.Unmarshal(data, &v); err != nil {
		return false, crypto.ErrCrypto
	}
	return v.Matches([]byte(password)), nil
}
