package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Verifier is a salted HMAC of the master password. It is enough to check a
// candidate password and reveals neither the password nor any vault key.
type Verifier struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Digest  string `json:"digest"`
}

// NewVerifier builds a verifier for password with a fresh random salt.
func NewVerifier(password []byte) (*Verifier, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return &Verifier{
		Version: EnvelopeVersion,
		Salt:    hex.EncodeToString(salt),
		Digest:  hex.EncodeToString(verifierDigest(salt, password)),
	}, nil
}

// Matches reports whether password produced this verifier. The comparison is
// constant time.
func (v *Verifier) Matches(password []byte) bool {
	salt, err := hex.DecodeString(v.Salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(v.Digest)
	if err != nil {
		return false
	}
	return hmac.Equal(want, verifierDigest(salt, password))
}

func verifierDigest(salt, password []byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(password)
	return mac.Sum(nil)
}
