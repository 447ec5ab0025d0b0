package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// EnvelopeVersion is written into every envelope produced by Seal.
const EnvelopeVersion = 1

const (
	saltSize  = 16
	nonceSize = 16
	keySize   = 32

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// ErrCrypto is the only error Open reports for authentication failures. It
// never distinguishes a wrong passphrase from a corrupted envelope.
var ErrCrypto = errors.New("crypto: wrong passphrase or corrupted data")

// Envelope is the on-disk representation of encrypted data. All byte fields
// are hex encoded.
type Envelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Seal encrypts plaintext under a key derived from passphrase and a fresh salt.
func Seal(plaintext, passphrase []byte) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	encKey, macKey, err := deriveKeys(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zero(encKey)
	defer zero(macKey)

	ciphertext := xorKeystream(encKey, nonce, plaintext)
	tag := computeTag(macKey, nonce, ciphertext)

	return &Envelope{
		Version:    EnvelopeVersion,
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		Ciphertext: hex.EncodeToString(ciphertext),
		Tag:        hex.EncodeToString(tag),
	}, nil
}

// Open verifies the envelope tag and decrypts it. The tag is checked before
// any decryption happens; every failure is reported as ErrCrypto.
func Open(env *Envelope, passphrase []byte) ([]byte, error) {
	if env == nil || env.Version != EnvelopeVersion {
		return nil, ErrCrypto
	}
	salt, err1 := hex.DecodeString(env.Salt)
	nonce, err2 := hex.DecodeString(env.Nonce)
	ciphertext, err3 := hex.DecodeString(env.Ciphertext)
	tag, err4 := hex.DecodeString(env.Tag)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, ErrCrypto
	}
	if len(salt) != saltSize || len(nonce) != nonceSize || len(tag) != sha256.Size {
		return nil, ErrCrypto
	}

	encKey, macKey, err := deriveKeys(passphrase, salt)
	if err != nil {
		return nil, ErrCrypto
	}
	defer zero(encKey)
	defer zero(macKey)

	if !hmac.Equal(tag, computeTag(macKey, nonce, ciphertext)) {
		return nil, ErrCrypto
	}
	return xorKeystream(encKey, nonce, ciphertext), nil
}

// deriveKeys splits 64 bytes of scrypt output into an encryption key and a MAC key.
func deriveKeys(passphrase, salt []byte) (encKey, macKey []byte, err error) {
	material, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 2*keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving keys: %w", err)
	}
	encKey = make([]byte, keySize)
	macKey = make([]byte, keySize)
	copy(encKey, material[:keySize])
	copy(macKey, material[keySize:])
	zero(material)
	return encKey, macKey, nil
}

// xorKeystream XORs data with HMAC-SHA256(key, nonce || counter) blocks,
// counter starting at 0 as a big-endian uint64.
func xorKeystream(key, nonce, data []byte) []byte {
	out := make([]byte, len(data))
	var counter [8]byte
	mac := hmac.New(sha256.New, key)
	for off, block := 0, uint64(0); off < len(data); block++ {
		binary.BigEndian.PutUint64(counter[:], block)
		mac.Reset()
		mac.Write(nonce)
		mac.Write(counter[:])
		stream := mac.Sum(nil)
		for i := 0; i < len(stream) && off < len(data); i, off = i+1, off+1 {
			out[off] = data[off] ^ stream[i]
		}
	}
	return out
}

func computeTag(macKey, nonce, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
