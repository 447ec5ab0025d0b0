package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/org/agentguard/internal/crypto"
	"github.com/org/agentguard/internal/storage"
)

// FileBackend keeps every secret in one encrypted envelope file. Each save
// re-encrypts the whole set under a fresh salt and nonce.
type FileBackend struct {
	Path string
}

func (b *FileBackend) Load(_ context.Context, passphrase []byte) (map[string]string, error) {
	data, err := os.ReadFile(b.Path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(bytes.TrimSpace(data)) == 0) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	var env crypto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, crypto.ErrCrypto
	}
	plaintext, err := crypto.Open(&env, passphrase)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	secrets := map[string]string{}
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, crypto.ErrCrypto
	}
	return secrets, nil
}

func (b *FileBackend) Save(_ context.Context, passphrase []byte, _ string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	defer zeroBytes(plaintext)

	env, err := crypto.Seal(plaintext, passphrase)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data)
}

// TableBackend stores one envelope per handle in a keyed table, so a save
// only re-encrypts the changed secret.
type TableBackend struct {
	Table storage.SecretTable
}

func (b *TableBackend) Load(ctx context.Context, passphrase []byte) (map[string]string, error) {
	rows, err := b.Table.ListSecretEnvelopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing secret envelopes: %w", err)
	}
	secrets := make(map[string]string, len(rows))
	for handle, raw := range rows {
		var env crypto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, crypto.ErrCrypto
		}
		plaintext, err := crypto.Open(&env, passphrase)
		if err != nil {
			return nil, err
		}
		secrets[handle] = string(plaintext)
		zeroBytes(plaintext)
	}
	return secrets, nil
}

func (b *TableBackend) Save(ctx context.Context, passphrase []byte, handle string, secrets map[string]string) error {
	env, err := crypto.Seal([]byte(secrets[handle]), passphrase)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.Table.PutSecretEnvelope(ctx, handle, raw)
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never see a partial envelope.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".vault-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
