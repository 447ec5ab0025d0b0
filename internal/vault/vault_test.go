package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/org/agentguard/internal/crypto"
	"github.com/rs/zerolog"
)

func newFileVault(t *testing.T) (*Vault, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.json")
	return New(&FileBackend{Path: path}, zerolog.Nop()), path
}

func TestLockedVaultRejectsOperations(t *testing.T) {
	v, _ := newFileVault(t)
	ctx := context.Background()

	if err := v.SetSecret(ctx, "github", "x"); !errors.Is(err, ErrLocked) {
		t.Errorf("SetSecret: expected ErrLocked, got %v", err)
	}
	if _, err := v.GetSecret("github"); !errors.Is(err, ErrLocked) {
		t.Errorf("GetSecret: expected ErrLocked, got %v", err)
	}
	if _, err := v.EnsureHandle("github"); !errors.Is(err, ErrLocked) {
		t.Errorf("EnsureHandle: expected ErrLocked, got %v", err)
	}
}

func TestUnlockAbsentFileGivesEmptyStore(t *testing.T) {
	v, _ := newFileVault(t)
	if err := v.Unlock(context.Background(), "pw"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	handles, err := v.Handles()
	if err != nil || len(handles) != 0 {
		t.Errorf("expected empty store, got %v %v", handles, err)
	}
}

func TestSetSecretPersistsAcrossLock(t *testing.T) {
	v, path := newFileVault(t)
	ctx := context.Background()

	if err := v.Unlock(ctx, "pw"); err != nil {
		t.Fatal(err)
	}
	if err := v.SetSecret(ctx, "github", "ghp_supersecret"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "ghp_supersecret") {
		t.Fatal("plaintext secret written to disk")
	}

	v.Lock()
	if v.IsUnlocked() {
		t.Fatal("expected locked")
	}

	if err := v.Unlock(ctx, "pw"); err != nil {
		t.Fatalf("re-Unlock: %v", err)
	}
	got, err := v.GetSecret("github")
	if err != nil || got != "ghp_supersecret" {
		t.Errorf("GetSecret = %q, %v", got, err)
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	v, path := newFileVault(t)
	ctx := context.Background()
	v.Unlock(ctx, "pw")                //nolint:errcheck
	v.SetSecret(ctx, "github", "value") //nolint:errcheck
	v.Lock()

	fresh := New(&FileBackend{Path: path}, zerolog.Nop())
	if err := fresh.Unlock(ctx, "wrong"); !errors.Is(err, crypto.ErrCrypto) {
		t.Fatalf("expected ErrCrypto, got %v", err)
	}
	if fresh.IsUnlocked() {
		t.Error("failed unlock must leave vault locked")
	}
}

func TestUnlockCorruptedFile(t *testing.T) {
	v, path := newFileVault(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock(context.Background(), "pw"); !errors.Is(err, crypto.ErrCrypto) {
		t.Errorf("expected ErrCrypto, got %v", err)
	}
}

func TestGetSecretNotFound(t *testing.T) {
	v, _ := newFileVault(t)
	v.Unlock(context.Background(), "pw") //nolint:errcheck

	_, err := v.GetSecret("missing")
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Handle != "missing" {
		t.Errorf("expected NotFoundError, got %v", err)
	}
	ok, err := v.EnsureHandle("missing")
	if err != nil || ok {
		t.Errorf("EnsureHandle = %v, %v", ok, err)
	}
}

func TestSetSecretInvalidHandle(t *testing.T) {
	v, _ := newFileVault(t)
	v.Unlock(context.Background(), "pw") //nolint:errcheck
	for _, h := range []string{"", "has space", "a/b"} {
		if err := v.SetSecret(context.Background(), h, "x"); err == nil {
			t.Errorf("expected error for handle %q", h)
		}
	}
}

type failingBackend struct{ loaded map[string]string }

func (f *failingBackend) Load(context.Context, []byte) (map[string]string, error) {
	return f.loaded, nil
}

func (f *failingBackend) Save(context.Context, []byte, string, map[string]string) error {
	return errors.New("disk full")
}

func TestSetSecretRollsBackOnSaveFailure(t *testing.T) {
	ctx := context.Background()
	v := New(&failingBackend{loaded: map[string]string{"github": "old"}}, zerolog.Nop())
	v.Unlock(ctx, "pw") //nolint:errcheck

	if err := v.SetSecret(ctx, "github", "new"); err == nil {
		t.Fatal("expected save error")
	}
	if got, _ := v.GetSecret("github"); got != "old" {
		t.Errorf("expected rollback to old value, got %q", got)
	}
	if err := v.SetSecret(ctx, "slack", "x"); err == nil {
		t.Fatal("expected save error")
	}
	if ok, _ := v.EnsureHandle("slack"); ok {
		t.Error("new handle should not survive a failed save")
	}
}

type memTable struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func (m *memTable) ListSecretEnvelopes(context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out, nil
}

func (m *memTable) PutSecretEnvelope(_ context.Context, handle string, env []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[handle] = env
	return nil
}

func TestTableBackendStoresOneEnvelopePerHandle(t *testing.T) {
	ctx := context.Background()
	table := &memTable{rows: map[string][]byte{}}
	v := New(&TableBackend{Table: table}, zerolog.Nop())

	v.Unlock(ctx, "pw")                 //nolint:errcheck
	v.SetSecret(ctx, "github", "token1") //nolint:errcheck
	v.SetSecret(ctx, "slack", "token2")  //nolint:errcheck

	if len(table.rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.rows))
	}
	for h, raw := range table.rows {
		if strings.Contains(string(raw), "token") {
			t.Errorf("row %s holds plaintext", h)
		}
	}

	v2 := New(&TableBackend{Table: table}, zerolog.Nop())
	if err := v2.Unlock(ctx, "bad"); !errors.Is(err, crypto.ErrCrypto) {
		t.Errorf("expected ErrCrypto, got %v", err)
	}
	if err := v2.Unlock(ctx, "pw"); err != nil {
		t.Fatal(err)
	}
	handles, _ := v2.Handles()
	if len(handles) != 2 || handles[0] != "github" || handles[1] != "slack" {
		t.Errorf("unexpected handles %v", handles)
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	ctx := context.Background()
	v := New(&TableBackend{Table: &memTable{rows: map[string][]byte{}}}, zerolog.Nop())
	v.Unlock(ctx, "pw") //nolint:errcheck

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			v.SetSecret(ctx, "k", "v") //nolint:errcheck
		}()
		go func() {
			defer wg.Done()
			v.EnsureHandle("k") //nolint:errcheck
		}()
	}
	wg.Wait()
	if got, _ := v.GetSecret("k"); got != "v" {
		t.Errorf("got %q", got)
	}
}

func TestMasterPassword(t *testing.T) {
	m := &MasterPassword{Path: filepath.Join(t.TempDir(), "master.json")}
	if m.Exists() {
		t.Fatal("verifier should not exist yet")
	}
	if err := m.Enroll(""); err == nil {
		t.Error("empty password should be rejected")
	}
	if err := m.Enroll("hunter2"); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(m.Path)
	if strings.Contains(string(raw), "hunter2") {
		t.Fatal("verifier file holds the password")
	}
	if ok, err := m.Verify("hunter2"); err != nil || !ok {
		t.Errorf("Verify(correct) = %v, %v", ok, err)
	}
	if ok, _ := m.Verify("hunter3"); ok {
		t.Error("Verify(wrong) should be false")
	}
}
