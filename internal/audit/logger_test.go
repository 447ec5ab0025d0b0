package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

type memAudit struct {
	entries []*models.AuditEntry
	filter  storage.AuditFilter
	fail    bool
}

func (m *memAudit) WriteAuditEntry(_ context.Context, e *models.AuditEntry) error {
	if m.fail {
		return errors.New("db down")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) QueryAuditLog(_ context.Context, f storage.AuditFilter) ([]*models.AuditEntry, error) {
	m.filter = f
	return m.entries, nil
}

func TestLogRequestStampsTime(t *testing.T) {
	store := &memAudit{}
	l := NewLogger(store, zerolog.Nop())
	l.LogRequest(context.Background(), &models.AuditEntry{Operation: "web.request", Status: "executed"})
	if len(store.entries) != 1 || store.entries[0].Timestamp.IsZero() {
		t.Fatalf("unexpected entries %+v", store.entries)
	}
}

func TestLogRequestSwallowsStoreError(t *testing.T) {
	l := NewLogger(&memAudit{fail: true}, zerolog.Nop())
	l.LogRequest(context.Background(), &models.AuditEntry{Operation: "tools.exec"})
}

func TestQueryClampsLimit(t *testing.T) {
	store := &memAudit{}
	l := NewLogger(store, zerolog.Nop())
	l.Query(context.Background(), storage.AuditFilter{Limit: 10000}) //nolint:errcheck
	if store.filter.Limit != 100 {
		t.Errorf("limit = %d", store.filter.Limit)
	}
}

func TestDigest(t *testing.T) {
	d := Digest([]byte("abc"))
	if d["bytes"] != 3 {
		t.Errorf("bytes = %v", d["bytes"])
	}
	if d["sha256"] != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 = %v", d["sha256"])
	}
}
