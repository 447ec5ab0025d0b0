package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/org/agentguard/pkg/models"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDecisionUpsertLastWriteWins(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	key := models.ResourceKey{Type: models.ResourceDomain, Value: "api.github.com"}

	if _, err := b.GetDecision(ctx, "u1", key.Type, key.Value); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for absent row, got %v", err)
	}

	first := time.Now().UTC().Add(-time.Minute)
	if err := b.SetDecision(ctx, &models.PermissionDecision{PrincipalID: "u1", Resource: key, Decision: models.DecisionDeny, Timestamp: first}); err != nil {
		t.Fatalf("SetDecision failed: %v", err)
	}
	if err := b.SetDecision(ctx, &models.PermissionDecision{PrincipalID: "u1", Resource: key, Decision: models.DecisionAllow, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("SetDecision failed: %v", err)
	}

	d, err := b.GetDecision(ctx, "u1", key.Type, key.Value)
	if err != nil {
		t.Fatalf("GetDecision failed: %v", err)
	}
	if d.Decision != models.DecisionAllow {
		t.Errorf("expected ALLOW after second write, got %s", d.Decision)
	}
	if !d.Timestamp.After(first) {
		t.Errorf("timestamp not updated: %v", d.Timestamp)
	}

	list, err := b.ListDecisions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected one row per key, got %d", len(list))
	}

	if _, err := b.GetDecision(ctx, "u2", key.Type, key.Value); !errors.Is(err, ErrNotFound) {
		t.Errorf("decisions must be scoped to the principal, got %v", err)
	}
}

func TestDecisionsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	key := models.ResourceKey{Type: models.ResourceTool, Value: "ls"}
	if err := b.SetDecision(ctx, &models.PermissionDecision{PrincipalID: "u1", Resource: key, Decision: models.DecisionAllow, Timestamp: time.Now()}); err != nil {
		t.Fatalf("SetDecision: %v", err)
	}
	b.Close()

	b2, err := NewSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	d, err := b2.GetDecision(ctx, "u1", key.Type, key.Value)
	if err != nil || d.Decision != models.DecisionAllow {
		t.Fatalf("decision lost across restart: %v %v", d, err)
	}
}

func TestSecretEnvelopes(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.PutSecretEnvelope(ctx, "github", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("PutSecretEnvelope: %v", err)
	}
	if err := b.PutSecretEnvelope(ctx, "github", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("PutSecretEnvelope: %v", err)
	}
	envs, err := b.ListSecretEnvelopes(ctx)
	if err != nil {
		t.Fatalf("ListSecretEnvelopes: %v", err)
	}
	if len(envs) != 1 || string(envs["github"]) != `{"v":2}` {
		t.Errorf("unexpected envelopes: %v", envs)
	}
}

func TestAuditLogQuery(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, op := range []string{"web.request", "tools.exec", "web.request"} {
		err := b.WriteAuditEntry(ctx, &models.AuditEntry{
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			PrincipalID: "u1",
			Operation:   op,
			Status:      "executed",
			Metadata:    map[string]any{"bytes": i},
		})
		if err != nil {
			t.Fatalf("WriteAuditEntry: %v", err)
		}
	}

	entries, err := b.QueryAuditLog(ctx, AuditFilter{Operation: "web.request"})
	if err != nil {
		t.Fatalf("QueryAuditLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 web.request entries, got %d", len(entries))
	}
	if !entries[0].Timestamp.After(entries[1].Timestamp) {
		t.Error("entries should be newest first")
	}
	if entries[0].Metadata["bytes"] != float64(2) {
		t.Errorf("metadata not round-tripped: %v", entries[0].Metadata)
	}

	limited, err := b.QueryAuditLog(ctx, AuditFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("QueryAuditLog: %v", err)
	}
	if len(limited) != 1 || limited[0].Operation != "tools.exec" {
		t.Errorf("unexpected page: %+v", limited)
	}
}
