package approval

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/agentguard/internal/permission"
	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

var githubKey = models.ResourceKey{Type: models.ResourceDomain, Value: "api.github.com"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestGate(t *testing.T) (*Gate, *permission.Store, *clock) {
	t.Helper()
	db, err := storage.NewSQLiteBackend(context.Background(), filepath.Join(t.TempDir(), "gate.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := permission.NewStore(db)
	g, err := NewGate(store, Config{PendingTTL: time.Minute, TokenTTL: time.Minute}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := &clock{t: time.Now()}
	g.now = c.Now
	return g, store, c
}

func TestAlwaysAllowWritesStandingDecision(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()

	req, err := g.Request("u1", githubKey, map[string]any{"method": "GET"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := g.ApplyCallback(ctx, req.ID, models.ActionAlwaysAllow)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusAllowed || res.Decision == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := store.Enforce(ctx, "u1", githubKey); err != nil {
		t.Errorf("expected standing allow, got %v", err)
	}
	if _, ok := g.Get(req.ID); ok {
		t.Error("pending entry should be removed")
	}

	replay, err := g.ApplyCallback(ctx, req.ID, models.ActionDeny)
	if err != nil || replay.Status != StatusNotFound {
		t.Errorf("replay = %+v, %v", replay, err)
	}
	if err := store.Enforce(ctx, "u1", githubKey); err != nil {
		t.Error("stale replay must not change the decision")
	}
}

func TestDenyWritesStandingDeny(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	req, _ := g.Request("u1", githubKey, nil)
	res, err := g.ApplyCallback(ctx, req.ID, models.ActionDeny)
	if err != nil || res.Status != StatusDenied {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	d, found, _ := store.Get(ctx, "u1", githubKey)
	if !found || d != models.DecisionDeny {
		t.Errorf("decision = %v found=%v", d, found)
	}
}

func TestApproveThisRequestIsNotStanding(t *testing.T) {
	g, store, _ := newTestGate(t)
	ctx := context.Background()
	req, _ := g.Request("u1", githubKey, nil)

	res, err := g.ApplyCallback(ctx, req.ID, models.ActionApproveThisRequest)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusApprovedOnce || res.Token == nil || res.Token.Token == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, found, _ := store.Get(ctx, "u1", githubKey); found {
		t.Error("one-time approval must not write a decision")
	}
}

func TestCapabilityTokenSingleUse(t *testing.T) {
	g, _, _ := newTestGate(t)
	req, _ := g.Request("u1", githubKey, nil)
	res, _ := g.ApplyCallback(context.Background(), req.ID, models.ActionApproveThisRequest)
	tok := res.Token.Token

	if g.VerifyAndConsume(tok, "u2", githubKey) {
		t.Error("token must be bound to its principal")
	}
	other := models.ResourceKey{Type: models.ResourceDomain, Value: "evil.com"}
	if g.VerifyAndConsume(tok, "u1", other) {
		t.Error("token must be bound to its resource")
	}
	if !g.VerifyAndConsume(tok, "u1", githubKey) {
		t.Fatal("first verification should succeed")
	}
	if g.VerifyAndConsume(tok, "u1", githubKey) {
		t.Error("second verification must fail")
	}
	if g.ConsumeOneOff(req.ID, "u1", githubKey) {
		t.Error("approval id shares the spent grant")
	}
}

func TestCapabilityTokenConcurrentVerify(t *testing.T) {
	g, _, _ := newTestGate(t)
	req, _ := g.Request("u1", githubKey, nil)
	res, _ := g.ApplyCallback(context.Background(), req.ID, models.ActionApproveThisRequest)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.VerifyAndConsume(res.Token.Token, "u1", githubKey) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected exactly one success, got %d", wins.Load())
	}
}

func TestCapabilityTokenExpiry(t *testing.T) {
	g, _, c := newTestGate(t)
	req, _ := g.Request("u1", githubKey, nil)
	res, _ := g.ApplyCallback(context.Background(), req.ID, models.ActionApproveThisRequest)

	c.Advance(2 * time.Minute)
	if g.VerifyAndConsume(res.Token.Token, "u1", githubKey) {
		t.Error("expired token must fail")
	}
	if g.VerifyAndConsume("not-a-token", "u1", githubKey) {
		t.Error("garbage token must fail")
	}
}

func TestConsumeOneOff(t *testing.T) {
	g, _, _ := newTestGate(t)
	key := models.ResourceKey{Type: models.ResourceDiscloseOutput, Value: "run-1"}
	req, _ := g.Request("u1", key, nil)
	g.ApplyCallback(context.Background(), req.ID, models.ActionApproveThisRequest) //nolint:errcheck

	if !g.ConsumeOneOff(req.ID, "u1", key) {
		t.Fatal("first consume should succeed")
	}
	if g.ConsumeOneOff(req.ID, "u1", key) {
		t.Error("second consume must fail")
	}
	if g.ConsumeOneOff("unknown", "u1", key) {
		t.Error("unknown id must fail")
	}
}

func TestUnknownActionRejectedWithoutSideEffects(t *testing.T) {
	g, _, _ := newTestGate(t)
	req, _ := g.Request("u1", githubKey, nil)
	if _, err := g.ApplyCallback(context.Background(), req.ID, "maybe"); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := g.Get(req.ID); !ok {
		t.Error("pending entry should survive an invalid action")
	}
}

func TestPendingExpiryAndSweep(t *testing.T) {
	g, _, c := newTestGate(t)
	first, _ := g.Request("u1", githubKey, nil)
	c.Advance(time.Second)
	g.Request("u2", githubKey, nil) //nolint:errcheck

	pending := g.Pending()
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("unexpected pending %v", pending)
	}

	c.Advance(2 * time.Minute)
	if len(g.Pending()) != 0 {
		t.Error("expired approvals should not be listed")
	}
	res, _ := g.ApplyCallback(context.Background(), first.ID, models.ActionAlwaysAllow)
	if res.Status != StatusNotFound {
		t.Errorf("expired approval status = %s", res.Status)
	}
	if removed := g.Sweep(); removed != 2 {
		t.Errorf("Sweep removed %d", removed)
	}
}

func TestRequestValidates(t *testing.T) {
	g, _, _ := newTestGate(t)
	if _, err := g.Request("", githubKey, nil); err == nil {
		t.Error("expected error for empty principal")
	}
	if _, err := g.Request("u1", models.ResourceKey{Type: "bogus", Value: "x"}, nil); err == nil {
		t.Error("expected error for bad resource")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	g, _, _ := newTestGate(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.RunSweeper(ctx, "@every 1m") }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunSweeper: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
	if err := g.RunSweeper(context.Background(), "not a schedule"); err == nil {
		t.Error("expected schedule parse error")
	}
}
