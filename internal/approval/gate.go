// Package approval tracks requests waiting on a human decision and the
// one-time grants those decisions produce.
package approval

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/org/agentguard/internal/permission"
	"github.com/org/agentguard/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Callback statuses.
const (
	StatusAllowed      = "allowed"
	StatusDenied       = "denied"
	StatusApprovedOnce = "approved_once"
	StatusNotFound     = "not_found"
)

// Config holds the expiry windows.
type Config struct {
	PendingTTL time.Duration
	TokenTTL   time.Duration
}

// CallbackResult is returned by ApplyCallback.
type CallbackResult struct {
	Status     string                     `json:"status"`
	ApprovalID string                     `json:"approval_id"`
	Decision   *models.PermissionDecision `json:"decision,omitempty"`
	Token      *models.CapabilityToken    `json:"capability,omitempty"`
}

// grant is a one-time approval. The capability token and the approval id
// redeem the same grant, so it can be spent only once either way.
type grant struct {
	approvalID  string
	jti         string
	principalID string
	resource    models.ResourceKey
	expiresAt   time.Time
	used        bool
}

// Gate holds pending approvals in memory. A restart loses every pending
// approval and unredeemed grant; callers must request again.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*models.ApprovalRequest
	grants  map[string]*grant
	byJTI   map[string]*grant

	store      *permission.Store
	signingKey []byte
	cfg        Config
	now        func() time.Time
	log        zerolog.Logger
}

// NewGate creates a Gate. The token signing key is random per process.
func NewGate(store *permission.Store, cfg Config, logger zerolog.Logger) (*Gate, error) {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating token key: %w", err)
	}
	return &Gate{
		pending:    map[string]*models.ApprovalRequest{},
		grants:     map[string]*grant{},
		byJTI:      map[string]*grant{},
		store:      store,
		signingKey: key,
		cfg:        cfg,
		now:        time.Now,
		log:        logger.With().Str("component", "approval").Logger(),
	}, nil
}

// Request creates a pending approval with a fresh unguessable id.
func (g *Gate) Request(principalID string, key models.ResourceKey, metadata map[string]any) (*models.ApprovalRequest, error) {
	if principalID == "" {
		return nil, errors.New("principal id is required")
	}
	if !models.ValidResourceType(key.Type) || key.Value == "" {
		return nil, fmt.Errorf("invalid resource %s", key)
	}
	now := g.now().UTC()
	req := &models.ApprovalRequest{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Resource:    key,
		Metadata:    metadata,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.cfg.PendingTTL),
	}

	g.mu.Lock()
	g.pending[req.ID] = req
	g.mu.Unlock()

	g.log.Info().Str("approval_id", req.ID).Str("principal", principalID).
		Str("resource", key.String()).Msg("approval requested")
	cp := *req
	return &cp, nil
}

// Get returns a pending approval by id.
func (g *Gate) Get(id string) (*models.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[id]
	if !ok || !g.now().Before(req.ExpiresAt) {
		return nil, false
	}
	cp := *req
	return &cp, true
}

// Pending lists live pending approvals, oldest first.
func (g *Gate) Pending() []*models.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make([]*models.ApprovalRequest, 0, len(g.pending))
	for _, req := range g.pending {
		if now.Before(req.ExpiresAt) {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ApplyCallback resolves a pending approval. An unknown or expired id yields
// StatusNotFound with no side effects, so stale button presses are safe.
func (g *Gate) ApplyCallback(ctx context.Context, id, action string) (*CallbackResult, error) {
	switch action {
	case models.ActionAlwaysAllow, models.ActionDeny, models.ActionApproveThisRequest:
	default:
		return nil, fmt.Errorf("unknown callback action %q", action)
	}

	g.mu.Lock()
	req, ok := g.pending[id]
	if !ok || !g.now().Before(req.ExpiresAt) {
		g.mu.Unlock()
		return &CallbackResult{Status: StatusNotFound, ApprovalID: id}, nil
	}
	// Removing the entry before the store write makes concurrent callbacks
	// for the same id resolve it at most once.
	delete(g.pending, id)
	g.mu.Unlock()

	switch action {
	case models.ActionAlwaysAllow, models.ActionDeny:
		decision := models.DecisionAllow
		status := StatusAllowed
		if action == models.ActionDeny {
			decision = models.DecisionDeny
			status = StatusDenied
		}
		d, err := g.store.Set(ctx, req.PrincipalID, req.Resource, decision)
		if err != nil {
			g.mu.Lock()
			g.pending[id] = req
			g.mu.Unlock()
			return nil, err
		}
		g.log.Info().Str("approval_id", id).Str("decision", string(decision)).Msg("standing decision recorded")
		return &CallbackResult{Status: status, ApprovalID: id, Decision: d}, nil

	default:
		tok, err := g.issue(req)
		if err != nil {
			g.mu.Lock()
			g.pending[id] = req
			g.mu.Unlock()
			return nil, err
		}
		g.log.Info().Str("approval_id", id).Msg("one-time approval granted")
		return &CallbackResult{Status: StatusApprovedOnce, ApprovalID: id, Token: tok}, nil
	}
}

func (g *Gate) issue(req *models.ApprovalRequest) (*models.CapabilityToken, error) {
	now := g.now()
	gr := &grant{
		approvalID:  req.ID,
		jti:         uuid.NewString(),
		principalID: req.PrincipalID,
		resource:    req.Resource,
		expiresAt:   now.Add(g.cfg.TokenTTL),
	}
	claims := jwt.RegisteredClaims{
		ID:        gr.jti,
		Subject:   req.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(gr.expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.signingKey)
	if err != nil {
		return nil, fmt.Errorf("signing capability token: %w", err)
	}

	g.mu.Lock()
	g.grants[gr.approvalID] = gr
	g.byJTI[gr.jti] = gr
	g.mu.Unlock()

	return &models.CapabilityToken{Token: signed, ApprovalID: req.ID, ExpiresAt: gr.expiresAt}, nil
}

// VerifyAndConsume redeems a capability token for principalID and key. It
// returns true exactly once per token; a bad, expired, spent or mismatched
// token all return false.
func (g *Gate) VerifyAndConsume(token, principalID string, key models.ResourceKey) bool {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return g.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(g.now))
	if err != nil {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.byJTI[claims.ID]
	if !ok || gr.approvalID != claims.Subject {
		return false
	}
	return g.spend(gr, principalID, key)
}

// ConsumeOneOff redeems the one-time grant for approvalID directly. It
// returns true once, then false for every later call.
func (g *Gate) ConsumeOneOff(approvalID, principalID string, key models.ResourceKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.grants[approvalID]
	if !ok {
		return false
	}
	return g.spend(gr, principalID, key)
}

// spend must be called with g.mu held.
func (g *Gate) spend(gr *grant, principalID string, key models.ResourceKey) bool {
	if gr.used || !g.now().Before(gr.expiresAt) {
		return false
	}
	if gr.principalID != principalID || gr.resource != key {
		return false
	}
	gr.used = true
	return true
}

// Sweep drops expired pending approvals and spent or expired grants. It
// returns the number of entries removed.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	removed := 0
	for id, req := range g.pending {
		if !now.Before(req.ExpiresAt) {
			delete(g.pending, id)
			removed++
		}
	}
	for id, gr := range g.grants {
		if gr.used || !now.Before(gr.expiresAt) {
			delete(g.grants, id)
			delete(g.byJTI, gr.jti)
			removed++
		}
	}
	if removed > 0 {
		g.log.Debug().Int("removed", removed).Msg("approval sweep")
	}
	return removed
}

// RunSweeper runs Sweep on a cron schedule until ctx is cancelled.
func (g *Gate) RunSweeper(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { g.Sweep() }); err != nil {
		return fmt.Errorf("parsing sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
