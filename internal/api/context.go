package api

import (
	"context"

	"github.com/org/agentguard/internal/audit"
	"github.com/org/agentguard/pkg/models"
)

type contextKey string

const ctxKeyPrincipal contextKey = "principal"

func withPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

func principalFromCtx(ctx context.Context) models.Principal {
	p, _ := ctx.Value(ctxKeyPrincipal).(models.Principal)
	return p
}

// The request id lives with the audit logger so audit entries pick it up.
func requestIDFromCtx(ctx context.Context) string {
	return audit.RequestID(ctx)
}
