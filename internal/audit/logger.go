// Package audit records gated operations. Entries carry metadata only;
// request bodies appear as a digest and length.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/org/agentguard/internal/storage"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

// Logger writes structured audit entries.
type Logger struct {
	store storage.AuditStore
	log   zerolog.Logger
	now   func() time.Time
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.AuditStore, logger zerolog.Logger) *Logger {
	return &Logger{
		store: store,
		log:   logger.With().Str("component", "audit").Logger(),
		now:   time.Now,
	}
}

// LogRequest records a gated operation. Secret values must never be passed
// here. A storage failure is logged and does not fail the operation.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = l.now().UTC()
	if entry.RequestID == "" {
		entry.RequestID = RequestID(ctx)
	}
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		l.log.Error().Err(err).Str("operation", entry.Operation).Msg("audit write failed")
	}
}

// Query retrieves paginated audit log entries, newest first.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return l.store.QueryAuditLog(ctx, filter)
}

// Digest summarizes a body as its SHA-256 and length.
func Digest(body []byte) map[string]any {
	sum := sha256.Sum256(body)
	return map[string]any{
		"sha256": hex.EncodeToString(sum[:]),
		"bytes":  len(body),
	}
}

type ctxKey struct{}

// WithRequestID attaches the transport request id for entries logged under ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the id set by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
