// Package notify fans approval events out to human-facing channels.
package notify

import (
	"context"
	"time"

	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

// Event types.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
)

// Event is the structured summary a channel adapter renders for a human. It
// never carries secret values.
type Event struct {
	Type        string             `json:"type"`
	ApprovalID  string             `json:"approval_id"`
	PrincipalID string             `json:"principal_id"`
	Resource    models.ResourceKey `json:"resource"`
	Status      string             `json:"status,omitempty"`
	Actions     []string           `json:"actions,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// RequestedEvent builds the event for a new pending approval.
func RequestedEvent(req *models.ApprovalRequest) Event {
	return Event{
		Type:        EventApprovalRequested,
		ApprovalID:  req.ID,
		PrincipalID: req.PrincipalID,
		Resource:    req.Resource,
		Actions:     []string{models.ActionAlwaysAllow, models.ActionApproveThisRequest, models.ActionDeny},
		Metadata:    req.Metadata,
		Timestamp:   req.CreatedAt,
	}
}

// Notifier delivers an event to one channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi delivers to every notifier. A failing notifier is logged and does
// not stop delivery to the others.
type Multi struct {
	notifiers []Notifier
	log       zerolog.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: logger.With().Str("component", "notify").Logger()}
}

// Notify never returns an error.
func (m *Multi) Notify(ctx context.Context, ev Event) error {
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			m.log.Warn().Err(err).Str("approval_id", ev.ApprovalID).Str("event", ev.Type).
				Msgf("notifier %T failed", n)
		}
	}
	return nil
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	l.Log.Info().Str("event", ev.Type).Str("approval_id", ev.ApprovalID).
		Str("principal", ev.PrincipalID).Str("resource", ev.Resource.String()).
		Str("status", ev.Status).Msg("approval event")
	return nil
}
