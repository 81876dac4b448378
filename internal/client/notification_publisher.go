package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-itsm-approvals/internal/service"
)

// MsgPublisher is the part of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event_kind>, e.g. notifications.itsm.step_assigned.
// Each message carries a Nats-Msg-Id header so JetStream can deduplicate
// redeliveries.
type NotificationPublisher struct {
	conn   MsgPublisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventID         string         `json:"event_id"`
	EventType       string         `json:"event_type"`
	ResourceType    string         `json:"resource_type"`
	ResourceID      int64          `json:"resource_id"`
	Reference       string         `json:"reference,omitempty"`
	Recipients      []string       `json:"recipients,omitempty"`
	RecipientGroups []string       `json:"recipient_groups,omitempty"`
	IsActionable    bool           `json:"is_actionable"`
	Severity        string         `json:"severity"`
	Category        string         `json:"category"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection turns every Notify into a no-op.
func NewNotificationPublisher(conn MsgPublisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, prefix: prefix, log: log}
}

// Notify implements service.Notifier. Errors are returned to the engine,
// which logs and counts them without failing the workflow.
func (p *NotificationPublisher) Notify(ctx context.Context, event service.Event) error {
	if p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ev := buildNotificationEvent(event)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind, err)
	}

	msg := nats.NewMsg(fmt.Sprintf("%s.%s", p.prefix, event.Kind))
	msg.Header.Set(nats.MsgIdHdr, ev.EventID)
	msg.Data = data

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	p.log.Debug().
		Str("subject", msg.Subject).
		Str("event_id", ev.EventID).
		Str("resource", event.Subject.String()).
		Msg("notification: event published")
	return nil
}

func buildNotificationEvent(event service.Event) *NotificationEvent {
	ev := &NotificationEvent{
		EventID:      uuid.NewString(),
		EventType:    string(event.Kind),
		ResourceType: string(event.Subject.Kind),
		ResourceID:   event.Subject.ID,
		Reference:    event.Reference,
		IsActionable: event.Kind == service.EventStepAssigned,
		Severity:     "info",
		Category:     "itsm_approval",
		OccurredAt:   event.OccurredAt.UTC(),
	}
	if event.Kind == service.EventSubjectRejected {
		ev.Severity = "warning"
	}

	if s := event.Step; s != nil {
		switch {
		case s.AssignedApprover.IsGroup():
			ev.RecipientGroups = []string{s.AssignedApprover.GroupID}
		case s.AssignedApprover.IsUser():
			ev.Recipients = []string{s.AssignedApprover.UserID}
		}
		ev.Payload = map[string]any{
			"step_id":    s.ID,
			"step_order": s.StepOrder,
			"rule_name":  s.RuleName,
			"status":     string(s.Status),
		}
		if s.OriginalApprover != "" && s.OriginalApprover != s.AssignedApprover.UserID {
			ev.Payload["original_approver"] = s.OriginalApprover
		}
		if s.DecidedBy != nil {
			ev.Payload["decided_by"] = *s.DecidedBy
		}
		if s.Comments != nil {
			ev.Payload["comments"] = *s.Comments
		}
	}
	return ev
}
