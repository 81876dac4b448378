package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
	"github.com/pesio-ai/be-itsm-approvals/internal/service"
)

type recordingPublisher struct {
	msgs []*nats.Msg
	err  error
}

func (r *recordingPublisher) PublishMsg(m *nats.Msg) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, m)
	return nil
}

var occurredAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNotify_StepAssigned(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewNotificationPublisher(pub, "notifications.itsm", zerolog.Nop())

	err := p.Notify(context.Background(), service.Event{
		Kind:      service.EventStepAssigned,
		Subject:   repository.SubjectRef{Kind: repository.KindPurchaseRequest, ID: 42},
		Reference: "PR-2026-0042",
		Step: &repository.ApprovalStep{
			ID:               7,
			RuleName:         "Budget owner",
			StepOrder:        10,
			AssignedApprover: repository.UserApprover("bob"),
			OriginalApprover: "alice",
			Status:           repository.StepPending,
		},
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "notifications.itsm.step_assigned", msg.Subject)
	assert.NotEmpty(t, msg.Header.Get(nats.MsgIdHdr))

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, msg.Header.Get(nats.MsgIdHdr), ev.EventID)
	assert.Equal(t, "purchase_request", ev.ResourceType)
	assert.Equal(t, int64(42), ev.ResourceID)
	assert.Equal(t, "PR-2026-0042", ev.Reference)
	assert.Equal(t, []string{"bob"}, ev.Recipients)
	assert.Empty(t, ev.RecipientGroups)
	assert.True(t, ev.IsActionable)
	assert.Equal(t, "alice", ev.Payload["original_approver"])
	assert.Equal(t, "Budget owner", ev.Payload["rule_name"])
	assert.True(t, occurredAt.Equal(ev.OccurredAt))
}

func TestNotify_GroupRejection(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewNotificationPublisher(pub, "notifications.itsm", zerolog.Nop())
	by, comments := "member1", "insufficient budget"

	err := p.Notify(context.Background(), service.Event{
		Kind:    service.EventSubjectRejected,
		Subject: repository.SubjectRef{Kind: repository.KindChangeRequest, ID: 3},
		Step: &repository.ApprovalStep{
			ID:               9,
			AssignedApprover: repository.GroupApprover("cab"),
			Status:           repository.StepRejected,
			DecidedBy:        &by,
			Comments:         &comments,
		},
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)
	require.Len(t, pub.msgs, 1)

	var ev NotificationEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &ev))
	assert.Equal(t, "notifications.itsm.subject_rejected", pub.msgs[0].Subject)
	assert.Equal(t, []string{"cab"}, ev.RecipientGroups)
	assert.False(t, ev.IsActionable)
	assert.Equal(t, "warning", ev.Severity)
	assert.Equal(t, "member1", ev.Payload["decided_by"])
	assert.Equal(t, "insufficient budget", ev.Payload["comments"])
}

func TestNotify_UniqueMessageIDs(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewNotificationPublisher(pub, "n", zerolog.Nop())
	ev := service.Event{Kind: service.EventSubjectApproved, Subject: repository.SubjectRef{Kind: repository.KindInternalMemo, ID: 1}}

	require.NoError(t, p.Notify(context.Background(), ev))
	require.NoError(t, p.Notify(context.Background(), ev))
	require.Len(t, pub.msgs, 2)
	assert.NotEqual(t, pub.msgs[0].Header.Get(nats.MsgIdHdr), pub.msgs[1].Header.Get(nats.MsgIdHdr))
}

func TestNotify_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: stderrors.New("nats: connection closed")}
	p := NewNotificationPublisher(pub, "notifications.itsm", zerolog.Nop())

	err := p.Notify(context.Background(), service.Event{Kind: service.EventSubjectApproved})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications.itsm.subject_approved")
}

func TestNotify_NilConnection(t *testing.T) {
	p := NewNotificationPublisher(nil, "notifications.itsm", zerolog.Nop())
	assert.NoError(t, p.Notify(context.Background(), service.Event{Kind: service.EventSubjectApproved}))
}

func TestNotify_CancelledContext(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewNotificationPublisher(pub, "notifications.itsm", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Notify(ctx, service.Event{Kind: service.EventSubjectApproved}), context.Canceled)
	assert.Empty(t, pub.msgs)
}
