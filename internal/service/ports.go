package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
)

// RuleStore returns the rules that apply to a set of subject attributes,
// ordered for step creation.
type RuleStore interface {
	FindMatchingRules(ctx context.Context, attrs repository.RuleAttributes) ([]*repository.Rule, error)
}

// DelegationStore lists the delegations of a user active at an instant.
type DelegationStore interface {
	ActiveDelegations(ctx context.Context, delegator string, now time.Time) ([]*repository.Delegation, error)
}

// Directory answers group membership questions for authorization and the
// pending queue.
type Directory interface {
	IsMember(ctx context.Context, userID, groupID string) (bool, error)
	GroupsOf(ctx context.Context, userID string) ([]string, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// LedgerStore runs subject transactions and serves ledger reads.
type LedgerStore interface {
	WithSubjectLock(ctx context.Context, ref repository.SubjectRef, fn func(ctx context.Context, tx repository.LedgerTx) error) error
	GetStep(ctx context.Context, id int64) (*repository.ApprovalStep, error)
	StepsForSubject(ctx context.Context, ref repository.SubjectRef) ([]*repository.ApprovalStep, error)
	PendingForApprovers(ctx context.Context, userID string, groupIDs []string) ([]*repository.ApprovalStep, error)
	AuditTrail(ctx context.Context, ref repository.SubjectRef) ([]*repository.AuditEntry, error)
}

// EventKind names a notification.
type EventKind string

const (
	EventStepAssigned    EventKind = "step_assigned"
	EventSubjectApproved EventKind = "subject_approved"
	EventSubjectRejected EventKind = "subject_rejected"
)

// Event is handed to the Notifier after a transaction commits.
type Event struct {
	Kind       EventKind
	Subject    repository.SubjectRef
	Reference  string
	Step       *repository.ApprovalStep
	OccurredAt time.Time
}

// Notifier delivers workflow events. Failures never affect the workflow.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Event) error { return nil }
