package repository

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// ── Subjects ─────────────────────────────────────────────────────────────────

// SubjectKind discriminates the approvable object types. It doubles as the
// rule_type a rule applies to.
type SubjectKind string

const (
	KindPurchaseRequest SubjectKind = "purchase_request"
	KindInternalMemo    SubjectKind = "internal_memo"
	KindChangeRequest   SubjectKind = "change_request"
)

// SubjectStatus is the lifecycle status the engine reads and writes back.
type SubjectStatus string

const (
	SubjectDraft           SubjectStatus = "draft"
	SubjectPendingApproval SubjectStatus = "pending_approval"
	SubjectApproved        SubjectStatus = "approved"
	SubjectRejected        SubjectStatus = "rejected"
	SubjectCancelled       SubjectStatus = "cancelled"
)

// SubjectRef is a weak reference to a subject owned by another module.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   int64       `json:"id"`
}

func (r SubjectRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// Subject is the view of an approvable object the engine works with.
type Subject struct {
	Ref        SubjectRef
	Status     SubjectStatus
	Amount     *int64 // minor units; nil = not applicable
	Department *int64
	Project    *int64
	Template   *int64
	Category   *int64
	CreatedBy  string
	Reference  string // human-readable number issued by the owning module
}

// ── Approvers ────────────────────────────────────────────────────────────────

// Approver is exactly one of a user or a group.
type Approver struct {
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// UserApprover returns an approver for a single user.
func UserApprover(userID string) Approver { return Approver{UserID: userID} }

// GroupApprover returns an approver for a group.
func GroupApprover(groupID string) Approver { return Approver{GroupID: groupID} }

// IsUser reports whether the approver is a user.
func (a Approver) IsUser() bool { return a.UserID != "" }

// IsGroup reports whether the approver is a group.
func (a Approver) IsGroup() bool { return a.GroupID != "" }

// Validate enforces the one-of invariant.
func (a Approver) Validate() error {
	switch {
	case a.UserID != "" && a.GroupID != "":
		return errors.InvalidInput("approver", "approver must be a user or a group, not both")
	case a.UserID == "" && a.GroupID == "":
		return errors.InvalidInput("approver", "approver user or group is required")
	}
	return nil
}

func (a Approver) String() string {
	if a.IsGroup() {
		return "group:" + a.GroupID
	}
	return "user:" + a.UserID
}

// ── Rules ────────────────────────────────────────────────────────────────────

// RuleScope holds the applicability constraints of a rule.
type RuleScope struct {
	MinAmount      *int64 // nil = no lower bound
	MaxAmount      *int64 // nil = no upper bound (inclusive)
	AllDepartments bool
	Departments    []int64
	AllProjects    bool
	Projects       []int64
	Templates      []int64
	Categories     []int64
}

// Rule is a configured approval policy. When its scope matches a subject it
// contributes one step. IDs grow with creation order and break Order ties.
type Rule struct {
	ID        int64
	Name      string
	Order     int
	Scope     RuleScope
	Approver  Approver
	RuleType  SubjectKind
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks a rule before it is stored.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return errors.InvalidInput("name", "rule name is required")
	}
	if r.RuleType == "" {
		return errors.InvalidInput("rule_type", "rule type is required")
	}
	if err := r.Approver.Validate(); err != nil {
		return err
	}
	if r.Scope.MinAmount != nil && r.Scope.MaxAmount != nil && *r.Scope.MinAmount > *r.Scope.MaxAmount {
		return errors.InvalidInput("max_amount", "max amount must not be below min amount")
	}
	return nil
}

// ── Steps ────────────────────────────────────────────────────────────────────

// StepStatus is the state of one approval step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepSkipped   StepStatus = "skipped"
	StepDelegated StepStatus = "delegated"
)

// IsLive reports whether a step still awaits a decision.
func (s StepStatus) IsLive() bool {
	return s == StepPending || s == StepDelegated
}

// ApprovalStep is one unit of required approval for a subject.
type ApprovalStep struct {
	ID               int64
	Subject          SubjectRef
	RuleID           *int64 // nil once the rule is deleted
	RuleName         string // snapshot taken at creation
	StepOrder        int
	Round            int // evaluation that created the step
	AssignedApprover Approver
	OriginalApprover string // user the rule named, before delegation
	Status           StepStatus
	DecidedBy        *string
	DecidedAt        *time.Time
	Comments         *string
	DelegatedReason  *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy.
func (s *ApprovalStep) Clone() *ApprovalStep {
	c := *s
	c.RuleID = cloneInt64(s.RuleID)
	c.DecidedBy = cloneString(s.DecidedBy)
	c.Comments = cloneString(s.Comments)
	c.DelegatedReason = cloneString(s.DelegatedReason)
	if s.DecidedAt != nil {
		t := *s.DecidedAt
		c.DecidedAt = &t
	}
	return &c
}

// ── Delegations ──────────────────────────────────────────────────────────────

// Delegation is a time-bounded transfer of a user's approval authority.
type Delegation struct {
	ID        int64
	Delegator string
	Delegatee string
	Start     time.Time
	End       time.Time
	IsActive  bool
	CreatedAt time.Time
}

// Validate checks a delegation before it is stored.
func (d *Delegation) Validate() error {
	if d.Delegator == "" || d.Delegatee == "" {
		return errors.InvalidInput("delegatee", "delegator and delegatee are required")
	}
	if d.Delegator == d.Delegatee {
		return errors.InvalidInput("delegatee", "a user cannot delegate to themselves")
	}
	if !d.End.After(d.Start) {
		return errors.InvalidInput("end", "delegation must end after it starts")
	}
	return nil
}

// ActiveAt reports whether the delegation applies at the given instant.
// Both window bounds are inclusive.
func (d *Delegation) ActiveAt(now time.Time) bool {
	return d.IsActive && !now.Before(d.Start) && !now.After(d.End)
}

// ── Audit ────────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditEvaluated = "evaluated"
	AuditApproved  = "approved"
	AuditRejected  = "rejected"
	AuditDelegated = "delegated"
	AuditCancelled = "cancelled"
)

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           string
	Subject      SubjectRef
	StepID       *int64
	Action       string
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]any
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
