package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
	"github.com/pesio-ai/be-itsm-approvals/internal/metrics"
	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
	"github.com/pesio-ai/be-itsm-approvals/internal/service"
	"github.com/pesio-ai/be-itsm-approvals/internal/tracing"
)

// Commands served under the configured prefix, e.g. itsm.approvals.decide.
const (
	CommandEvaluate = "evaluate"
	CommandDecide   = "decide"
	CommandDelegate = "delegate"
	CommandCancel   = "cancel"
	CommandPending  = "pending"
	CommandSteps    = "steps"
	CommandHistory  = "history"

	CommandRuleCreate           = "rules.create"
	CommandRuleUpdate           = "rules.update"
	CommandRuleDelete           = "rules.delete"
	CommandRuleGet              = "rules.get"
	CommandDelegationCreate     = "delegations.create"
	CommandDelegationDeactivate = "delegations.deactivate"
	CommandGroupAdd             = "groups.add"
	CommandGroupRemove          = "groups.remove"
)

var commands = []string{
	CommandEvaluate, CommandDecide, CommandDelegate, CommandCancel,
	CommandPending, CommandSteps, CommandHistory,
	CommandRuleCreate, CommandRuleUpdate, CommandRuleDelete, CommandRuleGet,
	CommandDelegationCreate, CommandDelegationDeactivate,
	CommandGroupAdd, CommandGroupRemove,
}

// codeOK labels successful commands in metrics.
const codeOK = "OK"

// NATSHandler serves approval commands over NATS request/reply. It is the
// entry point used by the modules that own approvable subjects.
type NATSHandler struct {
	engine  *service.ApprovalEngine
	admin   *service.AdminService
	prefix  string
	queue   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewNATSHandler creates a new NATS command handler. timeout bounds each
// command; zero means no bound beyond the engine's own transaction timeout.
func NewNATSHandler(engine *service.ApprovalEngine, admin *service.AdminService, prefix, queue string, timeout time.Duration, logger zerolog.Logger) *NATSHandler {
	return &NATSHandler{
		engine:  engine,
		admin:   admin,
		prefix:  prefix,
		queue:   queue,
		timeout: timeout,
		logger:  logger.With().Str("handler", "nats").Logger(),
	}
}

// Subscribe registers a queue subscription per command. The returned
// subscriptions are drained by closing the connection.
func (h *NATSHandler) Subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	subs := make([]*nats.Subscription, 0, len(commands))
	for _, cmd := range commands {
		sub, err := nc.QueueSubscribe(h.prefix+"."+cmd, h.queue, func(m *nats.Msg) {
			reply := h.Handle(context.Background(), cmd, m.Data)
			if m.Reply == "" {
				return
			}
			if err := m.Respond(reply); err != nil {
				h.logger.Warn().Err(err).Str("command", cmd).Msg("Failed to send command reply")
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	h.logger.Info().
		Str("prefix", h.prefix).
		Str("queue", h.queue).
		Int("commands", len(subs)).
		Msg("NATS command handler subscribed")
	return subs, nil
}

// ── Envelopes ────────────────────────────────────────────────────────────────

// Reply is the envelope every command answers with.
type Reply struct {
	OK    bool        `json:"ok"`
	Data  any         `json:"data,omitempty"`
	Error *ReplyError `json:"error,omitempty"`
}

// ReplyError carries a coded error back to the caller.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// SubjectRequest names a subject.
type SubjectRequest struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// EvaluateRequest asks for the workflow of a subject to be (re)built.
type EvaluateRequest struct {
	SubjectRequest
	Force bool   `json:"force,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// DecideRequest records a decision on a step.
type DecideRequest struct {
	StepID   int64  `json:"step_id"`
	Actor    string `json:"actor"`
	Decision string `json:"decision"`
	Comments string `json:"comments,omitempty"`
}

// DelegateRequest hands a live step to another user.
type DelegateRequest struct {
	StepID    int64  `json:"step_id"`
	Actor     string `json:"actor"`
	Delegatee string `json:"delegatee"`
	Reason    string `json:"reason"`
}

// CancelRequest recalls a pending subject.
type CancelRequest struct {
	SubjectRequest
	Actor string `json:"actor"`
}

// PendingRequest lists the live steps a user can decide.
type PendingRequest struct {
	UserID string `json:"user_id"`
}

// RuleRequest creates or updates a rule. IsActive defaults to true.
type RuleRequest struct {
	Actor           string  `json:"actor"`
	ID              int64   `json:"id,omitempty"`
	Name            string  `json:"name"`
	RuleType        string  `json:"rule_type"`
	Order           int     `json:"order"`
	IsActive        *bool   `json:"is_active,omitempty"`
	MinAmount       *int64  `json:"min_amount,omitempty"`
	MaxAmount       *int64  `json:"max_amount,omitempty"`
	AllDepartments  bool    `json:"all_departments"`
	Departments     []int64 `json:"departments,omitempty"`
	AllProjects     bool    `json:"all_projects"`
	Projects        []int64 `json:"projects,omitempty"`
	Templates       []int64 `json:"templates,omitempty"`
	Categories      []int64 `json:"categories,omitempty"`
	ApproverUserID  string  `json:"approver_user_id,omitempty"`
	ApproverGroupID string  `json:"approver_group_id,omitempty"`
}

// IDRequest names a rule or delegation.
type IDRequest struct {
	Actor string `json:"actor"`
	ID    int64  `json:"id"`
}

// DelegationRequest records a standing delegation.
type DelegationRequest struct {
	Actor     string    `json:"actor"`
	Delegator string    `json:"delegator"`
	Delegatee string    `json:"delegatee"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// MembershipRequest changes approver group membership.
type MembershipRequest struct {
	Actor   string `json:"actor"`
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

// RuleView is the wire form of a rule.
type RuleView struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	RuleType        string    `json:"rule_type"`
	Order           int       `json:"order"`
	IsActive        bool      `json:"is_active"`
	MinAmount       *int64    `json:"min_amount,omitempty"`
	MaxAmount       *int64    `json:"max_amount,omitempty"`
	AllDepartments  bool      `json:"all_departments"`
	Departments     []int64   `json:"departments,omitempty"`
	AllProjects     bool      `json:"all_projects"`
	Projects        []int64   `json:"projects,omitempty"`
	Templates       []int64   `json:"templates,omitempty"`
	Categories      []int64   `json:"categories,omitempty"`
	ApproverUserID  string    `json:"approver_user_id,omitempty"`
	ApproverGroupID string    `json:"approver_group_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DelegationView is the wire form of a delegation.
type DelegationView struct {
	ID        int64     `json:"id"`
	Delegator string    `json:"delegator"`
	Delegatee string    `json:"delegatee"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	IsActive  bool      `json:"is_active"`
}

// StepView is the wire form of an approval step.
type StepView struct {
	ID               int64      `json:"id"`
	Kind             string     `json:"kind"`
	SubjectID        int64      `json:"subject_id"`
	RuleID           *int64     `json:"rule_id,omitempty"`
	RuleName         string     `json:"rule_name"`
	StepOrder        int        `json:"step_order"`
	ApproverUserID   string     `json:"approver_user_id,omitempty"`
	ApproverGroupID  string     `json:"approver_group_id,omitempty"`
	OriginalApprover string     `json:"original_approver,omitempty"`
	Status           string     `json:"status"`
	DecidedBy        *string    `json:"decided_by,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	Comments         *string    `json:"comments,omitempty"`
	DelegatedReason  *string    `json:"delegated_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AuditView is the wire form of an audit entry.
type AuditView struct {
	ID           string         `json:"id"`
	StepID       *int64         `json:"step_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// EvaluateReply is the data of a successful evaluate.
type EvaluateReply struct {
	Status       string      `json:"status"`
	StatusBefore string      `json:"status_before"`
	Steps        []*StepView `json:"steps"`
	Removed      int64       `json:"removed"`
	Unchanged    bool        `json:"unchanged,omitempty"`
}

// DecideReply is the data of a successful decide.
type DecideReply struct {
	Step          *StepView `json:"step"`
	SubjectStatus string    `json:"subject_status"`
	Skipped       []int64   `json:"skipped,omitempty"`
}

// CancelReply is the data of a successful cancel.
type CancelReply struct {
	SubjectStatus string  `json:"subject_status"`
	Skipped       []int64 `json:"skipped,omitempty"`
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

// Handle runs one command and returns the encoded reply. It never fails:
// errors are carried in the envelope.
func (h *NATSHandler) Handle(ctx context.Context, command string, data []byte) []byte {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	ctx, span := tracing.StartSpan(ctx, "approvals.command", attribute.String("command", command))
	result, err := h.dispatch(ctx, command, data)
	code := codeOK
	reply := Reply{OK: err == nil, Data: result}
	if err != nil {
		reply.Data = nil
		reply.Error = toReplyError(err)
		code = reply.Error.Code
		h.logger.Warn().Err(err).
			Str("command", command).
			Str("code", code).
			Str("trace_id", tracing.TraceID(ctx)).
			Msg("Approval command failed")
	}
	span.SetAttributes(attribute.String("code", code))
	tracing.EndSpan(span, err)
	metrics.CommandsTotal.WithLabelValues(command, code).Inc()

	out, err := json.Marshal(reply)
	if err != nil {
		h.logger.Error().Err(err).Str("command", command).Msg("Failed to encode command reply")
		out, _ = json.Marshal(Reply{Error: &ReplyError{Code: string(errors.ErrCodeInternal), Message: "failed to encode reply"}})
	}
	return out
}

func (h *NATSHandler) dispatch(ctx context.Context, command string, data []byte) (any, error) {
	switch command {
	case CommandEvaluate:
		var req EvaluateRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		ref, err := req.ref()
		if err != nil {
			return nil, err
		}
		res, err := h.engine.Evaluate(ctx, ref, service.EvaluateOptions{Force: req.Force, Actor: req.Actor})
		if err != nil {
			return nil, err
		}
		return &EvaluateReply{
			Status:       string(res.Status),
			StatusBefore: string(res.StatusBefore),
			Steps:        toStepViews(res.Steps),
			Removed:      res.Removed,
			Unchanged:    res.Unchanged,
		}, nil

	case CommandDecide:
		var req DecideRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		res, err := h.engine.Decide(ctx, service.DecideRequest{
			StepID:   req.StepID,
			Actor:    req.Actor,
			Decision: service.Decision(req.Decision),
			Comments: req.Comments,
		})
		if err != nil {
			return nil, err
		}
		return &DecideReply{Step: toStepView(res.Step), SubjectStatus: string(res.SubjectStatus), Skipped: res.Skipped}, nil

	case CommandDelegate:
		var req DelegateRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		step, err := h.engine.Delegate(ctx, service.DelegateRequest{
			StepID:    req.StepID,
			Actor:     req.Actor,
			Delegatee: req.Delegatee,
			Reason:    req.Reason,
		})
		if err != nil {
			return nil, err
		}
		return toStepView(step), nil

	case CommandCancel:
		var req CancelRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		ref, err := req.ref()
		if err != nil {
			return nil, err
		}
		res, err := h.engine.Cancel(ctx, ref, req.Actor)
		if err != nil {
			return nil, err
		}
		return &CancelReply{SubjectStatus: string(res.SubjectStatus), Skipped: res.Skipped}, nil

	case CommandPending:
		var req PendingRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		steps, err := h.engine.PendingFor(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return toStepViews(steps), nil

	case CommandSteps:
		var req SubjectRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		ref, err := req.ref()
		if err != nil {
			return nil, err
		}
		steps, err := h.engine.Steps(ctx, ref)
		if err != nil {
			return nil, err
		}
		return toStepViews(steps), nil

	case CommandHistory:
		var req SubjectRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		ref, err := req.ref()
		if err != nil {
			return nil, err
		}
		entries, err := h.engine.History(ctx, ref)
		if err != nil {
			return nil, err
		}
		return toAuditViews(entries), nil
	}

	if h.admin != nil {
		if result, ok, err := h.dispatchAdmin(ctx, command, data); ok {
			return result, err
		}
	}
	return nil, errors.Newf(errors.ErrCodeValidation, "unknown command %q", command)
}

// dispatchAdmin serves the configuration commands. ok is false for a
// command it does not know.
func (h *NATSHandler) dispatchAdmin(ctx context.Context, command string, data []byte) (result any, ok bool, err error) {
	switch command {
	case CommandRuleCreate, CommandRuleUpdate:
		var req RuleRequest
		if err := decode(data, &req); err != nil {
			return nil, true, err
		}
		rule := req.rule()
		if command == CommandRuleCreate {
			err = h.admin.CreateRule(ctx, req.Actor, rule)
		} else {
			err = h.admin.UpdateRule(ctx, req.Actor, rule)
		}
		if err != nil {
			return nil, true, err
		}
		return toRuleView(rule), true, nil

	case CommandRuleDelete:
		var req IDRequest
		if err := decode(data, &req); err != nil {
			return nil, true, err
		}
		return nil, true, h.admin.DeleteRule(ctx, req.Actor, req.ID)

	case CommandRuleGet:
		var req IDRequest
		if err := decode(data, &req); err != nil {
			return nil, true, err
		}
		rule, err := h.admin.GetRule(ctx, req.ID)
		if err != nil {
			return nil, true, err
		}
		return toRuleView(rule), true, nil

	case CommandDelegationCreate:
		var req DelegationRequest
		if err := decode(data, &req); err != nil {
			return nil, true, err
		}
		d := &repository.Delegation{Delegator: req.Delegator, Delegatee: req.Delegatee, Start: req.Start, End: req.End}
		if err := h.admin.CreateDelegation(ctx, req.Actor, d); err != nil {
			return nil, true, err
		}
		return &DelegationView{ID: d.ID, Delegator: d.Delegator, Delegatee: d.Delegatee, Start: d.Start, End: d.End, IsActive: d.IsActive}, true, nil

	case CommandDelegationDeactivate:
		var req IDRequest
		if err := decode(data, &req); err != nil {
			return nil, true, err
		}
		return nil, true, h.admin.DeactivateDelegation(ctx, req.Actor, req.ID)

	case CommandGroupAdd, CommandGroupRemove:
		var req MembershipRequest
		if err := decode(data, &req); err != nil {
			return nil, true, err
		}
		if command == CommandGroupAdd {
			return nil, true, h.admin.AddGroupMember(ctx, req.Actor, req.GroupID, req.UserID)
		}
		return nil, true, h.admin.RemoveGroupMember(ctx, req.Actor, req.GroupID, req.UserID)
	}
	return nil, false, nil
}

// ── Conversion helpers ───────────────────────────────────────────────────────

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeValidation, "invalid request body")
	}
	return nil
}

func (r SubjectRequest) ref() (repository.SubjectRef, error) {
	if r.Kind == "" {
		return repository.SubjectRef{}, errors.InvalidInput("kind", "subject kind is required")
	}
	if r.ID <= 0 {
		return repository.SubjectRef{}, errors.InvalidInput("id", "subject id is required")
	}
	return repository.SubjectRef{Kind: repository.SubjectKind(r.Kind), ID: r.ID}, nil
}

func (r RuleRequest) rule() *repository.Rule {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &repository.Rule{
		ID:       r.ID,
		Name:     r.Name,
		Order:    r.Order,
		RuleType: repository.SubjectKind(r.RuleType),
		IsActive: active,
		Approver: repository.Approver{UserID: r.ApproverUserID, GroupID: r.ApproverGroupID},
		Scope: repository.RuleScope{
			MinAmount:      r.MinAmount,
			MaxAmount:      r.MaxAmount,
			AllDepartments: r.AllDepartments,
			Departments:    r.Departments,
			AllProjects:    r.AllProjects,
			Projects:       r.Projects,
			Templates:      r.Templates,
			Categories:     r.Categories,
		},
	}
}

func toRuleView(r *repository.Rule) *RuleView {
	return &RuleView{
		ID:              r.ID,
		Name:            r.Name,
		RuleType:        string(r.RuleType),
		Order:           r.Order,
		IsActive:        r.IsActive,
		MinAmount:       r.Scope.MinAmount,
		MaxAmount:       r.Scope.MaxAmount,
		AllDepartments:  r.Scope.AllDepartments,
		Departments:     r.Scope.Departments,
		AllProjects:     r.Scope.AllProjects,
		Projects:        r.Scope.Projects,
		Templates:       r.Scope.Templates,
		Categories:      r.Scope.Categories,
		ApproverUserID:  r.Approver.UserID,
		ApproverGroupID: r.Approver.GroupID,
		UpdatedAt:       r.UpdatedAt,
	}
}

func toReplyError(err error) *ReplyError {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return &ReplyError{Code: string(appErr.Code), Message: appErr.Message, Field: appErr.Field}
	}
	return &ReplyError{Code: string(errors.ErrCodeInternal), Message: "internal error"}
}

func toStepView(s *repository.ApprovalStep) *StepView {
	if s == nil {
		return nil
	}
	return &StepView{
		ID:               s.ID,
		Kind:             string(s.Subject.Kind),
		SubjectID:        s.Subject.ID,
		RuleID:           s.RuleID,
		RuleName:         s.RuleName,
		StepOrder:        s.StepOrder,
		ApproverUserID:   s.AssignedApprover.UserID,
		ApproverGroupID:  s.AssignedApprover.GroupID,
		OriginalApprover: s.OriginalApprover,
		Status:           string(s.Status),
		DecidedBy:        s.DecidedBy,
		DecidedAt:        s.DecidedAt,
		Comments:         s.Comments,
		DelegatedReason:  s.DelegatedReason,
		CreatedAt:        s.CreatedAt,
	}
}

func toStepViews(steps []*repository.ApprovalStep) []*StepView {
	out := make([]*StepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, toStepView(s))
	}
	return out
}

func toAuditViews(entries []*repository.AuditEntry) []*AuditView {
	out := make([]*AuditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, &AuditView{
			ID:           e.ID,
			StepID:       e.StepID,
			Action:       e.Action,
			PerformedBy:  e.PerformedBy,
			PerformedAt:  e.PerformedAt,
			StatusBefore: e.StatusBefore,
			StatusAfter:  e.StatusAfter,
			Metadata:     e.Metadata,
		})
	}
	return out
}
