package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
	"github.com/pesio-ai/be-itsm-approvals/internal/logger"
	"github.com/pesio-ai/be-itsm-approvals/internal/metrics"
	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
	"github.com/pesio-ai/be-itsm-approvals/internal/tracing"
)

// systemActor is recorded on audit entries when the caller names no actor.
const systemActor = "system"

// defaultTxTimeout bounds a subject transaction when none is configured.
const defaultTxTimeout = 5 * time.Second

// Decision is the verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// EvaluateOptions tune Evaluate.
type EvaluateOptions struct {
	// Force re-evaluates a subject that is no longer in draft, e.g. on
	// re-submission.
	Force bool
	// Actor is recorded in the audit trail.
	Actor string
}

// EvaluateResult is the outcome of Evaluate.
type EvaluateResult struct {
	Status       repository.SubjectStatus
	StatusBefore repository.SubjectStatus
	Steps        []*repository.ApprovalStep
	// Removed counts the stale live steps deleted before the new set was
	// created.
	Removed int64
	// Unchanged is set when the subject was not in draft and Force was not
	// given: nothing was written and Status is the current status. This is
	// the state conflict case of Evaluate. It is reported through this flag
	// instead of an ErrCodeConflict error so that repeated submissions stay
	// idempotent; callers that want the conflict check the flag.
	Unchanged bool
}

// DecideRequest carries a decision on one step.
type DecideRequest struct {
	StepID   int64
	Actor    string
	Decision Decision
	Comments string
}

// DecideResult is the decided step and the subject status after aggregation.
type DecideResult struct {
	Step          *repository.ApprovalStep
	SubjectStatus repository.SubjectStatus
	Skipped       []int64
}

// DelegateRequest hands a live step to another user.
type DelegateRequest struct {
	StepID    int64
	Actor     string
	Delegatee string
	Reason    string
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	SubjectStatus repository.SubjectStatus
	Skipped       []int64
}

// Option configures an ApprovalEngine.
type Option func(*ApprovalEngine)

// WithTxTimeout bounds every subject transaction.
func WithTxTimeout(d time.Duration) Option {
	return func(e *ApprovalEngine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

// WithClock replaces time.Now, for delegation windows and decision stamps.
func WithClock(now func() time.Time) Option {
	return func(e *ApprovalEngine) { e.now = now }
}

// ApprovalEngine evaluates approval rules into steps, records decisions and
// derives the subject outcome. Every mutation runs in one transaction that
// holds the subject lock; notifications go out after commit.
type ApprovalEngine struct {
	rules     RuleStore
	ledger    LedgerStore
	resolver  *DelegationResolver
	directory Directory
	notifier  Notifier
	log       *logger.Logger
	txTimeout time.Duration
	now       func() time.Time
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(
	rules RuleStore,
	ledger LedgerStore,
	delegations DelegationStore,
	directory Directory,
	notifier Notifier,
	log *logger.Logger,
	opts ...Option,
) *ApprovalEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	e := &ApprovalEngine{
		rules:     rules,
		ledger:    ledger,
		resolver:  NewDelegationResolver(delegations),
		directory: directory,
		notifier:  notifier,
		log:       log.Component("approval_engine"),
		txTimeout: defaultTxTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ── Evaluate ──────────────────────────────────────────────────────────────────

// Evaluate replaces the live step set of a subject with one pending step per
// matching rule and moves the subject to pending_approval, or back to draft
// when nothing matches. Decided steps are kept as history; each evaluation
// opens a new round and only the latest round decides the outcome.
func (e *ApprovalEngine) Evaluate(ctx context.Context, ref repository.SubjectRef, opts EvaluateOptions) (result *EvaluateResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.Evaluate",
		attribute.String("subject", ref.String()),
		attribute.Bool("force", opts.Force),
	)
	defer func() {
		e.observeError("evaluate", err)
		tracing.EndSpan(span, err)
	}()

	actor := actorOrSystem(opts.Actor)
	var events []Event

	err = e.inSubjectTx(ctx, "evaluate", ref, func(ctx context.Context, tx repository.LedgerTx) error {
		subject := tx.Subject()
		if subject.Status != repository.SubjectDraft && !opts.Force {
			result = &EvaluateResult{Status: subject.Status, StatusBefore: subject.Status, Unchanged: true}
			return nil
		}

		rules, err := e.rules.FindMatchingRules(ctx, repository.AttributesOf(subject))
		if err != nil {
			return asPersistence(err, "failed to query approval rules")
		}

		existing, err := tx.Steps(ctx)
		if err != nil {
			return err
		}
		round := latestRound(existing) + 1

		removed, err := tx.DeleteLiveSteps(ctx)
		if err != nil {
			return err
		}

		now := e.now()
		steps := make([]*repository.ApprovalStep, 0, len(rules))
		for _, rule := range rules {
			step, err := e.stepFromRule(ctx, rule, round, now)
			if err != nil {
				return err
			}
			if err := tx.InsertStep(ctx, step); err != nil {
				return err
			}
			steps = append(steps, step)
		}

		before := subject.Status
		status := repository.SubjectDraft
		if len(steps) > 0 {
			status = repository.SubjectPendingApproval
		}
		if status != before {
			if err := tx.SetSubjectStatus(ctx, status); err != nil {
				return err
			}
		}

		stepIDs := make([]int64, 0, len(steps))
		for _, s := range steps {
			stepIDs = append(stepIDs, s.ID)
		}
		e.appendAudit(ctx, tx, &repository.AuditEntry{
			Action:       repository.AuditEvaluated,
			PerformedBy:  actor,
			StatusBefore: statusPtr(before),
			StatusAfter:  statusPtr(status),
			Metadata: map[string]any{
				"forced":        opts.Force,
				"round":         round,
				"steps_created": stepIDs,
				"steps_removed": removed,
			},
		})

		result = &EvaluateResult{Status: status, StatusBefore: before, Steps: steps, Removed: removed}
		for _, s := range steps {
			events = append(events, Event{Kind: EventStepAssigned, Subject: ref, Reference: subject.Reference, Step: s, OccurredAt: now})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Unchanged {
		e.log.Debug().
			Str("subject", ref.String()).
			Str("status", string(result.Status)).
			Msg("Evaluation skipped: subject not in draft")
		return result, nil
	}

	metrics.EvaluationsTotal.WithLabelValues(string(ref.Kind), string(result.Status)).Inc()
	for _, s := range result.Steps {
		metrics.StepsCreatedTotal.WithLabelValues(string(ref.Kind), approverType(s.AssignedApprover)).Inc()
	}

	e.log.Info().
		Str("subject", ref.String()).
		Str("status_before", string(result.StatusBefore)).
		Str("status", string(result.Status)).
		Int("steps_created", len(result.Steps)).
		Int64("steps_removed", result.Removed).
		Msg("Approval workflow evaluated")

	e.publish(ctx, events)
	return result, nil
}

// stepFromRule builds the pending step for a rule, substituting an active
// delegate for a user approver. Group approvers are never substituted.
func (e *ApprovalEngine) stepFromRule(ctx context.Context, rule *repository.Rule, round int, now time.Time) (*repository.ApprovalStep, error) {
	ruleID := rule.ID
	step := &repository.ApprovalStep{
		RuleID:           &ruleID,
		RuleName:         rule.Name,
		StepOrder:        rule.Order,
		Round:            round,
		AssignedApprover: rule.Approver,
		Status:           repository.StepPending,
	}

	if rule.Approver.IsUser() {
		step.OriginalApprover = rule.Approver.UserID
		delegatee, ok, err := e.resolver.ActiveDelegate(ctx, rule.Approver.UserID, now)
		if err != nil {
			return nil, asPersistence(err, "failed to resolve delegation")
		}
		if ok {
			step.AssignedApprover = repository.UserApprover(delegatee)
			e.log.Debug().
				Int64("rule_id", rule.ID).
				Str("delegator", rule.Approver.UserID).
				Str("delegatee", delegatee).
				Msg("Approver substituted by active delegation")
		}
	}
	return step, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide approves or rejects a live step and recomputes the subject outcome
// in the same transaction. A decided step cannot be decided again.
func (e *ApprovalEngine) Decide(ctx context.Context, req DecideRequest) (result *DecideResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.Decide",
		attribute.Int64("step_id", req.StepID),
		attribute.String("decision", string(req.Decision)),
	)
	defer func() {
		e.observeError("decide", err)
		tracing.EndSpan(span, err)
	}()

	if req.Decision != DecisionApprove && req.Decision != DecisionReject {
		return nil, errors.InvalidInput("decision", "decision must be approve or reject")
	}

	ref, err := e.subjectOfStep(ctx, req.StepID)
	if err != nil {
		return nil, err
	}

	var events []Event
	err = e.inSubjectTx(ctx, "decide", ref, func(ctx context.Context, tx repository.LedgerTx) error {
		steps, err := tx.Steps(ctx)
		if err != nil {
			return err
		}
		step := findStep(steps, req.StepID)
		if step == nil {
			return errors.NotFound("approval_step", req.StepID)
		}
		if !step.Status.IsLive() {
			return errors.Conflict("step %d is not pending (status: %s)", step.ID, step.Status)
		}
		if err := e.assertCanAct(ctx, step, req.Actor); err != nil {
			return err
		}
		comments := strings.TrimSpace(req.Comments)
		if req.Decision == DecisionReject && comments == "" {
			return errors.InvalidInput("comments", "comments are required to reject a step")
		}

		now := e.now()
		step.Status = repository.StepApproved
		if req.Decision == DecisionReject {
			step.Status = repository.StepRejected
		}
		step.DecidedBy = &req.Actor
		step.DecidedAt = &now
		if comments != "" {
			step.Comments = &comments
		} else {
			step.Comments = nil
		}
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}

		before := tx.Subject().Status
		outcome, skipped, err := e.recompute(ctx, tx, req.Actor, now)
		if err != nil {
			return err
		}

		action := repository.AuditApproved
		if req.Decision == DecisionReject {
			action = repository.AuditRejected
		}
		stepID := step.ID
		e.appendAudit(ctx, tx, &repository.AuditEntry{
			StepID:       &stepID,
			Action:       action,
			PerformedBy:  req.Actor,
			StatusBefore: statusPtr(before),
			StatusAfter:  statusPtr(outcome),
			Metadata: map[string]any{
				"step_order":    step.StepOrder,
				"rule_name":     step.RuleName,
				"comments":      comments,
				"steps_skipped": skipped,
			},
		})

		result = &DecideResult{Step: step, SubjectStatus: outcome, Skipped: skipped}
		if outcome != before {
			events = append(events, outcomeEvents(ref, tx.Subject().Reference, step, outcome, now)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DecisionsTotal.WithLabelValues(string(req.Decision), string(result.SubjectStatus)).Inc()

	e.log.Info().
		Int64("step_id", req.StepID).
		Str("subject", ref.String()).
		Str("decision", string(req.Decision)).
		Str("actor", req.Actor).
		Str("subject_status", string(result.SubjectStatus)).
		Int("steps_skipped", len(result.Skipped)).
		Msg("Approval step decided")

	e.publish(ctx, events)
	return result, nil
}

// ── Recompute ─────────────────────────────────────────────────────────────────

// Recompute re-derives the status of a subject awaiting approval from its
// current step set in its own transaction. Any other status is returned as
// is. Decide calls the same logic inside its transaction.
func (e *ApprovalEngine) Recompute(ctx context.Context, ref repository.SubjectRef) (status repository.SubjectStatus, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.Recompute", attribute.String("subject", ref.String()))
	defer func() {
		e.observeError("recompute", err)
		tracing.EndSpan(span, err)
	}()

	var events []Event
	err = e.inSubjectTx(ctx, "recompute", ref, func(ctx context.Context, tx repository.LedgerTx) error {
		before := tx.Subject().Status
		now := e.now()
		outcome, _, err := e.recompute(ctx, tx, systemActor, now)
		if err != nil {
			return err
		}
		status = outcome
		if outcome != before {
			events = outcomeEvents(ref, tx.Subject().Reference, nil, outcome, now)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	e.publish(ctx, events)
	return status, nil
}

// recompute applies Aggregate to the current round: a rejection skips every
// live step and rejects the subject, otherwise live steps keep it pending
// and an all-decided round approves it. A round without decisions, or a
// subject that is not pending_approval, keeps its status.
func (e *ApprovalEngine) recompute(ctx context.Context, tx repository.LedgerTx, actor string, now time.Time) (repository.SubjectStatus, []int64, error) {
	subject := tx.Subject()
	if subject.Status != repository.SubjectPendingApproval {
		return subject.Status, nil, nil
	}

	steps, err := tx.Steps(ctx)
	if err != nil {
		return "", nil, err
	}

	outcome := Aggregate(steps)
	if outcome.Status == repository.SubjectDraft {
		return subject.Status, nil, nil
	}

	var skipped []int64
	if outcome.SkipLive {
		for _, s := range steps {
			if !s.Status.IsLive() {
				continue
			}
			s.Status = repository.StepSkipped
			if err := tx.UpdateStep(ctx, s); err != nil {
				return "", nil, err
			}
			skipped = append(skipped, s.ID)
		}
	}

	if outcome.Status != subject.Status {
		if err := tx.SetSubjectStatus(ctx, outcome.Status); err != nil {
			return "", nil, err
		}
		e.log.Debug().
			Str("subject", subject.Ref.String()).
			Str("status", string(outcome.Status)).
			Str("actor", actor).
			Time("at", now).
			Msg("Subject outcome recomputed")
	}
	return outcome.Status, skipped, nil
}

// ── Delegation ────────────────────────────────────────────────────────────────

// Delegate hands a live step to another user. The step becomes delegated and
// only the delegatee (or an admin) may decide it.
func (e *ApprovalEngine) Delegate(ctx context.Context, req DelegateRequest) (result *repository.ApprovalStep, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.Delegate", attribute.Int64("step_id", req.StepID))
	defer func() {
		e.observeError("delegate", err)
		tracing.EndSpan(span, err)
	}()

	ref, err := e.subjectOfStep(ctx, req.StepID)
	if err != nil {
		return nil, err
	}

	var events []Event
	err = e.inSubjectTx(ctx, "delegate", ref, func(ctx context.Context, tx repository.LedgerTx) error {
		steps, err := tx.Steps(ctx)
		if err != nil {
			return err
		}
		step := findStep(steps, req.StepID)
		if step == nil {
			return errors.NotFound("approval_step", req.StepID)
		}
		if !step.Status.IsLive() {
			return errors.Conflict("step %d is not pending (status: %s)", step.ID, step.Status)
		}
		if err := e.assertCanAct(ctx, step, req.Actor); err != nil {
			return err
		}
		reason := strings.TrimSpace(req.Reason)
		switch {
		case req.Delegatee == "":
			return errors.InvalidInput("delegatee", "delegatee is required")
		case req.Delegatee == req.Actor:
			return errors.InvalidInput("delegatee", "a user cannot delegate to themselves")
		case reason == "":
			return errors.InvalidInput("reason", "delegation reason is required")
		}

		previous := step.AssignedApprover
		if step.OriginalApprover == "" {
			step.OriginalApprover = req.Actor
		}
		step.AssignedApprover = repository.UserApprover(req.Delegatee)
		step.Status = repository.StepDelegated
		step.DelegatedReason = &reason
		if err := tx.UpdateStep(ctx, step); err != nil {
			return err
		}

		stepID := step.ID
		e.appendAudit(ctx, tx, &repository.AuditEntry{
			StepID:      &stepID,
			Action:      repository.AuditDelegated,
			PerformedBy: req.Actor,
			Metadata: map[string]any{
				"delegated_from": previous.String(),
				"delegated_to":   req.Delegatee,
				"reason":         reason,
				"step_order":     step.StepOrder,
			},
		})

		result = step
		events = append(events, Event{Kind: EventStepAssigned, Subject: ref, Reference: tx.Subject().Reference, Step: step, OccurredAt: e.now()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("step_id", req.StepID).
		Str("subject", ref.String()).
		Str("actor", req.Actor).
		Str("delegatee", req.Delegatee).
		Msg("Approval step delegated")

	e.publish(ctx, events)
	return result, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel lets the subject's creator (or an admin) withdraw a subject that is
// awaiting approval. Live steps are skipped and the subject is cancelled.
func (e *ApprovalEngine) Cancel(ctx context.Context, ref repository.SubjectRef, actor string) (result *CancelResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.Cancel", attribute.String("subject", ref.String()))
	defer func() {
		e.observeError("cancel", err)
		tracing.EndSpan(span, err)
	}()

	err = e.inSubjectTx(ctx, "cancel", ref, func(ctx context.Context, tx repository.LedgerTx) error {
		subject := tx.Subject()
		if subject.Status != repository.SubjectPendingApproval {
			return errors.Conflict("%s cannot be cancelled from status %s", ref, subject.Status)
		}
		if err := e.assertCanCancel(ctx, subject, actor); err != nil {
			return err
		}

		steps, err := tx.Steps(ctx)
		if err != nil {
			return err
		}
		var skipped []int64
		for _, s := range steps {
			if !s.Status.IsLive() {
				continue
			}
			s.Status = repository.StepSkipped
			if err := tx.UpdateStep(ctx, s); err != nil {
				return err
			}
			skipped = append(skipped, s.ID)
		}

		before := subject.Status
		if err := tx.SetSubjectStatus(ctx, repository.SubjectCancelled); err != nil {
			return err
		}

		e.appendAudit(ctx, tx, &repository.AuditEntry{
			Action:       repository.AuditCancelled,
			PerformedBy:  actor,
			StatusBefore: statusPtr(before),
			StatusAfter:  statusPtr(repository.SubjectCancelled),
			Metadata:     map[string]any{"steps_skipped": skipped},
		})

		result = &CancelResult{SubjectStatus: repository.SubjectCancelled, Skipped: skipped}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("subject", ref.String()).
		Str("actor", actor).
		Int("steps_skipped", len(result.Skipped)).
		Msg("Approval workflow cancelled")

	return result, nil
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// PendingFor returns the live steps a user can decide: those assigned to them
// directly or to a group they belong to.
func (e *ApprovalEngine) PendingFor(ctx context.Context, userID string) ([]*repository.ApprovalStep, error) {
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "user is required")
	}
	groups, err := e.directory.GroupsOf(ctx, userID)
	if err != nil {
		return nil, asPersistence(err, "failed to resolve groups")
	}
	return e.ledger.PendingForApprovers(ctx, userID, groups)
}

// Steps returns every step of a subject, live and historical.
func (e *ApprovalEngine) Steps(ctx context.Context, ref repository.SubjectRef) ([]*repository.ApprovalStep, error) {
	return e.ledger.StepsForSubject(ctx, ref)
}

// History returns the audit trail of a subject, oldest first.
func (e *ApprovalEngine) History(ctx context.Context, ref repository.SubjectRef) ([]*repository.AuditEntry, error) {
	return e.ledger.AuditTrail(ctx, ref)
}

// ── Authorization helper ──────────────────────────────────────────────────────

// assertCanAct checks that actor is the assigned user, a member of the
// assigned group, or an administrator.
func (e *ApprovalEngine) assertCanAct(ctx context.Context, step *repository.ApprovalStep, actor string) error {
	if actor == "" {
		return errors.Unauthorized("an actor is required to act on an approval step")
	}

	a := step.AssignedApprover
	if a.IsUser() && a.UserID == actor {
		return nil
	}
	if a.IsGroup() {
		member, err := e.directory.IsMember(ctx, actor, a.GroupID)
		if err != nil {
			return asPersistence(err, "failed to check group membership")
		}
		if member {
			return nil
		}
	}

	admin, err := e.directory.IsAdmin(ctx, actor)
	if err != nil {
		return asPersistence(err, "failed to check admin rights")
	}
	if admin {
		return nil
	}
	return errors.Unauthorized("user is not authorized to act on this approval step")
}

// assertCanCancel checks that actor created the subject or is an administrator.
func (e *ApprovalEngine) assertCanCancel(ctx context.Context, subject *repository.Subject, actor string) error {
	if actor == "" {
		return errors.Unauthorized("an actor is required to cancel")
	}
	if actor == subject.CreatedBy {
		return nil
	}
	admin, err := e.directory.IsAdmin(ctx, actor)
	if err != nil {
		return asPersistence(err, "failed to check admin rights")
	}
	if !admin {
		return errors.Unauthorized("only the creator or an administrator can cancel")
	}
	return nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// inSubjectTx runs fn under the subject lock with the transaction timeout
// and records its duration.
func (e *ApprovalEngine) inSubjectTx(ctx context.Context, op string, ref repository.SubjectRef, fn func(ctx context.Context, tx repository.LedgerTx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	start := time.Now()
	err := e.ledger.WithSubjectLock(txCtx, ref, fn)
	metrics.TransactionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		return asPersistence(err, op+" transaction failed")
	}
	return nil
}

func (e *ApprovalEngine) subjectOfStep(ctx context.Context, stepID int64) (repository.SubjectRef, error) {
	step, err := e.ledger.GetStep(ctx, stepID)
	if err != nil {
		return repository.SubjectRef{}, err
	}
	return step.Subject, nil
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error).
func (e *ApprovalEngine) appendAudit(ctx context.Context, tx repository.LedgerTx, entry *repository.AuditEntry) {
	if err := tx.AppendAudit(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("subject", tx.Subject().Ref.String()).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

// publish hands committed events to the notifier. Failures are logged only.
func (e *ApprovalEngine) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
			e.log.Warn().Err(err).
				Str("event", string(ev.Kind)).
				Str("subject", ev.Subject.String()).
				Msg("Failed to deliver approval notification")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(ev.Kind), "ok").Inc()
	}
}

func (e *ApprovalEngine) observeError(op string, err error) {
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues(op, string(errors.CodeOf(err))).Inc()
	}
}

func outcomeEvents(ref repository.SubjectRef, reference string, step *repository.ApprovalStep, status repository.SubjectStatus, now time.Time) []Event {
	switch status {
	case repository.SubjectApproved:
		return []Event{{Kind: EventSubjectApproved, Subject: ref, Reference: reference, Step: step, OccurredAt: now}}
	case repository.SubjectRejected:
		return []Event{{Kind: EventSubjectRejected, Subject: ref, Reference: reference, Step: step, OccurredAt: now}}
	}
	return nil
}

func findStep(steps []*repository.ApprovalStep, id int64) *repository.ApprovalStep {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// asPersistence keeps coded errors as they are and marks anything else as a
// persistence failure.
func asPersistence(err error, message string) error {
	var appErr *errors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return errors.Persistence(err, message)
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return systemActor
	}
	return actor
}

func approverType(a repository.Approver) string {
	if a.IsGroup() {
		return "group"
	}
	return "user"
}

func statusPtr(s repository.SubjectStatus) *string {
	v := string(s)
	return &v
}
