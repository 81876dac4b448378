package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
)

// LedgerTx is the write surface of one subject transaction. Every method acts
// on the subject whose lock the transaction holds.
type LedgerTx interface {
	// Subject returns the subject as read under the lock.
	Subject() *Subject
	// Steps returns every step of the subject ordered by (StepOrder, ID).
	Steps(ctx context.Context) ([]*ApprovalStep, error)
	// DeleteLiveSteps removes pending and delegated steps and reports how many.
	DeleteLiveSteps(ctx context.Context) (int64, error)
	InsertStep(ctx context.Context, step *ApprovalStep) error
	UpdateStep(ctx context.Context, step *ApprovalStep) error
	SetSubjectStatus(ctx context.Context, status SubjectStatus) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// ApprovalStore runs subject transactions on Postgres and serves the
// read-side ledger queries.
type ApprovalStore struct {
	db       *database.DB
	subjects *SubjectRepository
	steps    *ApprovalStepsRepository
	audit    *ApprovalAuditRepository
}

// NewApprovalStore creates a new ApprovalStore.
func NewApprovalStore(db *database.DB, subjects *SubjectRepository) *ApprovalStore {
	return &ApprovalStore{
		db:       db,
		subjects: subjects,
		steps:    NewApprovalStepsRepository(db),
		audit:    NewApprovalAuditRepository(db),
	}
}

// WithSubjectLock opens a transaction, locks the subject row with
// SELECT ... FOR UPDATE and runs fn. fn's error rolls everything back.
func (s *ApprovalStore) WithSubjectLock(ctx context.Context, ref SubjectRef, fn func(ctx context.Context, tx LedgerTx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		subject, err := s.subjects.lockForUpdate(ctx, tx, ref)
		if err != nil {
			return err
		}
		return fn(ctx, &pgLedgerTx{store: s, tx: tx, subject: subject})
	})
}

// GetStep returns a single step.
func (s *ApprovalStore) GetStep(ctx context.Context, id int64) (*ApprovalStep, error) {
	return s.steps.GetByID(ctx, id)
}

// StepsForSubject returns every step of a subject.
func (s *ApprovalStore) StepsForSubject(ctx context.Context, ref SubjectRef) ([]*ApprovalStep, error) {
	return s.steps.GetBySubject(ctx, ref)
}

// PendingForApprovers returns live steps assigned to the user or the groups.
func (s *ApprovalStore) PendingForApprovers(ctx context.Context, userID string, groupIDs []string) ([]*ApprovalStep, error) {
	return s.steps.GetPendingForApprovers(ctx, userID, groupIDs)
}

// AuditTrail returns the audit log of a subject, oldest first.
func (s *ApprovalStore) AuditTrail(ctx context.Context, ref SubjectRef) ([]*AuditEntry, error) {
	return s.audit.GetBySubject(ctx, ref)
}

type pgLedgerTx struct {
	store   *ApprovalStore
	tx      pgx.Tx
	subject *Subject
}

func (t *pgLedgerTx) Subject() *Subject { return t.subject }

func (t *pgLedgerTx) Steps(ctx context.Context) ([]*ApprovalStep, error) {
	return t.store.steps.listBySubject(ctx, t.tx, t.subject.Ref)
}

func (t *pgLedgerTx) DeleteLiveSteps(ctx context.Context) (int64, error) {
	return t.store.steps.deleteLive(ctx, t.tx, t.subject.Ref)
}

func (t *pgLedgerTx) InsertStep(ctx context.Context, step *ApprovalStep) error {
	step.Subject = t.subject.Ref
	return t.store.steps.insert(ctx, t.tx, step)
}

func (t *pgLedgerTx) UpdateStep(ctx context.Context, step *ApprovalStep) error {
	return t.store.steps.update(ctx, t.tx, step)
}

func (t *pgLedgerTx) SetSubjectStatus(ctx context.Context, status SubjectStatus) error {
	if err := t.store.subjects.updateStatus(ctx, t.tx, t.subject.Ref, status); err != nil {
		return err
	}
	t.subject.Status = status
	return nil
}

func (t *pgLedgerTx) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	entry.Subject = t.subject.Ref
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}

	// A failed INSERT aborts the enclosing transaction; the savepoint keeps
	// audit failures from taking the workflow change down with them.
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := t.store.audit.append(ctx, sp, entry); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}
