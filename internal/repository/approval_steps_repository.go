package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// ApprovalStepsRepository reads and writes approval steps. Writes take a
// Querier so they run inside the subject transaction opened by ApprovalStore.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

const stepColumns = `
	id, subject_kind, subject_id, rule_id, rule_name, step_order, round,
	assigned_user_id, assigned_group_id, original_user_id,
	status, decided_by, decided_at, comments, delegated_reason,
	created_at, updated_at
`

// GetByID returns a single step.
func (r *ApprovalStepsRepository) GetByID(ctx context.Context, id int64) (*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps WHERE id = $1`

	step, err := scanStep(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_step", id)
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to get approval step")
	}
	return step, nil
}

// GetBySubject returns every step of a subject, live and historical.
func (r *ApprovalStepsRepository) GetBySubject(ctx context.Context, ref SubjectRef) ([]*ApprovalStep, error) {
	return r.listBySubject(ctx, r.db, ref)
}

// GetPendingForApprovers returns live steps assigned to the user directly or
// to any of the given groups.
func (r *ApprovalStepsRepository) GetPendingForApprovers(ctx context.Context, userID string, groupIDs []string) ([]*ApprovalStep, error) {
	if groupIDs == nil {
		groupIDs = []string{}
	}

	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE status IN ('pending', 'delegated')
		  AND (assigned_user_id = $1 OR assigned_group_id = ANY($2))
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, userID, groupIDs)
	if err != nil {
		return nil, errors.Persistence(err, "failed to get pending approvals")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

func (r *ApprovalStepsRepository) listBySubject(ctx context.Context, q database.Querier, ref SubjectRef) ([]*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY step_order ASC, id ASC
	`

	rows, err := q.Query(ctx, query, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to get approval steps")
	}
	defer rows.Close()

	return scanStepRows(rows)
}

func (r *ApprovalStepsRepository) insert(ctx context.Context, q database.Querier, s *ApprovalStep) error {
	query := `
		INSERT INTO approval_steps
		    (subject_kind, subject_id, rule_id, rule_name, step_order, round,
		     assigned_user_id, assigned_group_id, original_user_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err := q.QueryRow(ctx, query,
		string(s.Subject.Kind),
		s.Subject.ID,
		s.RuleID,
		s.RuleName,
		s.StepOrder,
		s.Round,
		nullIfEmpty(s.AssignedApprover.UserID),
		nullIfEmpty(s.AssignedApprover.GroupID),
		s.OriginalApprover,
		string(s.Status),
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return errors.Persistence(err, "failed to create approval step")
	}
	return nil
}

// update writes the mutable fields of a step: status, assignment and the
// decision record.
func (r *ApprovalStepsRepository) update(ctx context.Context, q database.Querier, s *ApprovalStep) error {
	query := `
		UPDATE approval_steps
		SET status            = $2,
		    assigned_user_id  = $3,
		    assigned_group_id = $4,
		    decided_by        = $5,
		    decided_at        = $6,
		    comments          = $7,
		    delegated_reason  = $8,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRow(ctx, query,
		s.ID,
		string(s.Status),
		nullIfEmpty(s.AssignedApprover.UserID),
		nullIfEmpty(s.AssignedApprover.GroupID),
		s.DecidedBy,
		s.DecidedAt,
		s.Comments,
		s.DelegatedReason,
	).Scan(&s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_step", s.ID)
	}
	if err != nil {
		return errors.Persistence(err, "failed to update approval step")
	}
	return nil
}

// deleteLive removes the pending and delegated steps of a subject. Decided
// steps are never touched.
func (r *ApprovalStepsRepository) deleteLive(ctx context.Context, q database.Querier, ref SubjectRef) (int64, error) {
	query := `
		DELETE FROM approval_steps
		WHERE subject_kind = $1 AND subject_id = $2
		  AND status IN ('pending', 'delegated')
	`

	tag, err := q.Exec(ctx, query, string(ref.Kind), ref.ID)
	if err != nil {
		return 0, errors.Persistence(err, "failed to delete live approval steps")
	}
	return tag.RowsAffected(), nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	var kind, status string
	var userID, groupID *string

	err := row.Scan(
		&s.ID,
		&kind,
		&s.Subject.ID,
		&s.RuleID,
		&s.RuleName,
		&s.StepOrder,
		&s.Round,
		&userID,
		&groupID,
		&s.OriginalApprover,
		&status,
		&s.DecidedBy,
		&s.DecidedAt,
		&s.Comments,
		&s.DelegatedReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Subject.Kind = SubjectKind(kind)
	s.Status = StepStatus(status)
	s.AssignedApprover = Approver{UserID: derefString(userID), GroupID: derefString(groupID)}
	return s, nil
}

func scanStepRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to read approval steps")
	}
	return steps, nil
}
