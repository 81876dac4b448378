package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// ApprovalRulesRepository handles CRUD for approval_rules and serves as the
// Rule Store for the evaluator.
type ApprovalRulesRepository struct {
	db *database.DB
}

// NewApprovalRulesRepository creates a new ApprovalRulesRepository.
func NewApprovalRulesRepository(db *database.DB) *ApprovalRulesRepository {
	return &ApprovalRulesRepository{db: db}
}

const ruleColumns = `
	id, name, rule_type, sort_order, is_active,
	min_amount, max_amount,
	all_departments, departments, all_projects, projects,
	templates, categories,
	approver_user_id, approver_group_id,
	created_at, updated_at
`

// CreateRule inserts a new approval rule after validating it.
func (r *ApprovalRulesRepository) CreateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO approval_rules
		    (name, rule_type, sort_order, is_active,
		     min_amount, max_amount,
		     all_departments, departments, all_projects, projects,
		     templates, categories,
		     approver_user_id, approver_group_id)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8, $9, $10,
		        $11, $12,
		        $13, $14)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.Name,
		string(rule.RuleType),
		rule.Order,
		rule.IsActive,
		rule.Scope.MinAmount,
		rule.Scope.MaxAmount,
		rule.Scope.AllDepartments,
		nonNilIDs(rule.Scope.Departments),
		rule.Scope.AllProjects,
		nonNilIDs(rule.Scope.Projects),
		nonNilIDs(rule.Scope.Templates),
		nonNilIDs(rule.Scope.Categories),
		nullIfEmpty(rule.Approver.UserID),
		nullIfEmpty(rule.Approver.GroupID),
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return errors.Persistence(err, "failed to create approval rule")
	}
	return nil
}

// GetRule retrieves a rule by primary key.
func (r *ApprovalRulesRepository) GetRule(ctx context.Context, id int64) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE id = $1`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to get approval rule")
	}
	return rule, nil
}

// List returns rules, optionally narrowed to one rule type and to active
// rules, in evaluation order.
func (r *ApprovalRulesRepository) List(ctx context.Context, ruleType SubjectKind, activeOnly bool) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM approval_rules WHERE ($1 = '' OR rule_type = $1)`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY sort_order ASC, id ASC"

	rows, err := r.db.Query(ctx, query, string(ruleType))
	if err != nil {
		return nil, errors.Persistence(err, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Persistence(err, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to list approval rules")
	}
	return rules, nil
}

// FindMatchingRules loads the active rules of the subject kind and returns
// the ones whose scope matches, ordered for step creation. The predicate is
// evaluated in Go so the same code serves every store.
func (r *ApprovalRulesRepository) FindMatchingRules(ctx context.Context, attrs RuleAttributes) ([]*Rule, error) {
	candidates, err := r.List(ctx, attrs.Kind, true)
	if err != nil {
		return nil, err
	}
	return SelectRules(candidates, attrs), nil
}

// UpdateRule persists changes to an existing rule. Steps already created keep the
// rule name they were created with.
func (r *ApprovalRulesRepository) UpdateRule(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE approval_rules
		SET name              = $2,
		    rule_type         = $3,
		    sort_order        = $4,
		    is_active         = $5,
		    min_amount        = $6,
		    max_amount        = $7,
		    all_departments   = $8,
		    departments       = $9,
		    all_projects      = $10,
		    projects          = $11,
		    templates         = $12,
		    categories        = $13,
		    approver_user_id  = $14,
		    approver_group_id = $15,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		rule.ID,
		rule.Name,
		string(rule.RuleType),
		rule.Order,
		rule.IsActive,
		rule.Scope.MinAmount,
		rule.Scope.MaxAmount,
		rule.Scope.AllDepartments,
		nonNilIDs(rule.Scope.Departments),
		rule.Scope.AllProjects,
		nonNilIDs(rule.Scope.Projects),
		nonNilIDs(rule.Scope.Templates),
		nonNilIDs(rule.Scope.Categories),
		nullIfEmpty(rule.Approver.UserID),
		nullIfEmpty(rule.Approver.GroupID),
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_rule", rule.ID)
	}
	if err != nil {
		return errors.Persistence(err, "failed to update approval rule")
	}
	return nil
}

// DeleteRule removes a rule. Steps created from it keep their name snapshot and
// lose the rule reference.
func (r *ApprovalRulesRepository) DeleteRule(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_rules WHERE id = $1`, id)
	if err != nil {
		return errors.Persistence(err, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_rule", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	rule := &Rule{}
	var ruleType string
	var userID, groupID *string

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&ruleType,
		&rule.Order,
		&rule.IsActive,
		&rule.Scope.MinAmount,
		&rule.Scope.MaxAmount,
		&rule.Scope.AllDepartments,
		&rule.Scope.Departments,
		&rule.Scope.AllProjects,
		&rule.Scope.Projects,
		&rule.Scope.Templates,
		&rule.Scope.Categories,
		&userID,
		&groupID,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.RuleType = SubjectKind(ruleType)
	rule.Approver = Approver{UserID: derefString(userID), GroupID: derefString(groupID)}
	return rule, nil
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
