package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// SubjectTable maps a subject kind onto the table owned by its module.
// Attribute columns left empty or set to "none" read as NULL.
type SubjectTable struct {
	Kind             SubjectKind
	Table            string
	IDColumn         string
	StatusColumn     string
	AmountColumn     string
	DepartmentColumn string
	ProjectColumn    string
	TemplateColumn   string
	CategoryColumn   string
	CreatedByColumn  string
	ReferenceColumn  string
}

type subjectQueries struct {
	selectForUpdate string
	updateStatus    string
}

// SubjectRepository locks approvable subjects and updates their status
// across their owning tables.
type SubjectRepository struct {
	db      *database.DB
	queries map[SubjectKind]subjectQueries
}

// NewSubjectRepository builds the per-kind statements up front.
func NewSubjectRepository(db *database.DB, tables []SubjectTable) (*SubjectRepository, error) {
	r := &SubjectRepository{db: db, queries: make(map[SubjectKind]subjectQueries, len(tables))}
	for _, t := range tables {
		if t.Kind == "" || t.Table == "" || t.IDColumn == "" || t.StatusColumn == "" {
			return nil, fmt.Errorf("subject table for %q needs table, id and status columns", t.Kind)
		}
		r.queries[t.Kind] = buildSubjectQueries(t)
	}
	return r, nil
}

func buildSubjectQueries(t SubjectTable) subjectQueries {
	table := quoteIdent(t.Table)
	id := quoteIdent(t.IDColumn)
	status := quoteIdent(t.StatusColumn)

	selectList := strings.Join([]string{
		id,
		status + "::TEXT",
		optionalColumn(t.AmountColumn, "BIGINT"),
		optionalColumn(t.DepartmentColumn, "BIGINT"),
		optionalColumn(t.ProjectColumn, "BIGINT"),
		optionalColumn(t.TemplateColumn, "BIGINT"),
		optionalColumn(t.CategoryColumn, "BIGINT"),
		optionalColumn(t.CreatedByColumn, "TEXT"),
		optionalColumn(t.ReferenceColumn, "TEXT"),
	}, ", ")

	return subjectQueries{
		selectForUpdate: fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 FOR UPDATE", selectList, table, id),
		updateStatus:    fmt.Sprintf("UPDATE %s SET %s = $2 WHERE %s = $1", table, status, id),
	}
}

func quoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func optionalColumn(name, typ string) string {
	if name == "" || name == "none" {
		return "NULL::" + typ
	}
	return quoteIdent(name) + "::" + typ
}

// lockForUpdate reads the subject row and holds its row lock for the rest of
// the transaction.
func (r *SubjectRepository) lockForUpdate(ctx context.Context, tx pgx.Tx, ref SubjectRef) (*Subject, error) {
	q, err := r.queriesFor(ref.Kind)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, tx, q.selectForUpdate, ref)
}

func (r *SubjectRepository) updateStatus(ctx context.Context, q database.Querier, ref SubjectRef, status SubjectStatus) error {
	qs, err := r.queriesFor(ref.Kind)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, qs.updateStatus, ref.ID, string(status))
	if err != nil {
		return errors.Persistence(err, "failed to update subject status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(string(ref.Kind), ref.ID)
	}
	return nil
}

func (r *SubjectRepository) load(ctx context.Context, q database.Querier, query string, ref SubjectRef) (*Subject, error) {
	s := &Subject{Ref: SubjectRef{Kind: ref.Kind}}
	var status string
	var createdBy, reference *string

	err := q.QueryRow(ctx, query, ref.ID).Scan(
		&s.Ref.ID,
		&status,
		&s.Amount,
		&s.Department,
		&s.Project,
		&s.Template,
		&s.Category,
		&createdBy,
		&reference,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(string(ref.Kind), ref.ID)
	}
	if err != nil {
		return nil, errors.Persistence(err, "failed to load subject")
	}

	s.Status = SubjectStatus(status)
	s.CreatedBy = derefString(createdBy)
	s.Reference = derefString(reference)
	return s, nil
}

func (r *SubjectRepository) queriesFor(kind SubjectKind) (subjectQueries, error) {
	q, ok := r.queries[kind]
	if !ok {
		return subjectQueries{}, errors.InvalidInput("kind", fmt.Sprintf("unknown subject kind %q", kind))
	}
	return q, nil
}
