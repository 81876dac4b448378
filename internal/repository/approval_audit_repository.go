package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// GetBySubject returns the full audit trail for a subject ordered oldest-first.
func (r *ApprovalAuditRepository) GetBySubject(ctx context.Context, ref SubjectRef) ([]*AuditEntry, error) {
	query := `
		SELECT id, subject_kind, subject_id, step_id,
		       action, performed_by, performed_at,
		       status_before, status_after,
		       metadata
		FROM approval_audit_log
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to get audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// append inserts one audit entry. Entries without an ID get a fresh UUID.
// This is the only mutation the log supports.
func (r *ApprovalAuditRepository) append(ctx context.Context, q database.Querier, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, subject_kind, subject_id, step_id,
		     action, performed_by,
		     status_before, status_after,
		     metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8,
		        $9)
		RETURNING performed_at
	`

	err := q.QueryRow(ctx, query,
		entry.ID,
		string(entry.Subject.Kind),
		entry.Subject.ID,
		entry.StepID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return errors.Persistence(err, "failed to append audit entry")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Persistence(err, "failed to read audit log")
	}
	return entries, nil
}

func scanAuditEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var kind string
	var id uuid.UUID
	var metadataJSON []byte

	err := sc.Scan(
		&id,
		&kind,
		&entry.Subject.ID,
		&entry.StepID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Persistence(err, "failed to scan audit entry")
	}
	entry.ID = id.String()
	entry.Subject.Kind = SubjectKind(kind)

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
