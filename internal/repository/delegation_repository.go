package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// DelegationRepository stores standing delegations of approval authority.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

// CreateDelegation validates and inserts a delegation.
func (r *DelegationRepository) CreateDelegation(ctx context.Context, d *Delegation) error {
	if err := d.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO approval_delegations (delegator, delegatee, starts_at, ends_at, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query, d.Delegator, d.Delegatee, d.Start, d.End, d.IsActive).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return errors.Persistence(err, "failed to create delegation")
	}
	return nil
}

// DeactivateDelegation switches a delegation off without deleting it.
func (r *DelegationRepository) DeactivateDelegation(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE approval_delegations SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return errors.Persistence(err, "failed to deactivate delegation")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("delegation", id)
	}
	return nil
}

// ActiveDelegations returns the delegations of a delegator whose window
// contains now, newest first.
func (r *DelegationRepository) ActiveDelegations(ctx context.Context, delegator string, now time.Time) ([]*Delegation, error) {
	query := `
		SELECT id, delegator, delegatee, starts_at, ends_at, is_active, created_at
		FROM approval_delegations
		WHERE delegator = $1
		  AND is_active
		  AND starts_at <= $2
		  AND ends_at >= $2
		ORDER BY id DESC
	`

	rows, err := r.db.Query(ctx, query, delegator, now)
	if err != nil {
		return nil, errors.Persistence(err, "failed to get delegations")
	}
	defer rows.Close()

	delegations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Delegation, error) {
		d := &Delegation{}
		err := row.Scan(&d.ID, &d.Delegator, &d.Delegatee, &d.Start, &d.End, &d.IsActive, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, errors.Persistence(err, "failed to scan delegation")
	}
	return delegations, nil
}
