package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/errors"
)

// GroupDirectoryRepository answers group membership questions from the
// approval_group_members table. Members of the admin group may act on any step.
type GroupDirectoryRepository struct {
	db         *database.DB
	adminGroup string
}

// NewGroupDirectoryRepository creates a new GroupDirectoryRepository.
func NewGroupDirectoryRepository(db *database.DB, adminGroup string) *GroupDirectoryRepository {
	return &GroupDirectoryRepository{db: db, adminGroup: adminGroup}
}

// IsMember reports whether the user belongs to the group.
func (r *GroupDirectoryRepository) IsMember(ctx context.Context, userID, groupID string) (bool, error) {
	query := `
		SELECT EXISTS (
		    SELECT 1 FROM approval_group_members WHERE group_id = $1 AND user_id = $2
		)
	`

	var ok bool
	if err := r.db.QueryRow(ctx, query, groupID, userID).Scan(&ok); err != nil {
		return false, errors.Persistence(err, "failed to check group membership")
	}
	return ok, nil
}

// GroupsOf lists the groups a user belongs to.
func (r *GroupDirectoryRepository) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT group_id FROM approval_group_members WHERE user_id = $1 ORDER BY group_id`, userID)
	if err != nil {
		return nil, errors.Persistence(err, "failed to list groups")
	}

	groups, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Persistence(err, "failed to scan groups")
	}
	return groups, nil
}

// IsAdmin reports whether the user may override step assignment.
func (r *GroupDirectoryRepository) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if r.adminGroup == "" {
		return false, nil
	}
	return r.IsMember(ctx, userID, r.adminGroup)
}

// AddMember puts a user into a group. Adding an existing member is a no-op.
func (r *GroupDirectoryRepository) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO approval_group_members (group_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, userID)
	if err != nil {
		return errors.Persistence(err, "failed to add group member")
	}
	return nil
}

// RemoveMember takes a user out of a group.
func (r *GroupDirectoryRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM approval_group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return errors.Persistence(err, "failed to remove group member")
	}
	return nil
}
