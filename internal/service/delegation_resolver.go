package service

import (
	"context"
	"time"
)

// DelegationResolver finds the user currently acting for another user.
type DelegationResolver struct {
	store DelegationStore
}

// NewDelegationResolver creates a new DelegationResolver.
func NewDelegationResolver(store DelegationStore) *DelegationResolver {
	return &DelegationResolver{store: store}
}

// ActiveDelegate returns the delegatee acting for user at now. When several
// delegations overlap, the most recently created one wins.
func (r *DelegationResolver) ActiveDelegate(ctx context.Context, user string, now time.Time) (string, bool, error) {
	delegations, err := r.store.ActiveDelegations(ctx, user, now)
	if err != nil {
		return "", false, err
	}

	var winner string
	var winnerID int64
	for _, d := range delegations {
		if !d.ActiveAt(now) || d.Delegator != user {
			continue
		}
		if winner == "" || d.ID > winnerID {
			winner, winnerID = d.Delegatee, d.ID
		}
	}
	return winner, winner != "", nil
}
