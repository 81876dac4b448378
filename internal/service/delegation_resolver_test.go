package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
)

// delegationStoreFunc adapts a function to DelegationStore.
type delegationStoreFunc func(ctx context.Context, delegator string, now time.Time) ([]*repository.Delegation, error)

func (fn delegationStoreFunc) ActiveDelegations(ctx context.Context, delegator string, now time.Time) ([]*repository.Delegation, error) {
	return fn(ctx, delegator, now)
}

func TestActiveDelegate(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore("")
	window := func(delegatee string, start, end time.Duration, active bool) *repository.Delegation {
		return &repository.Delegation{Delegator: "alice", Delegatee: delegatee,
			Start: fixedNow.Add(start), End: fixedNow.Add(end), IsActive: active}
	}
	for _, d := range []*repository.Delegation{
		window("bob", -time.Hour, time.Hour, true),
		window("carol", -time.Hour, time.Hour, true),
		window("dave", time.Hour, 2*time.Hour, true),
	} {
		require.NoError(t, store.CreateDelegation(ctx, d))
	}
	resolver := NewDelegationResolver(store)

	got, ok, err := resolver.ActiveDelegate(ctx, "alice", fixedNow)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "carol", got, "most recently created delegation wins")

	got, ok, err = resolver.ActiveDelegate(ctx, "alice", fixedNow.Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dave", got)

	_, ok, err = resolver.ActiveDelegate(ctx, "alice", fixedNow.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = resolver.ActiveDelegate(ctx, "nobody", fixedNow)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActiveDelegate_IgnoresRowsOutsideWindow(t *testing.T) {
	stale := delegationStoreFunc(func(context.Context, string, time.Time) ([]*repository.Delegation, error) {
		return []*repository.Delegation{
			{ID: 9, Delegator: "alice", Delegatee: "late", Start: fixedNow.Add(time.Hour), End: fixedNow.Add(2 * time.Hour), IsActive: true},
			{ID: 3, Delegator: "alice", Delegatee: "ok", Start: fixedNow.Add(-time.Hour), End: fixedNow.Add(time.Hour), IsActive: true},
		}, nil
	})

	got, ok, err := NewDelegationResolver(stale).ActiveDelegate(context.Background(), "alice", fixedNow)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ok", got)
}

func TestActiveDelegate_StoreError(t *testing.T) {
	failing := delegationStoreFunc(func(context.Context, string, time.Time) ([]*repository.Delegation, error) {
		return nil, stderrors.New("db down")
	})

	_, ok, err := NewDelegationResolver(failing).ActiveDelegate(context.Background(), "alice", fixedNow)
	assert.Error(t, err)
	assert.False(t, ok)
}
