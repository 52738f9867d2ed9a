package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	m := NewManager(store, "server-a", 0)
	item := primitive.NewObjectID()

	l, err := m.Acquire(ctx, "users", item, types.OpUpdate, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "server-a", l.ServerID)

	// Second acquisition conflicts while the lock is live.
	_, err = m.Acquire(ctx, "users", item, types.OpUpdate, "req-2")
	require.Error(t, err)
	assert.Equal(t, types.KindLockConflict, types.KindOf(err))

	require.NoError(t, m.Release(ctx, "users", l))
	_, err = m.Acquire(ctx, "users", item, types.OpDelete, "req-3")
	assert.NoError(t, err)
}

func TestAcquireReapsExpiredHolder(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	item := primitive.NewObjectID()

	// Simulate a dead holder with an already-expired lock.
	stale := &types.TransactionLock{
		ItemID:    item,
		Operation: types.OpCreate,
		LockedAt:  time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
		ServerID:  "dead-server",
	}
	require.NoError(t, store.InsertLock(ctx, "users", stale))

	m := NewManager(store, "server-b", time.Minute)
	l, err := m.Acquire(ctx, "users", item, types.OpUpdate, "")
	require.NoError(t, err, "expired lock must be reaped and re-acquired")
	assert.Equal(t, "server-b", l.ServerID)
}

func TestReleaseAll(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	m := NewManager(store, "server-a", time.Minute)

	for i := 0; i < 3; i++ {
		_, err := m.Acquire(ctx, "users", primitive.NewObjectID(), types.OpUpdate, "")
		require.NoError(t, err)
	}
	n, err := m.ReleaseAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemory()
	item := primitive.NewObjectID()

	stale := &types.TransactionLock{
		ItemID:    item,
		ExpiresAt: time.Now().Add(-time.Second),
		ServerID:  "dead",
	}
	require.NoError(t, store.InsertLock(ctx, "users", stale))

	r := NewReaper(
		func() []repo.Store { return []repo.Store{store} },
		10*time.Millisecond,
		func() []string { return []string{"users"} })
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		l, err := store.GetLock(ctx, "users", item)
		return err == nil && l == nil
	}, time.Second, 10*time.Millisecond)
}
