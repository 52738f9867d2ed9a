package lock

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

// DefaultTTL bounds the liveness window of a single mutation. It must
// exceed the worst-case blob write latency plus the document commit.
const DefaultTTL = 30 * time.Second

// Manager acquires and releases per-item advisory locks. The unique itemId
// index in the lock collection serializes mutations across the whole
// deployment; an in-process mutex would not.
type Manager struct {
	store    repo.Store
	serverID string
	ttl      time.Duration
}

// NewManager builds a lock manager for one server identity.
func NewManager(store repo.Store, serverID string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, serverID: serverID, ttl: ttl}
}

// TTL reports the configured lock lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire inserts a lock for the item. On conflict it reaps expired locks
// once and retries; a live holder yields LockConflict.
func (m *Manager) Acquire(ctx context.Context, collection string, itemID primitive.ObjectID, op types.Op, requestID string) (*types.TransactionLock, error) {
	lock := &types.TransactionLock{
		ItemID:    itemID,
		Operation: op,
		LockedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(m.ttl),
		ServerID:  m.serverID,
		RequestID: requestID,
	}
	err := m.store.InsertLock(ctx, collection, lock)
	if err == nil {
		return lock, nil
	}
	if !types.IsKind(err, types.KindLockConflict) {
		return nil, err
	}

	// The holder may be dead. Reap anything expired and retry once.
	if _, reapErr := m.store.DeleteExpiredLocks(ctx, collection, time.Now().UTC()); reapErr != nil {
		log.Component("lock").Warn().Err(reapErr).
			Str("collection", collection).Msg("failed to reap expired locks")
		return nil, err
	}
	lock.LockedAt = time.Now().UTC()
	lock.ExpiresAt = lock.LockedAt.Add(m.ttl)
	if err := m.store.InsertLock(ctx, collection, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// Release deletes the lock by its id. Used on the success path.
func (m *Manager) Release(ctx context.Context, collection string, lock *types.TransactionLock) error {
	return m.store.DeleteLock(ctx, collection, lock.ID)
}

// ReleaseItem deletes whatever lock covers the item. Used during
// compensation when the lock document may have been replaced.
func (m *Manager) ReleaseItem(ctx context.Context, collection string, itemID primitive.ObjectID) error {
	return m.store.DeleteLockByItem(ctx, collection, itemID)
}

// ReleaseAll removes every lock owned by this server. Called at shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) (int64, error) {
	return m.store.DeleteLocksByServer(ctx, m.serverID)
}

// Reaper periodically sweeps expired locks in a set of collections so an
// interrupted mutation does not block its item until manual intervention.
type Reaper struct {
	stores      func() []repo.Store
	interval    time.Duration
	collections func() []string
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// NewReaper builds a reaper. stores and collections are consulted on every
// sweep so lazily-opened backends and newly-touched collections are picked
// up.
func NewReaper(stores func() []repo.Store, interval time.Duration, collections func() []string) *Reaper {
	if interval <= 0 {
		interval = DefaultTTL
	}
	return &Reaper{
		stores:      stores,
		interval:    interval,
		collections: collections,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the loop and waits for the in-flight sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().UTC()
	for _, store := range r.stores() {
		for _, collection := range r.collections() {
			n, err := store.DeleteExpiredLocks(ctx, collection, now)
			if err != nil {
				log.Component("lock").Warn().Err(err).
					Str("collection", collection).Msg("lock sweep failed")
				continue
			}
			if n > 0 {
				metrics.LocksReaped.Add(float64(n))
				log.Component("lock").Info().Int64("reaped", n).
					Str("collection", collection).Msg("reaped expired locks")
			}
		}
	}
}
