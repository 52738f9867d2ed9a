package repo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/types"
)

// SortField orders a head listing.
type SortField struct {
	Field string
	Desc  bool
}

// HeadQuery selects heads by safe metadata filter with cursor pagination.
type HeadQuery struct {
	// Filter maps metaIndexed field names (or "updatedAt") to either a
	// scalar (equality) or a map of safe operators. See BuildMetaFilter.
	Filter map[string]interface{}

	Sort           []SortField
	AfterID        *primitive.ObjectID
	Limit          int64
	IncludeDeleted bool
}

// Store is the typed document-store access layer for the four physical
// collections behind every logical collection ({X}_head, {X}_ver,
// {X}_counter, {X}_locks) plus the process-wide fallback queue.
//
// Implementations return (nil, nil) for point lookups that find nothing;
// typed failures are reserved for real errors.
type Store interface {
	// EnsureIndexes creates the index set for a logical collection
	// idempotently. indexedProps adds per-property partial indexes under
	// metaIndexed.*.
	EnsureIndexes(ctx context.Context, collection string, indexedProps []string) error

	// Heads.
	GetHead(ctx context.Context, collection string, id primitive.ObjectID) (*types.HeadRecord, error)
	InsertHead(ctx context.Context, collection string, head *types.HeadRecord) error
	// UpdateHead commits a head mutation guarded by the optimistic
	// predicate ov == expectedOV. Returns false when the predicate missed.
	UpdateHead(ctx context.Context, collection string, head *types.HeadRecord, expectedOV int64) (bool, error)
	DeleteHead(ctx context.Context, collection string, id primitive.ObjectID) error
	ListHeads(ctx context.Context, collection string, q HeadQuery) ([]*types.HeadRecord, error)

	// Versions.
	InsertVersion(ctx context.Context, collection string, ver *types.VersionRecord) error
	GetVersion(ctx context.Context, collection string, id primitive.ObjectID, ov int64) (*types.VersionRecord, error)
	// LatestVersionAt returns the newest version with at <= t, ties broken
	// by ov descending.
	LatestVersionAt(ctx context.Context, collection string, id primitive.ObjectID, t time.Time) (*types.VersionRecord, error)
	// LatestVersionAtCV returns the newest version with cv <= target.
	LatestVersionAtCV(ctx context.Context, collection string, id primitive.ObjectID, targetCV int64) (*types.VersionRecord, error)
	ListVersions(ctx context.Context, collection string, id primitive.ObjectID, limit int64) ([]*types.VersionRecord, error)
	// ListVersionsByCV pages version records of the whole collection in cv
	// order, for manifest rollups.
	ListVersionsByCV(ctx context.Context, collection string, fromCV, toCV int64, limit int64) ([]*types.VersionRecord, error)
	// MaxCVAt resolves the highest cv committed at or before t.
	MaxCVAt(ctx context.Context, collection string, t time.Time) (int64, error)
	// ListVersionSnapshotsAt returns, for each item, its newest version
	// with at <= t, filtered and paginated like a head listing. As-of
	// queries walk _ver rather than _head.
	ListVersionSnapshotsAt(ctx context.Context, collection string, t time.Time, q HeadQuery) ([]*types.VersionRecord, error)
	DeleteVersions(ctx context.Context, collection string, id primitive.ObjectID) (int64, error)

	// Counter.
	IncCV(ctx context.Context, collection string) (int64, error)
	CurrentCV(ctx context.Context, collection string) (int64, error)

	// Locks. InsertLock fails with KindLockConflict on a duplicate itemId.
	InsertLock(ctx context.Context, collection string, lock *types.TransactionLock) error
	GetLock(ctx context.Context, collection string, itemID primitive.ObjectID) (*types.TransactionLock, error)
	DeleteLock(ctx context.Context, collection string, lockID primitive.ObjectID) error
	DeleteLockByItem(ctx context.Context, collection string, itemID primitive.ObjectID) error
	DeleteExpiredLocks(ctx context.Context, collection string, now time.Time) (int64, error)
	// DeleteLocksByServer releases every lock owned by a server across all
	// collections this store has touched. Used at shutdown.
	DeleteLocksByServer(ctx context.Context, serverID string) (int64, error)

	// Fallback queue and dead letter.
	EnqueueFallback(ctx context.Context, op *types.FallbackOp) error
	DueFallbacks(ctx context.Context, now time.Time, limit int64) ([]*types.FallbackOp, error)
	RescheduleFallback(ctx context.Context, op *types.FallbackOp) error
	DeleteFallback(ctx context.Context, id primitive.ObjectID) error
	FallbackDepth(ctx context.Context) (int64, error)
	InsertDeadLetter(ctx context.Context, op *types.FallbackOp) error
	ListDeadLetters(ctx context.Context, limit int64) ([]*types.FallbackOp, error)
	GetDeadLetter(ctx context.Context, id primitive.ObjectID) (*types.FallbackOp, error)
	DeleteDeadLetter(ctx context.Context, id primitive.ObjectID) error

	// Transactions. WithTransaction runs fn inside a multi-document
	// transaction when the topology supports one and sequentially
	// otherwise.
	SupportsTransactions() bool
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close(ctx context.Context) error
}

// Physical collection suffixes.
const (
	SuffixHead    = "_head"
	SuffixVer     = "_ver"
	SuffixCounter = "_counter"
	SuffixLocks   = "_locks"
)

// FallbackCollection holds queued fallback operations.
const FallbackCollection = "chronos_fallback_ops"
