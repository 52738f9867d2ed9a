package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/fallback"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/router"
	"github.com/chronos-db/chronos/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		DBConnections: map[string]string{"db1": "mongodb://localhost:27017"},
		SpacesConnections: map[string]config.SpacesConn{
			"sp1": {Endpoint: "http://127.0.0.1:9000", Region: "us-east-1", AccessKey: "ak", SecretKey: "sk", ForcePathStyle: true},
		},
		Databases: config.Databases{
			Metadata: config.TieredFamily{
				GenericDatabase: &config.DatabaseEntry{
					DBConnRef: "db1", SpaceConnRef: "sp1", DBName: "meta_generic", Bucket: "chronos",
				},
				DomainsDatabases: []config.DatabaseEntry{
					{DBConnRef: "db1", SpaceConnRef: "sp1", DBName: "meta_eu", Domain: "eu", Bucket: "chronos"},
				},
				TenantDatabases: []config.DatabaseEntry{
					{DBConnRef: "db1", SpaceConnRef: "sp1", DBName: "meta_t1", TenantID: "t1", Bucket: "chronos"},
				},
			},
		},
		CollectionMaps: map[string]config.CollectionMap{
			"users":    {IndexedProps: []string{"email", "status"}},
			"settings": {IndexedProps: []string{"kind"}},
		},
		DevShadow: config.DevShadow{Enabled: true, TTLHours: 24, MaxBytesPerDoc: 1 << 20},
		Fallback:  config.Fallback{Enabled: true},
	}
}

type env struct {
	cfg    *config.Config
	stores map[string]*repo.MemStore
	blobs  *blob.MemStore
	queue  *fallback.Queue
	eng    *Engine
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	stores := map[string]*repo.MemStore{
		"meta_generic": repo.NewMemory(),
		"meta_eu":      repo.NewMemory(),
		"meta_t1":      repo.NewMemory(),
	}
	var mu sync.Mutex
	blobs := blob.NewMemory()
	rt := router.New(cfg, router.Options{
		RepoFactory: func(ctx context.Context, uri, dbName string) (repo.Store, error) {
			mu.Lock()
			defer mu.Unlock()
			if s, ok := stores[dbName]; ok {
				return s, nil
			}
			s := repo.NewMemory()
			stores[dbName] = s
			return s, nil
		},
		BlobFactory: func(ctx context.Context, conn config.SpacesConn) (blob.Store, error) {
			return blobs, nil
		},
	})

	queue := fallback.NewQueue(stores["meta_generic"], cfg.Fallback)
	eng := New(rt, cfg, "test-server", nil, queue)
	return &env{cfg: cfg, stores: stores, blobs: blobs, queue: queue, eng: eng}
}

func genericRC(collection string) types.RouteContext {
	return types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierGeneric,
		Collection:   collection,
	}
}

func TestCreateUpdateReadLatest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{
		"email": "a@x", "tags": []interface{}{"u"},
	}, CreateOptions{Actor: "tester"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.OV)
	assert.Equal(t, int64(1), created.CV)

	updated, err := e.eng.Update(ctx, rc, created.ID, types.Document{
		"email": "a@x", "tags": []interface{}{"u", "v"}, "status": "active",
	}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.OV)
	assert.Equal(t, created.CV+1, updated.CV)

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{IncludeMeta: true})
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, "active", view.Item["status"])
	assert.Equal(t, []interface{}{"u", "v"}, view.Item["tags"])
	require.NotNil(t, view.Meta)
	assert.Equal(t, int64(1), view.Meta.OV)

	// Historical read at ov=0 still sees the original tags.
	ov0 := int64(0)
	old, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{OV: &ov0})
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, []interface{}{"u"}, old.Item["tags"])
}

func TestCreateInsertedAtMatchesVersionZero(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)

	ver, err := e.stores["meta_generic"].GetVersion(ctx, "users", created.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, ver)

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	sys, ok := view.Item[types.SystemKey].(map[string]interface{})
	require.True(t, ok)
	insertedAt, err := time.Parse(time.RFC3339Nano, sys["insertedAt"].(string))
	require.NoError(t, err)
	assert.True(t, insertedAt.Equal(ver.At))
}

func TestCreateCarriesLineage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")
	parent := primitive.NewObjectID().Hex()

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "child@x"}, CreateOptions{
		Lineage: &types.Lineage{ParentID: parent, ParentCollection: "accounts"},
	})
	require.NoError(t, err)

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	sys := view.Item[types.SystemKey].(map[string]interface{})
	assert.Equal(t, parent, sys["parentId"])
	assert.Equal(t, "accounts", sys["parentCollection"])
	// Origin defaults to the parent edge.
	assert.Equal(t, parent, sys["originId"])
	assert.Equal(t, "accounts", sys["originCollection"])
}

func TestEnrichArrayUnionAndProvenance(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{
		"tags": []interface{}{"u"},
		"meta": map[string]interface{}{"score": float64(10)},
	}, CreateOptions{})
	require.NoError(t, err)

	res, err := e.eng.Enrich(ctx, rc, created.ID, types.Document{
		"tags": []interface{}{"vip"},
		"meta": map[string]interface{}{"level": float64(5)},
	}, EnrichOptions{FunctionID: "scorer@v1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.OV)

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"u", "vip"}, view.Item["tags"])
	meta := view.Item["meta"].(map[string]interface{})
	assert.Equal(t, float64(10), meta["score"])
	assert.Equal(t, float64(5), meta["level"])
	sys := view.Item[types.SystemKey].(map[string]interface{})
	assert.Equal(t, []interface{}{"scorer@v1"}, sys["functionIds"])

	// The version record stays in the create/update/delete/restore domain.
	ver, err := e.stores["meta_generic"].GetVersion(ctx, "users", created.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, ver)
	assert.Equal(t, types.OpUpdate, ver.Op)
}

func TestEnrichEmptyPatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)

	res, err := e.eng.Enrich(ctx, rc, created.ID, types.Document{}, EnrichOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.OV, "no new version for an empty patch")

	vers, err := e.stores["meta_generic"].ListVersions(ctx, "users", created.ID, 10)
	require.NoError(t, err)
	assert.Len(t, vers, 1)
}

func TestEnrichIdenticalPatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"tags": []interface{}{"u"}}, CreateOptions{})
	require.NoError(t, err)
	first, err := e.eng.Enrich(ctx, rc, created.ID, types.Document{"tags": []interface{}{"vip"}}, EnrichOptions{FunctionID: "f1"})
	require.NoError(t, err)

	// Union deduplicates and the provenance id is already recorded.
	second, err := e.eng.Enrich(ctx, rc, created.ID, types.Document{"tags": []interface{}{"vip"}}, EnrichOptions{FunctionID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, first.OV, second.OV)
}

func TestUpdateOptimisticLockConflict(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)

	expected := int64(0)
	_, err = e.eng.Update(ctx, rc, created.ID, types.Document{"email": "b@x"}, UpdateOptions{ExpectedOV: &expected})
	require.NoError(t, err)

	// Second writer raced on the same expected version.
	_, err = e.eng.Update(ctx, rc, created.ID, types.Document{"email": "c@x"}, UpdateOptions{ExpectedOV: &expected})
	require.Error(t, err)
	assert.Equal(t, types.KindOptimisticLock, types.KindOf(err))
}

func TestUpdateMissingItem(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	_, err := e.eng.Update(ctx, rc, primitive.NewObjectID(), types.Document{"email": "x"}, UpdateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestLogicalDeleteThenRestore(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x", "n": float64(1)}, CreateOptions{})
	require.NoError(t, err)
	_, err = e.eng.Update(ctx, rc, created.ID, types.Document{"email": "a@x", "n": float64(2)}, UpdateOptions{})
	require.NoError(t, err)

	del, err := e.eng.Delete(ctx, rc, created.ID, DeleteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), del.OV)

	// Default reads hide the tombstone.
	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	assert.Nil(t, view)

	view, err = e.eng.GetItem(ctx, rc, created.ID, ReadOptions{IncludeDeleted: true, IncludeMeta: true})
	require.NoError(t, err)
	require.NotNil(t, view)
	require.NotNil(t, view.Meta)
	assert.NotNil(t, view.Meta.DeletedAt)

	// Restore to ov=1 resurrects the item with a pointer flip.
	target := int64(1)
	res, err := e.eng.RestoreObject(ctx, rc, created.ID, RestoreTarget{OV: &target}, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.OV)
	assert.Equal(t, int64(1), res.RestoredFrom)
	assert.False(t, res.NoOp)

	v1, err := e.stores["meta_generic"].GetVersion(ctx, "users", created.ID, 1)
	require.NoError(t, err)
	v3, err := e.stores["meta_generic"].GetVersion(ctx, "users", created.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, v1.Key, v3.Key, "restore reuses the target snapshot blob")

	view, err = e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, float64(2), view.Item["n"])
}

func TestRestoreToCurrentIsNoOp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)

	target := int64(0)
	res, err := e.eng.RestoreObject(ctx, rc, created.ID, RestoreTarget{OV: &target}, RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, int64(0), res.OV)

	vers, err := e.stores["meta_generic"].ListVersions(ctx, "users", created.ID, 10)
	require.NoError(t, err)
	assert.Len(t, vers, 1)
}

func TestRestoreByTimestamp(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"n": float64(1)}, CreateOptions{})
	require.NoError(t, err)
	afterCreate := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	_, err = e.eng.Update(ctx, rc, created.ID, types.Document{"n": float64(2)}, UpdateOptions{})
	require.NoError(t, err)

	res, err := e.eng.RestoreObject(ctx, rc, created.ID, RestoreTarget{At: &afterCreate}, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RestoredFrom)

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), view.Item["n"])
}

func TestCompensationOnDocCommitFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	e.stores["meta_generic"].FailHeadCommits = 1
	_, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.KindDocCommit, types.KindOf(err))

	// The orphaned snapshot blob was compensated away.
	assert.Equal(t, 0, e.blobs.Len())

	// The transient failure left a retryable op on the queue.
	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestTransientBlobFailureRecoversViaRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	// Blob store fails twice, then succeeds: the create lands via retries.
	e.blobs.FailPuts = 2
	_, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.KindStorageTransient, types.KindOf(err))

	var itemID primitive.ObjectID
	deadline := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 3; i++ {
		due, err := e.queue.Due(ctx, deadline, 10)
		require.NoError(t, err)
		if len(due) == 0 {
			break
		}
		op := due[0]
		itemID = *op.ItemID
		if rerr := e.eng.Retry(ctx, op); rerr != nil {
			_, ferr := e.queue.Fail(ctx, op, rerr)
			require.NoError(t, ferr)
			continue
		}
		require.NoError(t, e.queue.Complete(ctx, op))
	}

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	dead, err := e.queue.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	// Exactly one version at ov=0 exists for the preallocated id.
	vers, err := e.stores["meta_generic"].ListVersions(ctx, "users", itemID, 10)
	require.NoError(t, err)
	require.Len(t, vers, 1)
	assert.Equal(t, int64(0), vers[0].OV)
}

func TestRetryCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)

	// A stale retry of an already-applied create changes nothing.
	op := &types.FallbackOp{
		Op:      types.OpCreate,
		Route:   types.RouteOf(rc),
		ItemID:  &created.ID,
		Payload: types.Document{"email": "a@x"},
	}
	require.NoError(t, e.eng.Retry(ctx, op))

	vers, err := e.stores["meta_generic"].ListVersions(ctx, "users", created.ID, 10)
	require.NoError(t, err)
	assert.Len(t, vers, 1)
}

func TestFallbackDisabledByZeroAttempts(t *testing.T) {
	ctx := context.Background()
	zero := 0
	e := newEnv(t, func(cfg *config.Config) {
		cfg.Fallback.MaxAttempts = &zero
	})
	rc := genericRC("users")

	e.blobs.FailPuts = 1
	_, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.Error(t, err)

	depth, err := e.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "maxAttempts=0 disables enqueue")
}

func TestHardDeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	off := false
	e := newEnv(t, func(cfg *config.Config) {
		cfg.LogicalDelete.Enabled = &off
	})
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)
	_, err = e.eng.Update(ctx, rc, created.ID, types.Document{"email": "b@x"}, UpdateOptions{})
	require.NoError(t, err)

	_, err = e.eng.Delete(ctx, rc, created.ID, DeleteOptions{})
	require.NoError(t, err)

	head, err := e.stores["meta_generic"].GetHead(ctx, "users", created.ID)
	require.NoError(t, err)
	assert.Nil(t, head)
	vers, err := e.stores["meta_generic"].ListVersions(ctx, "users", created.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, vers)

	// Snapshot blobs survive until the administrative sweep.
	assert.Equal(t, 2, e.blobs.Len())
	removed, err := e.eng.PurgeItemBlobs(ctx, rc, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, e.blobs.Len())
}

func TestCollectionRestore(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	a, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)
	b, err := e.eng.Create(ctx, rc, types.Document{"email": "b@x"}, CreateOptions{})
	require.NoError(t, err)
	targetCV := b.CV

	_, err = e.eng.Update(ctx, rc, a.ID, types.Document{"email": "a2@x"}, UpdateOptions{})
	require.NoError(t, err)

	// Dry run reports the one item that would move.
	dry, err := e.eng.RestoreCollection(ctx, rc, CollectionRestoreTarget{CV: &targetCV}, CollectionRestoreOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, dry.Planned)
	assert.Equal(t, 0, dry.Restored)

	res, err := e.eng.RestoreCollection(ctx, rc, CollectionRestoreTarget{CV: &targetCV}, CollectionRestoreOptions{Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failures)

	view, err := e.eng.GetItem(ctx, rc, a.ID, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a@x", view.Item["email"])
}

func TestListByMeta(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	_, err := e.eng.Create(ctx, rc, types.Document{"email": "a@x", "status": "active"}, CreateOptions{})
	require.NoError(t, err)
	_, err = e.eng.Create(ctx, rc, types.Document{"email": "b@x", "status": "inactive"}, CreateOptions{})
	require.NoError(t, err)

	views, err := e.eng.ListByMeta(ctx, rc, ListOptions{
		Filter:      map[string]interface{}{"status": "active"},
		IncludeMeta: true,
	})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "a@x", views[0].Item["email"])
}

func TestRestoreFromManifestAfterPrune(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{"n": float64(1)}, CreateOptions{})
	require.NoError(t, err)
	updated, err := e.eng.Update(ctx, rc, created.ID, types.Document{"n": float64(2)}, UpdateOptions{})
	require.NoError(t, err)

	key, count, err := e.eng.WriteManifest(ctx, rc, 0, updated.CV)
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.Equal(t, 2, count)

	// Retention pruned the hot version records; the manifest still resolves
	// the old snapshot.
	_, err = e.stores["meta_generic"].DeleteVersions(ctx, "users", created.ID)
	require.NoError(t, err)

	target := int64(0)
	res, err := e.eng.RestoreObject(ctx, rc, created.ID, RestoreTarget{OV: &target}, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RestoredFrom)

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), view.Item["n"])
}

func TestTieredFirstMatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedTiers(ctx, t, e)

	res, err := e.eng.GetMetadata(ctx, "settings", map[string]interface{}{"kind": "theme"}, TieredOptions{
		TenantID: "t1", Domain: "eu",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TierTenant, res.Tier)
	assert.Equal(t, "dark", res.Record["theme"])
}

func TestTieredMerge(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	seedTiers(ctx, t, e)

	res, err := e.eng.GetMetadata(ctx, "settings", map[string]interface{}{"kind": "theme"}, TieredOptions{
		TenantID: "t1", Domain: "eu", Merge: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []types.Tier{types.TierGeneric, types.TierDomain, types.TierTenant}, res.TiersFound)
	assert.Equal(t, "dark", res.Record["theme"])
	assert.Equal(t, []interface{}{"a", "b", "c"}, res.Record["features"])
	settings := res.Record["settings"].(map[string]interface{})
	assert.Equal(t, float64(60), settings["timeout"])
	assert.Equal(t, float64(3), settings["retries"])
	assert.Len(t, res.PerTier, 3)
}

func seedTiers(ctx context.Context, t *testing.T, e *env) {
	t.Helper()
	_, err := e.eng.Create(ctx, types.RouteContext{
		DatabaseType: types.DBMetadata, Tier: types.TierGeneric, Collection: "settings",
	}, types.Document{
		"kind": "theme", "theme": "light",
		"features": []interface{}{"a"},
		"settings": map[string]interface{}{"timeout": float64(30)},
	}, CreateOptions{})
	require.NoError(t, err)

	_, err = e.eng.Create(ctx, types.RouteContext{
		DatabaseType: types.DBMetadata, Tier: types.TierDomain, Domain: "eu", Collection: "settings",
	}, types.Document{
		"kind":     "theme",
		"features": []interface{}{"b"},
		"settings": map[string]interface{}{"retries": float64(3)},
	}, CreateOptions{})
	require.NoError(t, err)

	_, err = e.eng.Create(ctx, types.RouteContext{
		DatabaseType: types.DBMetadata, Tier: types.TierTenant, TenantID: "t1", Collection: "settings",
	}, types.Document{
		"kind": "theme", "theme": "dark",
		"features": []interface{}{"c"},
		"settings": map[string]interface{}{"timeout": float64(60)},
	}, CreateOptions{})
	require.NoError(t, err)
}

func TestProjectionAndSnapshotReadWithoutShadow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(cfg *config.Config) {
		cfg.DevShadow.Enabled = false
	})
	rc := genericRC("users")

	created, err := e.eng.Create(ctx, rc, types.Document{
		"email": "a@x", "status": "active", "bio": "hello",
	}, CreateOptions{})
	require.NoError(t, err)

	head, err := e.stores["meta_generic"].GetHead(ctx, "users", created.ID)
	require.NoError(t, err)
	assert.Nil(t, head.FullShadow, "shadow disabled")

	view, err := e.eng.GetItem(ctx, rc, created.ID, ReadOptions{Projection: []string{"email"}})
	require.NoError(t, err)
	assert.Equal(t, "a@x", view.Item["email"])
	assert.NotContains(t, view.Item, "status")
	assert.Contains(t, view.Item, types.SystemKey)
}

func TestMergedTierRecordMatchesScenario(t *testing.T) {
	// Merge without tenant credentials only sees the generic tier.
	ctx := context.Background()
	e := newEnv(t, nil)
	seedTiers(ctx, t, e)

	res, err := e.eng.GetMetadata(ctx, "settings", map[string]interface{}{"kind": "theme"}, TieredOptions{Merge: true})
	require.NoError(t, err)
	assert.Equal(t, []types.Tier{types.TierGeneric}, res.TiersFound)
	assert.Equal(t, "light", res.Record["theme"])
}

// staleReadStore serves one stale head read over a transactional store,
// standing in for a writer that lands between this writer's read and its
// commit.
type staleReadStore struct {
	*repo.MemStore
	mu    sync.Mutex
	stale *types.HeadRecord
}

func (s *staleReadStore) GetHead(ctx context.Context, collection string, id primitive.ObjectID) (*types.HeadRecord, error) {
	s.mu.Lock()
	h := s.stale
	s.stale = nil
	s.mu.Unlock()
	if h != nil {
		return h, nil
	}
	return s.MemStore.GetHead(ctx, collection, id)
}

func (s *staleReadStore) SupportsTransactions() bool { return true }

func TestUpdateConflictInTransactionIsOptimisticLock(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	store := &staleReadStore{MemStore: repo.NewMemory()}
	blobs := blob.NewMemory()
	rt := router.New(cfg, router.Options{
		RepoFactory: func(ctx context.Context, uri, dbName string) (repo.Store, error) {
			return store, nil
		},
		BlobFactory: func(ctx context.Context, conn config.SpacesConn) (blob.Store, error) {
			return blobs, nil
		},
	})
	queue := fallback.NewQueue(store, cfg.Fallback)
	eng := New(rt, cfg, "test-server", nil, queue)
	rc := genericRC("users")

	created, err := eng.Create(ctx, rc, types.Document{"email": "a@x"}, CreateOptions{})
	require.NoError(t, err)

	// A concurrent writer moves the head to ov=1 after this writer observed
	// ov=0.
	observed, err := store.MemStore.GetHead(ctx, "users", created.ID)
	require.NoError(t, err)
	moved := *observed
	moved.OV = 1
	ok, err := store.MemStore.UpdateHead(ctx, "users", &moved, 0)
	require.NoError(t, err)
	require.True(t, ok)

	store.mu.Lock()
	store.stale = observed
	store.mu.Unlock()

	// The CAS miss happens inside the transactional commit and must surface
	// as a conflict, not as a retryable commit failure.
	_, err = eng.Update(ctx, rc, created.ID, types.Document{"email": "b@x"}, UpdateOptions{})
	require.Error(t, err)
	assert.Equal(t, types.KindOptimisticLock, types.KindOf(err))

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth, "conflicts are not retried")
}
