package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		DBConnections: map[string]string{
			"c1": "mongodb://db1:27017",
			"c2": "mongodb://db2:27017",
		},
		SpacesConnections: map[string]config.SpacesConn{
			"s1": {Endpoint: "https://s1", Region: "r1"},
			"s2": {Endpoint: "https://s2", Region: "r1"},
		},
	}
	cfg.Databases.Metadata.GenericDatabase = &config.DatabaseEntry{
		DBConnRef: "c1", SpaceConnRef: "s1", DBName: "meta_generic", Bucket: "b-generic",
	}
	cfg.Databases.Metadata.TenantDatabases = []config.DatabaseEntry{
		{DBConnRef: "c1", SpaceConnRef: "s1", DBName: "meta_t1", TenantID: "t1", Bucket: "b1"},
		{DBConnRef: "c2", SpaceConnRef: "s2", DBName: "meta_t2", TenantID: "t2", Bucket: "b2"},
	}
	cfg.Databases.Knowledge.TenantDatabases = []config.DatabaseEntry{
		{DBConnRef: "c1", SpaceConnRef: "s1", DBName: "pool_0", Bucket: "b0"},
		{DBConnRef: "c2", SpaceConnRef: "s2", DBName: "pool_1", Bucket: "b1"},
		{DBConnRef: "c2", SpaceConnRef: "s1", DBName: "pool_2", Bucket: "b2"},
	}
	return cfg
}

func fakeFactories() Options {
	return Options{
		RepoFactory: func(ctx context.Context, uri, dbName string) (repo.Store, error) {
			return repo.NewMemory(), nil
		},
		BlobFactory: func(ctx context.Context, conn config.SpacesConn) (blob.Store, error) {
			return blob.NewMemory(), nil
		},
	}
}

func TestResolveTaggedTenant(t *testing.T) {
	r := New(testConfig(), fakeFactories())
	route, err := r.Resolve(context.Background(), types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierTenant,
		TenantID:     "t2",
		Collection:   "users",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "meta_t2", route.Database)
	assert.Equal(t, "b2", route.Buckets.Records)
}

func TestResolveDeterministicHashing(t *testing.T) {
	r := New(testConfig(), fakeFactories())
	rc := types.RouteContext{
		DatabaseType: types.DBKnowledge,
		Tier:         types.TierTenant,
		TenantID:     "untagged-tenant",
		Collection:   "articles",
	}

	first, err := r.Resolve(context.Background(), rc, "item-1")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(context.Background(), rc, "item-1")
		require.NoError(t, err)
		assert.Equal(t, first.Database, again.Database, "same key must route identically")
	}

	// Different items spread across the pool.
	seen := map[string]bool{}
	for _, item := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		route, err := r.Resolve(context.Background(), rc, item)
		require.NoError(t, err)
		seen[route.Database] = true
	}
	assert.Greater(t, len(seen), 1, "rendezvous hashing should use more than one backend")
}

func TestResolveJumpHash(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.HashAlgo = config.HashJump
	r := New(cfg, fakeFactories())
	rc := types.RouteContext{
		DatabaseType: types.DBKnowledge,
		Tier:         types.TierTenant,
		TenantID:     "x",
		Collection:   "articles",
	}
	first, err := r.Resolve(context.Background(), rc, "item-1")
	require.NoError(t, err)
	again, err := r.Resolve(context.Background(), rc, "item-1")
	require.NoError(t, err)
	assert.Equal(t, first.Database, again.Database)
}

func TestResolveForcedIndex(t *testing.T) {
	r := New(testConfig(), fakeFactories())
	idx := 2
	route, err := r.Resolve(context.Background(), types.RouteContext{
		DatabaseType:       types.DBKnowledge,
		Tier:               types.TierTenant,
		TenantID:           "x",
		Collection:         "articles",
		ForcedBackendIndex: &idx,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "pool_2", route.Database)

	bad := 9
	_, err = r.Resolve(context.Background(), types.RouteContext{
		DatabaseType:       types.DBKnowledge,
		Tier:               types.TierTenant,
		TenantID:           "x",
		Collection:         "articles",
		ForcedBackendIndex: &bad,
	}, "")
	require.Error(t, err)
	assert.Equal(t, types.KindRouteMismatch, types.KindOf(err))
}

func TestResolveValidation(t *testing.T) {
	r := New(testConfig(), fakeFactories())

	_, err := r.Resolve(context.Background(), types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierTenant,
		Collection:   "users",
	}, "")
	require.Error(t, err, "tenant tier requires tenantId")
	assert.Equal(t, types.KindRouteMismatch, types.KindOf(err))

	_, err = r.Resolve(context.Background(), types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierGeneric,
	}, "")
	require.Error(t, err, "collection is required")
}

func TestClientCacheReuse(t *testing.T) {
	opens := 0
	opts := Options{
		RepoFactory: func(ctx context.Context, uri, dbName string) (repo.Store, error) {
			opens++
			return repo.NewMemory(), nil
		},
		BlobFactory: func(ctx context.Context, conn config.SpacesConn) (blob.Store, error) {
			return blob.NewMemory(), nil
		},
	}
	r := New(testConfig(), opts)
	rc := types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierTenant,
		TenantID:     "t1",
		Collection:   "users",
	}
	for i := 0; i < 5; i++ {
		_, err := r.Resolve(context.Background(), rc, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, opens, "same URI+db must reuse the cached client")

	require.NoError(t, r.Shutdown(context.Background()))
	assert.Empty(t, r.Stores())
}

func TestJumpHashDistribution(t *testing.T) {
	// All buckets reachable, stable for fixed keys.
	seen := map[int32]int{}
	for key := uint64(0); key < 1000; key++ {
		b := jumpHash(key, 4)
		require.GreaterOrEqual(t, b, int32(0))
		require.Less(t, b, int32(4))
		seen[b]++
	}
	assert.Len(t, seen, 4)
}

func TestRoutingKeyTemplate(t *testing.T) {
	r := New(testConfig(), fakeFactories())

	rc := types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierTenant,
		TenantID:     "t1",
		Domain:       "eu",
		Collection:   "users",
	}
	assert.Equal(t, "t1|metadata|users:item-1", r.routingKey(rc, "item-1"))

	// Same context, different family: the key carries the discriminator.
	rc.DatabaseType = types.DBKnowledge
	assert.Equal(t, "t1|knowledge|users:item-1", r.routingKey(rc, "item-1"))

	cfg := testConfig()
	cfg.Routing.ChooseKey = "{domain}/{dbType}/{collection}"
	custom := New(cfg, fakeFactories())
	assert.Equal(t, "eu/knowledge/users", custom.routingKey(rc, "item-1"))
}
