package chronos

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/engine"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

func clientConfig() *config.Config {
	return &config.Config{
		DBConnections: map[string]string{"db1": "mongodb://localhost:27017"},
		SpacesConnections: map[string]config.SpacesConn{
			"sp1": {Endpoint: "http://127.0.0.1:9000", Region: "us-east-1", AccessKey: "ak", SecretKey: "sk"},
		},
		Databases: config.Databases{
			Metadata: config.TieredFamily{
				GenericDatabase: &config.DatabaseEntry{
					DBConnRef: "db1", SpaceConnRef: "sp1", DBName: "meta", Bucket: "chronos",
				},
			},
		},
		CollectionMaps: map[string]config.CollectionMap{
			"users": {IndexedProps: []string{"email"}},
		},
		Fallback: config.Fallback{Enabled: true},
	}
}

func memOptions() Options {
	return Options{
		ServerID: "test-node",
		RepoFactory: func(ctx context.Context, uri, dbName string) (repo.Store, error) {
			return repo.NewMemory(), nil
		},
		BlobFactory: func(ctx context.Context, conn config.SpacesConn) (blob.Store, error) {
			return blob.NewMemory(), nil
		},
		PollInterval:  10 * time.Millisecond,
		DisableReaper: true,
	}
}

func TestInitAndShutdown(t *testing.T) {
	ctx := context.Background()
	c, err := Init(ctx, clientConfig(), memOptions())
	require.NoError(t, err)
	assert.Equal(t, "test-node", c.ServerID())
	require.NotNil(t, c.Engine)
	require.NotNil(t, c.Queue)

	created, err := c.Engine.Create(ctx, types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierGeneric,
		Collection:   "users",
	}, types.Document{"email": "a@x"}, engine.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), created.OV)

	require.NoError(t, c.Shutdown(ctx))
}

func TestInitRejectsInvalidConfig(t *testing.T) {
	_, err := Init(context.Background(), &config.Config{}, memOptions())
	require.Error(t, err)
}

func TestInitRequiresDatabaseEntry(t *testing.T) {
	cfg := clientConfig()
	cfg.Databases = config.Databases{}
	_, err := Init(context.Background(), cfg, memOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database entries")
}

func TestHealthReportsBackends(t *testing.T) {
	ctx := context.Background()
	c, err := Init(ctx, clientConfig(), memOptions())
	require.NoError(t, err)
	defer func() { _ = c.Shutdown(ctx) }()

	// Dial the backend pair so the probes have something to report on.
	_, err = c.Engine.Create(ctx, types.RouteContext{
		DatabaseType: types.DBMetadata,
		Tier:         types.TierGeneric,
		Collection:   "users",
	}, types.Document{"email": "a@x"}, engine.CreateOptions{})
	require.NoError(t, err)

	results := c.Health(ctx)
	require.NotEmpty(t, results)
	for name, res := range results {
		assert.True(t, res.Healthy, "%s unhealthy: %s", name, res.Message)
	}
}
