package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

// Route is the resolved backend pair for one operation.
type Route struct {
	Repo     repo.Store
	Blob     blob.Store
	Database string
	Buckets  config.BucketSet

	// AnalyticsDB names the analytics database for runtime routes.
	AnalyticsDB string

	// BackendIndex is the position of the chosen entry within the
	// candidate pool, for diagnostics.
	BackendIndex int

	Collection string
	Context    types.RouteContext
}

// RepoFactory opens a document-store handle for a URI and database name.
type RepoFactory func(ctx context.Context, uri, dbName string) (repo.Store, error)

// BlobFactory opens an object-store handle for a connection.
type BlobFactory func(ctx context.Context, conn config.SpacesConn) (blob.Store, error)

// Options configures a Router. Factories default to the Mongo and S3/Azure
// adapters; tests inject in-memory stores.
type Options struct {
	RepoFactory RepoFactory
	BlobFactory BlobFactory
}

// Router maps routing contexts to concrete backend pairs. Connection
// handles are lazily instantiated and cached by URI; Shutdown closes them.
type Router struct {
	cfg *config.Config

	repoFactory RepoFactory
	blobFactory BlobFactory

	mu    sync.Mutex
	repos map[string]repo.Store // uri \x00 dbName
	blobs map[string]blob.Store // spaceConnRef, or "local"
}

// New builds a router over a validated configuration.
func New(cfg *config.Config, opts Options) *Router {
	r := &Router{
		cfg:         cfg,
		repoFactory: opts.RepoFactory,
		blobFactory: opts.BlobFactory,
		repos:       make(map[string]repo.Store),
		blobs:       make(map[string]blob.Store),
	}
	if r.repoFactory == nil {
		r.repoFactory = func(ctx context.Context, uri, dbName string) (repo.Store, error) {
			return repo.Connect(ctx, uri, dbName, repo.MongoOptions{
				DeadLetterCollection: cfg.Fallback.DeadLetter(),
				Transactions:         cfg.Transactions.Enabled,
				AutoDetect:           cfg.Transactions.AutoDetect,
			})
		}
	}
	if r.blobFactory == nil {
		r.blobFactory = defaultBlobFactory
	}
	return r
}

func defaultBlobFactory(ctx context.Context, conn config.SpacesConn) (blob.Store, error) {
	if conn.Azure {
		return blob.NewAzure(blob.AzureOptions{
			AccountName: conn.AccountName,
			AccountKey:  conn.AccountKey,
			Endpoint:    conn.Endpoint,
		})
	}
	return blob.NewS3(ctx, blob.S3Options{
		Endpoint:       conn.Endpoint,
		Region:         conn.Region,
		AccessKey:      conn.AccessKey,
		SecretKey:      conn.SecretKey,
		ForcePathStyle: conn.ForcePathStyle,
	})
}

// Resolve selects the backend pair for a routing context. itemID feeds the
// routing key when present (it is empty for collection-level operations).
func (r *Router) Resolve(ctx context.Context, rc types.RouteContext, itemID string) (*Route, error) {
	if rc.Collection == "" {
		return nil, routeErr(rc, "collection is required")
	}
	switch rc.Tier {
	case types.TierTenant:
		if rc.TenantID == "" {
			return nil, routeErr(rc, "tenantId is required for the tenant tier")
		}
	case types.TierDomain:
		if rc.Domain == "" {
			return nil, routeErr(rc, "domain is required for the domain tier")
		}
	case types.TierGeneric, "":
	default:
		return nil, routeErr(rc, fmt.Sprintf("unknown tier %q", rc.Tier))
	}

	entries, err := r.cfg.Family(rc.DatabaseType, rc.Tier)
	if err != nil {
		return nil, routeErr(rc, err.Error())
	}
	pool := filterPool(entries, rc)
	if len(pool) == 0 {
		return nil, routeErr(rc, "no database entry matches the routing context")
	}

	idx := 0
	if rc.ForcedBackendIndex != nil {
		idx = *rc.ForcedBackendIndex
		if idx < 0 || idx >= len(pool) {
			return nil, routeErr(rc, fmt.Sprintf("forced backend index %d out of range [0,%d)", idx, len(pool)))
		}
	} else if len(pool) > 1 {
		idx = r.choose(rc, pool, itemID)
	}
	entry := pool[idx]

	store, err := r.repoFor(ctx, entry)
	if err != nil {
		return nil, err
	}
	blobStore, err := r.blobFor(ctx, entry)
	if err != nil {
		return nil, err
	}

	return &Route{
		Repo:         store,
		Blob:         blobStore,
		Database:     entry.DBName,
		Buckets:      entry.Buckets(),
		AnalyticsDB:  entry.AnalyticsDBName,
		BackendIndex: idx,
		Collection:   rc.Collection,
		Context:      rc,
	}, nil
}

// filterPool narrows entries to those tagged for the context's tenant or
// domain; untagged pools are kept whole and disambiguated by hashing.
func filterPool(entries []config.DatabaseEntry, rc types.RouteContext) []config.DatabaseEntry {
	var tagged []config.DatabaseEntry
	for _, e := range entries {
		switch rc.Tier {
		case types.TierTenant:
			if e.TenantID == rc.TenantID {
				tagged = append(tagged, e)
			}
		case types.TierDomain:
			if e.Domain == rc.Domain {
				tagged = append(tagged, e)
			}
		}
	}
	if len(tagged) > 0 {
		return tagged
	}
	return entries
}

// choose picks a pool member deterministically from the routing key.
func (r *Router) choose(rc types.RouteContext, pool []config.DatabaseEntry, itemID string) int {
	key := r.routingKey(rc, itemID)
	if r.cfg.Routing.HashAlgo == config.HashJump {
		return int(jumpHash(xxhash.Sum64String(key), len(pool)))
	}
	// Rendezvous: highest combined digest wins.
	best, bestIdx := uint64(0), 0
	for i, e := range pool {
		w := xxhash.Sum64String(key + "#" + e.DBConnRef + "|" + e.SpaceConnRef + "|" + e.DBName)
		if w >= best {
			best, bestIdx = w, i
		}
	}
	return bestIdx
}

// routingKey renders the chooseKey template; the default is
// "tenantId|dbType|collection:itemId". The key selects among a family's
// candidate entries, so the concrete database name is not known yet;
// {dbType} carries the family discriminator.
func (r *Router) routingKey(rc types.RouteContext, itemID string) string {
	tpl := r.cfg.Routing.ChooseKey
	if tpl == "" {
		tpl = "{tenantId}|{dbType}|{collection}:{itemId}"
	}
	repl := strings.NewReplacer(
		"{tenantId}", rc.TenantID,
		"{dbType}", string(rc.DatabaseType),
		"{collection}", rc.Collection,
		"{itemId}", itemID,
		"{domain}", rc.Domain,
	)
	return repl.Replace(tpl)
}

// StoreFor opens (or reuses) the document store behind a configured entry
// without running tier resolution. The facade uses it to place the
// process-wide fallback queue.
func (r *Router) StoreFor(ctx context.Context, entry config.DatabaseEntry) (repo.Store, error) {
	return r.repoFor(ctx, entry)
}

func (r *Router) repoFor(ctx context.Context, entry config.DatabaseEntry) (repo.Store, error) {
	uri := r.cfg.DBConnections[entry.DBConnRef]
	cacheKey := uri + "\x00" + entry.DBName

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.repos[cacheKey]; ok {
		return s, nil
	}
	s, err := r.repoFactory(ctx, uri, entry.DBName)
	if err != nil {
		return nil, types.E(types.KindStorageTransient, "", "",
			fmt.Sprintf("failed to open document store %s", log.RedactURI(uri)), err)
	}
	r.repos[cacheKey] = s
	log.Component("router").Debug().Str("db", entry.DBName).
		Str("uri", log.RedactURI(uri)).Msg("opened document store")
	return s, nil
}

// BlobFor opens (or reuses) the blob store behind a configured entry, for
// facade-level health probes.
func (r *Router) BlobFor(ctx context.Context, entry config.DatabaseEntry) (blob.Store, error) {
	return r.blobFor(ctx, entry)
}

func (r *Router) blobFor(ctx context.Context, entry config.DatabaseEntry) (blob.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ls := r.cfg.LocalStorage; ls != nil && ls.Enabled {
		if s, ok := r.blobs["local"]; ok {
			return s, nil
		}
		s, err := blob.NewFS(ls.BasePath)
		if err != nil {
			return nil, types.E(types.KindStoragePermanent, "", "", "failed to open local blob store", err)
		}
		r.blobs["local"] = s
		return s, nil
	}

	if s, ok := r.blobs[entry.SpaceConnRef]; ok {
		return s, nil
	}
	conn := r.cfg.SpacesConnections[entry.SpaceConnRef]
	s, err := r.blobFactory(ctx, conn)
	if err != nil {
		return nil, types.E(types.KindStorageTransient, "", "",
			fmt.Sprintf("failed to open blob store %q", entry.SpaceConnRef), err)
	}
	r.blobs[entry.SpaceConnRef] = s
	return s, nil
}

// Stores returns every cached document store. The facade uses this for
// shutdown-time lock release and health checks.
func (r *Router) Stores() []repo.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]repo.Store, 0, len(r.repos))
	for _, s := range r.repos {
		out = append(out, s)
	}
	return out
}

// Blobs returns every cached blob store.
func (r *Router) Blobs() []blob.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]blob.Store, 0, len(r.blobs))
	for _, s := range r.blobs {
		out = append(out, s)
	}
	return out
}

// Shutdown closes every cached client.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, s := range r.repos {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.repos, key)
	}
	for key := range r.blobs {
		delete(r.blobs, key)
	}
	return firstErr
}

func routeErr(rc types.RouteContext, msg string) error {
	return types.E(types.KindRouteMismatch, "", rc.Collection, msg, nil)
}

// jumpHash is the Lamping-Veach consistent jump hash over n buckets.
func jumpHash(key uint64, n int) int32 {
	var b, j int64 = -1, 0
	for j < int64(n) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}
