// Package chronos is the embedding surface: Init wires configuration,
// router, engine and worker into a Client; Shutdown tears them down in
// reverse order.
package chronos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/engine"
	"github.com/chronos-db/chronos/pkg/events"
	"github.com/chronos-db/chronos/pkg/fallback"
	"github.com/chronos-db/chronos/pkg/health"
	"github.com/chronos-db/chronos/pkg/lock"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/router"
)

// Options tunes client construction. Zero value is production defaults;
// tests inject in-memory factories.
type Options struct {
	ServerID     string
	RepoFactory  router.RepoFactory
	BlobFactory  router.BlobFactory
	PollInterval time.Duration
	LockTTL      time.Duration

	// StartWorker and StartReaper default to true.
	DisableWorker bool
	DisableReaper bool
}

// Client owns every subsystem of one chronos instance. Construct with Init,
// release with Shutdown; no lazy reconfiguration in between.
type Client struct {
	cfg      *config.Config
	serverID string

	Router *router.Router
	Engine *engine.Engine
	Broker *events.Broker
	Queue  *fallback.Queue

	worker *fallback.Worker
	reaper *lock.Reaper

	primary repo.Store
}

// Init validates the configuration and wires the subsystems. The returned
// client is ready for use; backends are dialed lazily on first route.
func Init(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: cfg.Logging.Level, JSONOutput: cfg.Logging.JSON})

	serverID := opts.ServerID
	if serverID == "" {
		serverID = uuid.NewString()
	}

	c := &Client{cfg: cfg, serverID: serverID}
	c.Broker = events.NewBroker()
	c.Broker.Start()
	c.Router = router.New(cfg, router.Options{
		RepoFactory: opts.RepoFactory,
		BlobFactory: opts.BlobFactory,
	})

	primaryEntry := cfg.Databases.PrimaryEntry()
	if primaryEntry == nil {
		c.Broker.Stop()
		return nil, fmt.Errorf("failed to initialize: no database entries configured")
	}
	primary, err := c.Router.StoreFor(ctx, *primaryEntry)
	if err != nil {
		c.Broker.Stop()
		return nil, fmt.Errorf("failed to open primary document store: %w", err)
	}
	c.primary = primary

	var sink engine.FallbackSink
	if cfg.Fallback.Enabled {
		c.Queue = fallback.NewQueue(primary, cfg.Fallback)
		sink = c.Queue
	}
	c.Engine = engine.New(c.Router, cfg, serverID, c.Broker, sink)
	if opts.LockTTL > 0 {
		c.Engine.SetLockTTL(opts.LockTTL)
	}

	if c.Queue != nil && !opts.DisableWorker {
		c.worker = fallback.NewWorker(c.Queue, c.Engine, c.Broker, opts.PollInterval)
		c.worker.Start()
	}
	if !opts.DisableReaper {
		c.reaper = lock.NewReaper(c.Router.Stores, 0, c.Engine.Collections)
		c.reaper.Start()
	}

	log.Component("chronos").Info().Str("serverId", serverID).Msg("initialized")
	return c, nil
}

// ServerID returns the identity this instance stamps on its locks.
func (c *Client) ServerID() string { return c.serverID }

// Health probes every cached document store and the primary entry's blob
// store.
func (c *Client) Health(ctx context.Context) map[string]health.Result {
	checkers := []health.Checker{}
	for i, s := range c.Router.Stores() {
		checkers = append(checkers, health.NewDocStore(fmt.Sprintf("docstore-%d", i), s))
	}
	if entry := c.cfg.Databases.PrimaryEntry(); entry != nil {
		if b, err := c.Router.BlobFor(ctx, *entry); err == nil {
			checkers = append(checkers, health.NewBlob("blobstore-primary", b, entry.Buckets().Records))
		}
	}
	return health.CheckAll(ctx, 5*time.Second, checkers...)
}

// Shutdown stops the worker and reaper, releases every lock owned by this
// server, and closes all cached backend clients. The client is unusable
// afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.worker != nil {
		c.worker.Stop()
	}
	if c.reaper != nil {
		c.reaper.Stop()
	}

	for _, s := range c.Router.Stores() {
		if n, err := s.DeleteLocksByServer(ctx, c.serverID); err != nil {
			log.Component("chronos").Warn().Err(err).Msg("failed to release locks at shutdown")
		} else if n > 0 {
			log.Component("chronos").Info().Int64("released", n).Msg("released held locks")
		}
	}

	err := c.Router.Shutdown(ctx)
	c.Broker.Stop()
	log.Component("chronos").Info().Msg("shut down")
	return err
}
