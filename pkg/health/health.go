package health

import (
	"context"
	"time"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/repo"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface all backend health checks implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Name identifies the checked backend
	Name() string
}

// DocStoreChecker pings a document store.
type DocStoreChecker struct {
	name  string
	store repo.Store
}

// NewDocStore builds a checker over a document-store handle.
func NewDocStore(name string, store repo.Store) *DocStoreChecker {
	return &DocStoreChecker{name: name, store: store}
}

func (c *DocStoreChecker) Name() string { return c.name }

func (c *DocStoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := c.store.Ping(ctx)
	res := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// BlobChecker probes a blob store with a head call against a known bucket.
type BlobChecker struct {
	name   string
	store  blob.Store
	bucket string
}

// NewBlob builds a checker probing the given bucket.
func NewBlob(name string, store blob.Store, bucket string) *BlobChecker {
	return &BlobChecker{name: name, store: store, bucket: bucket}
}

func (c *BlobChecker) Name() string { return c.name }

func (c *BlobChecker) Check(ctx context.Context) Result {
	start := time.Now()
	// A probe against a key that should not exist: reachability is what
	// matters, not presence.
	_, err := c.store.Head(ctx, c.bucket, ".chronos-health-probe")
	res := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// CheckAll runs every checker with a shared timeout and returns results by
// name.
func CheckAll(ctx context.Context, timeout time.Duration, checkers ...Checker) map[string]Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out := make(map[string]Result, len(checkers))
	for _, c := range checkers {
		out[c.Name()] = c.Check(ctx)
	}
	return out
}
