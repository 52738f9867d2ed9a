package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/events"
	"github.com/chronos-db/chronos/pkg/keys"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/router"
	"github.com/chronos-db/chronos/pkg/types"
)

// RestoreTarget selects the snapshot to restore to. Exactly one of OV and At
// must be set.
type RestoreTarget struct {
	OV *int64
	At *time.Time
}

// RestoreOptions carries the optional inputs of an object restore.
type RestoreOptions struct {
	Actor     string
	Reason    string
	RequestID string
}

// CollectionRestoreTarget selects the collection state to restore to.
// Exactly one of CV and At must be set.
type CollectionRestoreTarget struct {
	CV *int64
	At *time.Time
}

// CollectionRestoreOptions tunes a collection restore.
type CollectionRestoreOptions struct {
	Actor       string
	Reason      string
	PageSize    int64
	Parallelism int
	DryRun      bool
}

// manifestEntry is one version record as serialized into a rollup manifest.
type manifestEntry struct {
	ItemID   string    `json:"itemId"`
	OV       int64     `json:"ov"`
	CV       int64     `json:"cv"`
	Op       types.Op  `json:"op"`
	At       time.Time `json:"at"`
	Bucket   string    `json:"bucket"`
	Key      string    `json:"key"`
	Size     *int64    `json:"size,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
}

// RestoreObject flips an item's head to a prior snapshot. Append-only: a new
// version with op=RESTORE points at the target snapshot's blob; no data is
// copied. Restoring to the current head state is a no-op.
func (e *Engine) RestoreObject(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, target RestoreTarget, opts RestoreOptions) (*types.RestoreResult, error) {
	timer := metrics.NewTimer(string(types.OpRestore))
	res, err := e.restoreObject(ctx, rc, id, target, opts)
	timer.Stop(outcomeOf(err))
	return res, err
}

func (e *Engine) restoreObject(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, target RestoreTarget, opts RestoreOptions) (*types.RestoreResult, error) {
	if (target.OV == nil) == (target.At == nil) {
		return nil, types.E(types.KindValidation, types.OpRestore, rc.Collection,
			"exactly one of ov and at must be given", nil)
	}
	rt, err := e.route(ctx, rc, id.Hex())
	if err != nil {
		return nil, err
	}

	lm := e.locker(rt)
	tl, err := lm.Acquire(ctx, rc.Collection, id, types.OpRestore, opts.RequestID)
	if err != nil {
		if types.IsKind(err, types.KindLockConflict) {
			metrics.LockConflictsTotal.Inc()
		}
		return nil, err
	}
	defer func() {
		if relErr := lm.Release(context.WithoutCancel(ctx), rc.Collection, tl); relErr != nil {
			log.Component("engine").Warn().Err(relErr).Msg("failed to release restore lock")
		}
	}()

	head, err := rt.Repo.GetHead(ctx, rc.Collection, id)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, types.E(types.KindNotFound, types.OpRestore, rc.Collection, "item not found", nil)
	}

	ver, err := e.resolveTarget(ctx, rt, id, target)
	if err != nil {
		return nil, err
	}
	return e.flipHead(ctx, rt, head, ver, opts.Actor, opts.Reason)
}

// resolveTarget finds the version record a restore should point at,
// consulting rollup manifests when a by-ov target was pruned from _ver.
func (e *Engine) resolveTarget(ctx context.Context, rt *router.Route, id primitive.ObjectID, target RestoreTarget) (*types.VersionRecord, error) {
	if target.OV != nil {
		ver, err := rt.Repo.GetVersion(ctx, rt.Collection, id, *target.OV)
		if err != nil {
			return nil, err
		}
		if ver == nil {
			ver, err = e.manifestLookup(ctx, rt, id, *target.OV)
			if err != nil {
				return nil, err
			}
		}
		if ver == nil {
			return nil, types.E(types.KindNotFound, types.OpRestore, rt.Collection,
				fmt.Sprintf("no version ov=%d", *target.OV), nil)
		}
		return ver, nil
	}
	ver, err := rt.Repo.LatestVersionAt(ctx, rt.Collection, id, *target.At)
	if err != nil {
		return nil, err
	}
	if ver == nil {
		return nil, types.E(types.KindNotFound, types.OpRestore, rt.Collection,
			"no version at or before the target instant", nil)
	}
	return ver, nil
}

// flipHead commits the restore: a new version record whose pointer is the
// target's, and a head update to the same pointer. The caller holds the
// item lock.
func (e *Engine) flipHead(ctx context.Context, rt *router.Route, head *types.HeadRecord, target *types.VersionRecord, actor, reason string) (*types.RestoreResult, error) {
	// Pointer equality with a live head means nothing would change.
	if head.Bucket == target.Bucket && head.Key == target.Key &&
		head.IsDeleted() == (target.Op == types.OpDelete) {
		return &types.RestoreResult{
			ID: head.ID, OV: head.OV, CV: head.CV,
			RestoredFrom: target.OV, NoOp: true,
		}, nil
	}

	now := time.Now().UTC()
	prevOV := head.OV
	newOV := head.OV + 1
	ver := &types.VersionRecord{
		ItemID:      head.ID,
		OV:          newOV,
		Op:          types.OpRestore,
		At:          now,
		Actor:       actor,
		Reason:      reason,
		Bucket:      target.Bucket,
		Key:         target.Key,
		MetaIndexed: target.MetaIndexed,
		Size:        target.Size,
		Checksum:    target.Checksum,
		PrevOV:      &prevOV,
	}
	newHead := &types.HeadRecord{
		ID:          head.ID,
		OV:          newOV,
		Bucket:      target.Bucket,
		Key:         target.Key,
		MetaIndexed: target.MetaIndexed,
		Size:        target.Size,
		Checksum:    target.Checksum,
		CreatedAt:   head.CreatedAt,
		UpdatedAt:   now,
	}
	if target.Op == types.OpDelete {
		// The item was deleted at the target instant; restore the tombstone.
		newHead.DeletedAt = &now
	}

	cv, err := e.commitDoc(ctx, rt, ver, newHead, &prevOV)
	if err != nil {
		return nil, err
	}
	e.publish(&events.Event{
		Type:       events.EventItemRestored,
		Collection: rt.Collection,
		ItemID:     head.ID,
		OV:         newOV,
		CV:         cv,
		At:         now,
		Actor:      actor,
	})
	return &types.RestoreResult{
		ID: head.ID, OV: newOV, CV: cv,
		RestoredAt: now, RestoredFrom: target.OV,
	}, nil
}

// manifestLookup searches rollup manifests for a pruned version record.
func (e *Engine) manifestLookup(ctx context.Context, rt *router.Route, id primitive.ObjectID, ov int64) (*types.VersionRecord, error) {
	prefix := keys.ManifestPrefix + "/" + rt.Collection + "/"
	token := ""
	for {
		page, err := rt.Blob.List(ctx, rt.Buckets.Backups, prefix, blob.ListOptions{MaxKeys: 200, ContinuationToken: token})
		if err != nil {
			return nil, wrapBlobError(rt.Collection, err)
		}
		for _, entry := range page.Entries {
			entries, err := e.readManifest(ctx, rt, entry.Key)
			if err != nil {
				log.Component("engine").Warn().Err(err).Str("key", entry.Key).
					Msg("skipping unreadable manifest")
				continue
			}
			for i := range entries {
				if entries[i].ItemID == id.Hex() && entries[i].OV == ov {
					return &types.VersionRecord{
						ItemID:   id,
						OV:       entries[i].OV,
						CV:       entries[i].CV,
						Op:       entries[i].Op,
						At:       entries[i].At,
						Bucket:   entries[i].Bucket,
						Key:      entries[i].Key,
						Size:     entries[i].Size,
						Checksum: entries[i].Checksum,
					}, nil
				}
			}
		}
		if !page.Truncated {
			return nil, nil
		}
		token = page.NextToken
	}
}

func (e *Engine) readManifest(ctx context.Context, rt *router.Route, key string) ([]manifestEntry, error) {
	raw, err := rt.Blob.GetRaw(ctx, rt.Buckets.Backups, key)
	if err != nil {
		return nil, wrapBlobError(rt.Collection, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", key, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress manifest %s: %w", key, err)
	}
	var entries []manifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", key, err)
	}
	return entries, nil
}

// WriteManifest rolls the collection's version records from fromCV (exclusive
// of previously rolled ranges when 0) up to and including toCV into a gzip
// manifest under the backups bucket. Version records themselves are not
// removed; retention pruning is a separate administrative action.
func (e *Engine) WriteManifest(ctx context.Context, rc types.RouteContext, fromCV, toCV int64) (string, int, error) {
	rt, err := e.route(ctx, rc, "")
	if err != nil {
		return "", 0, err
	}
	var entries []manifestEntry
	cursor := fromCV
	for {
		page, err := rt.Repo.ListVersionsByCV(ctx, rc.Collection, cursor, toCV, 500)
		if err != nil {
			return "", 0, err
		}
		for _, v := range page {
			entries = append(entries, manifestEntry{
				ItemID:   v.ItemID.Hex(),
				OV:       v.OV,
				CV:       v.CV,
				Op:       v.Op,
				At:       v.At,
				Bucket:   v.Bucket,
				Key:      v.Key,
				Size:     v.Size,
				Checksum: v.Checksum,
			})
		}
		if int64(len(page)) < 500 {
			break
		}
		cursor = page[len(page)-1].CV + 1
	}
	if len(entries) == 0 {
		return "", 0, nil
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return "", 0, fmt.Errorf("failed to serialize manifest: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return "", 0, fmt.Errorf("failed to compress manifest: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to compress manifest: %w", err)
	}

	now := time.Now().UTC()
	key, err := keys.ManifestKey(rc.Collection, now.Year(), int(now.Month()), toCV)
	if err != nil {
		return "", 0, types.E(types.KindValidation, "", rc.Collection, "bad manifest key", err)
	}
	if _, err := rt.Blob.PutRaw(ctx, rt.Buckets.Backups, key, buf.Bytes(), "application/gzip"); err != nil {
		return "", 0, wrapBlobError(rc.Collection, err)
	}
	metrics.BlobBytesWritten.WithLabelValues("manifest").Add(float64(buf.Len()))
	return key, len(entries), nil
}

// RestoreCollection flips every item's head to its last version with
// cv <= target. Pages through heads and restores with bounded parallelism;
// dryRun only counts the items that would change.
func (e *Engine) RestoreCollection(ctx context.Context, rc types.RouteContext, target CollectionRestoreTarget, opts CollectionRestoreOptions) (*types.CollectionRestoreResult, error) {
	if (target.CV == nil) == (target.At == nil) {
		return nil, types.E(types.KindValidation, types.OpRestore, rc.Collection,
			"exactly one of cv and at must be given", nil)
	}
	rt, err := e.route(ctx, rc, "")
	if err != nil {
		return nil, err
	}

	targetCV := int64(0)
	if target.CV != nil {
		targetCV = *target.CV
	} else {
		targetCV, err = rt.Repo.MaxCVAt(ctx, rc.Collection, *target.At)
		if err != nil {
			return nil, err
		}
		if targetCV <= 0 {
			return nil, types.E(types.KindNotFound, types.OpRestore, rc.Collection,
				"no commit at or before the target instant", nil)
		}
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}

	result := &types.CollectionRestoreResult{TargetCV: targetCV, DryRun: opts.DryRun}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, parallelism)

	var afterID *primitive.ObjectID
	for {
		heads, err := rt.Repo.ListHeads(ctx, rc.Collection, repo.HeadQuery{
			AfterID:        afterID,
			Limit:          pageSize,
			IncludeDeleted: true,
		})
		if err != nil {
			wg.Wait()
			return result, err
		}
		if len(heads) == 0 {
			break
		}
		for _, head := range heads {
			head := head
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				outcome := e.restoreOne(ctx, rt, head, targetCV, opts)
				mu.Lock()
				switch outcome {
				case restorePlanned:
					result.Planned++
				case restoreDone:
					result.Planned++
					result.Restored++
				case restoreSkipped:
					result.Skipped++
				case restoreFailed:
					result.Failures++
				}
				mu.Unlock()
			}()
		}
		last := heads[len(heads)-1].ID
		afterID = &last
		if int64(len(heads)) < pageSize {
			break
		}
	}
	wg.Wait()

	e.publish(&events.Event{
		Type:       events.EventCollectionRestore,
		Collection: rc.Collection,
		CV:         targetCV,
		At:         time.Now().UTC(),
		Actor:      opts.Actor,
	})
	return result, nil
}

type restoreOutcome int

const (
	restoreSkipped restoreOutcome = iota
	restorePlanned
	restoreDone
	restoreFailed
)

func (e *Engine) restoreOne(ctx context.Context, rt *router.Route, head *types.HeadRecord, targetCV int64, opts CollectionRestoreOptions) restoreOutcome {
	target, err := rt.Repo.LatestVersionAtCV(ctx, rt.Collection, head.ID, targetCV)
	if err != nil {
		log.Component("engine").Error().Err(err).Str("item", head.ID.Hex()).
			Msg("collection restore: version lookup failed")
		return restoreFailed
	}
	if target == nil {
		// Item did not exist at the target cv; left untouched.
		return restoreSkipped
	}
	unchanged := head.Bucket == target.Bucket && head.Key == target.Key &&
		head.IsDeleted() == (target.Op == types.OpDelete)
	if unchanged {
		return restoreSkipped
	}
	if opts.DryRun {
		return restorePlanned
	}

	lm := e.locker(rt)
	tl, err := lm.Acquire(ctx, rt.Collection, head.ID, types.OpRestore, "")
	if err != nil {
		log.Component("engine").Warn().Err(err).Str("item", head.ID.Hex()).
			Msg("collection restore: lock unavailable")
		return restoreFailed
	}
	defer func() {
		if relErr := lm.Release(context.WithoutCancel(ctx), rt.Collection, tl); relErr != nil {
			log.Component("engine").Warn().Err(relErr).Msg("failed to release restore lock")
		}
	}()

	// Re-read under the lock; another writer may have moved the head.
	current, err := rt.Repo.GetHead(ctx, rt.Collection, head.ID)
	if err != nil || current == nil {
		return restoreFailed
	}
	res, err := e.flipHead(ctx, rt, current, target, opts.Actor, opts.Reason)
	if err != nil {
		log.Component("engine").Error().Err(err).Str("item", head.ID.Hex()).
			Msg("collection restore: flip failed")
		return restoreFailed
	}
	if res.NoOp {
		return restoreSkipped
	}
	return restoreDone
}
