package engine

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/blob"
	"github.com/chronos-db/chronos/pkg/events"
	"github.com/chronos-db/chronos/pkg/externalize"
	"github.com/chronos-db/chronos/pkg/keys"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/router"
	"github.com/chronos-db/chronos/pkg/types"
)

// CreateOptions carries the optional inputs of a CREATE.
type CreateOptions struct {
	Actor   string
	Reason  string
	Lineage *types.Lineage

	// ID preallocates the item id. Used by fallback retries so a partially
	// applied create is not duplicated.
	ID *primitive.ObjectID

	RequestID string
}

// UpdateOptions carries the optional inputs of an UPDATE.
type UpdateOptions struct {
	Actor      string
	Reason     string
	ExpectedOV *int64
	RequestID  string
}

// DeleteOptions carries the optional inputs of a DELETE.
type DeleteOptions struct {
	Actor      string
	Reason     string
	ExpectedOV *int64
	RequestID  string
}

// Create writes a new item: blob first, then the atomic doc-store commit of
// counter, version record and head.
func (e *Engine) Create(ctx context.Context, rc types.RouteContext, payload types.Document, opts CreateOptions) (*types.CreateResult, error) {
	timer := metrics.NewTimer(string(types.OpCreate))
	res, err := e.create(ctx, rc, payload, opts, true)
	timer.Stop(outcomeOf(err))
	return res, err
}

func (e *Engine) create(ctx context.Context, rc types.RouteContext, payload types.Document, opts CreateOptions, allowFallback bool) (*types.CreateResult, error) {
	rt, err := e.route(ctx, rc, "")
	if err != nil {
		return nil, err
	}
	m := e.cfg.Map(rc.Collection)
	if err := externalize.Validate(payload, m); err != nil {
		return nil, err
	}

	itemID := primitive.NewObjectID()
	if opts.ID != nil {
		itemID = *opts.ID
	}

	lm := e.locker(rt)
	tl, err := lm.Acquire(ctx, rc.Collection, itemID, types.OpCreate, opts.RequestID)
	if err != nil {
		if types.IsKind(err, types.KindLockConflict) {
			metrics.LockConflictsTotal.Inc()
		}
		return nil, err
	}
	defer func() {
		if relErr := lm.Release(context.WithoutCancel(ctx), rc.Collection, tl); relErr != nil {
			log.Component("engine").Warn().Err(relErr).Msg("failed to release create lock")
		}
	}()

	now := time.Now().UTC()
	sys := buildSystem(now, opts.Lineage)

	stored := merge.Clone(payload)
	delete(stored, types.SystemKey)
	stored[types.SystemKey] = sysToDoc(sys)

	ext, err := e.externalizer(rt).Apply(ctx, rc.Collection, itemID.Hex(), 0, stored, m)
	if err != nil {
		e.compensate(rt, itemID, -1, "", ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, &types.FallbackOp{
			Op:      types.OpCreate,
			Route:   types.RouteOf(rc),
			ItemID:  &itemID,
			Payload: payload,
			Actor:   opts.Actor,
			Reason:  opts.Reason,
		})
	}

	snapKey, put, err := e.writeSnapshot(ctx, rt, itemID, 0, ext.Transformed)
	if err != nil {
		e.compensate(rt, itemID, -1, "", ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, &types.FallbackOp{
			Op:      types.OpCreate,
			Route:   types.RouteOf(rc),
			ItemID:  &itemID,
			Payload: payload,
			Actor:   opts.Actor,
			Reason:  opts.Reason,
		})
	}

	// The durable snapshot carries new-not-synched; only the doc-store
	// commit confirms the sync, so the synched state lives in the shadow.
	ver := &types.VersionRecord{
		ItemID:      itemID,
		OV:          0,
		Op:          types.OpCreate,
		At:          now,
		Actor:       opts.Actor,
		Reason:      opts.Reason,
		Bucket:      rt.Buckets.Versions,
		Key:         snapKey,
		MetaIndexed: ext.MetaIndexed,
		Size:        put.Size,
		Checksum:    put.Checksum,
	}
	head := &types.HeadRecord{
		ID:          itemID,
		OV:          0,
		Bucket:      rt.Buckets.Versions,
		Key:         snapKey,
		MetaIndexed: ext.MetaIndexed,
		Size:        put.Size,
		Checksum:    put.Checksum,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.attachShadow(head, ext.Transformed, sys)

	cv, err := e.commitDoc(ctx, rt, ver, head, nil)
	if err != nil {
		e.compensate(rt, itemID, -1, snapKey, ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, &types.FallbackOp{
			Op:      types.OpCreate,
			Route:   types.RouteOf(rc),
			ItemID:  &itemID,
			Payload: payload,
			Actor:   opts.Actor,
			Reason:  opts.Reason,
		})
	}

	e.publish(&events.Event{
		Type:       events.EventItemCreated,
		Collection: rc.Collection,
		ItemID:     itemID,
		OV:         0,
		CV:         cv,
		At:         now,
		Actor:      opts.Actor,
	})
	return &types.CreateResult{ID: itemID, OV: 0, CV: cv, CreatedAt: now}, nil
}

// Update replaces the item payload with a new version.
func (e *Engine) Update(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, payload types.Document, opts UpdateOptions) (*types.UpdateResult, error) {
	timer := metrics.NewTimer(string(types.OpUpdate))
	res, err := e.update(ctx, rc, id, payload, opts, true)
	timer.Stop(outcomeOf(err))
	return res, err
}

func (e *Engine) update(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, payload types.Document, opts UpdateOptions, allowFallback bool) (*types.UpdateResult, error) {
	rt, err := e.route(ctx, rc, id.Hex())
	if err != nil {
		return nil, err
	}
	m := e.cfg.Map(rc.Collection)
	if err := externalize.Validate(payload, m); err != nil {
		return nil, err
	}

	lm := e.locker(rt)
	tl, err := lm.Acquire(ctx, rc.Collection, id, types.OpUpdate, opts.RequestID)
	if err != nil {
		if types.IsKind(err, types.KindLockConflict) {
			metrics.LockConflictsTotal.Inc()
		}
		return nil, err
	}
	defer func() {
		if relErr := lm.Release(context.WithoutCancel(ctx), rc.Collection, tl); relErr != nil {
			log.Component("engine").Warn().Err(relErr).Msg("failed to release update lock")
		}
	}()

	head, err := rt.Repo.GetHead(ctx, rc.Collection, id)
	if err != nil {
		return nil, err
	}
	if head == nil || head.IsDeleted() {
		return nil, types.E(types.KindNotFound, types.OpUpdate, rc.Collection, "item not found", nil)
	}
	if opts.ExpectedOV != nil && *opts.ExpectedOV != head.OV {
		return nil, optimisticLockErr(types.OpUpdate, rc.Collection, head.OV)
	}

	prev, err := e.currentPayload(ctx, rt, head)
	if err != nil {
		return nil, err
	}
	prevSys := sysFromDoc(prev)

	now := time.Now().UTC()
	sys := prevSys
	sys.UpdatedAt = now
	sys.State = types.StateNewNotSynched
	if sys.InsertedAt.IsZero() {
		sys.InsertedAt = head.CreatedAt
	}

	newOV := head.OV + 1
	stored := merge.Clone(payload)
	delete(stored, types.SystemKey)
	stored[types.SystemKey] = sysToDoc(sys)

	ext, err := e.externalizer(rt).Apply(ctx, rc.Collection, id.Hex(), newOV, stored, m)
	if err != nil {
		e.compensate(rt, id, head.OV, "", ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, updateFO(rc, id, payload, head.OV, opts))
	}
	snapKey, put, err := e.writeSnapshot(ctx, rt, id, newOV, ext.Transformed)
	if err != nil {
		e.compensate(rt, id, head.OV, "", ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, updateFO(rc, id, payload, head.OV, opts))
	}

	prevOV := head.OV
	ver := &types.VersionRecord{
		ItemID:      id,
		OV:          newOV,
		Op:          types.OpUpdate,
		At:          now,
		Actor:       opts.Actor,
		Reason:      opts.Reason,
		Bucket:      rt.Buckets.Versions,
		Key:         snapKey,
		MetaIndexed: ext.MetaIndexed,
		Size:        put.Size,
		Checksum:    put.Checksum,
		PrevOV:      &prevOV,
	}
	newHead := &types.HeadRecord{
		ID:          id,
		OV:          newOV,
		Bucket:      rt.Buckets.Versions,
		Key:         snapKey,
		MetaIndexed: ext.MetaIndexed,
		Size:        put.Size,
		Checksum:    put.Checksum,
		CreatedAt:   head.CreatedAt,
		UpdatedAt:   now,
	}
	e.attachShadow(newHead, ext.Transformed, sys)

	cv, err := e.commitDoc(ctx, rt, ver, newHead, &prevOV)
	if err != nil {
		e.compensate(rt, id, prevOV, snapKey, ext.WrittenKeys)
		if types.IsKind(err, types.KindOptimisticLock) {
			return nil, err
		}
		return nil, e.classify(ctx, rc, err, allowFallback, updateFO(rc, id, payload, prevOV, opts))
	}

	e.publish(&events.Event{
		Type:       events.EventItemUpdated,
		Collection: rc.Collection,
		ItemID:     id,
		OV:         newOV,
		CV:         cv,
		At:         now,
		Actor:      opts.Actor,
	})
	return &types.UpdateResult{ID: id, OV: newOV, CV: cv, UpdatedAt: now}, nil
}

func updateFO(rc types.RouteContext, id primitive.ObjectID, payload types.Document, expectedOV int64, opts UpdateOptions) *types.FallbackOp {
	ov := expectedOV
	return &types.FallbackOp{
		Op:         types.OpUpdate,
		Route:      types.RouteOf(rc),
		ItemID:     &id,
		Payload:    payload,
		ExpectedOV: &ov,
		Actor:      opts.Actor,
		Reason:     opts.Reason,
	}
}

// Delete tombstones an item. The version record points at the previous
// snapshot: a delete writes no payload. When logical delete is disabled the
// head and all version records are removed instead.
func (e *Engine) Delete(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, opts DeleteOptions) (*types.DeleteResult, error) {
	timer := metrics.NewTimer(string(types.OpDelete))
	res, err := e.delete(ctx, rc, id, opts, true)
	timer.Stop(outcomeOf(err))
	return res, err
}

func (e *Engine) delete(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, opts DeleteOptions, allowFallback bool) (*types.DeleteResult, error) {
	rt, err := e.route(ctx, rc, id.Hex())
	if err != nil {
		return nil, err
	}

	lm := e.locker(rt)
	tl, err := lm.Acquire(ctx, rc.Collection, id, types.OpDelete, opts.RequestID)
	if err != nil {
		if types.IsKind(err, types.KindLockConflict) {
			metrics.LockConflictsTotal.Inc()
		}
		return nil, err
	}
	defer func() {
		if relErr := lm.Release(context.WithoutCancel(ctx), rc.Collection, tl); relErr != nil {
			log.Component("engine").Warn().Err(relErr).Msg("failed to release delete lock")
		}
	}()

	head, err := rt.Repo.GetHead(ctx, rc.Collection, id)
	if err != nil {
		return nil, err
	}
	if head == nil || head.IsDeleted() {
		return nil, types.E(types.KindNotFound, types.OpDelete, rc.Collection, "item not found", nil)
	}
	if opts.ExpectedOV != nil && *opts.ExpectedOV != head.OV {
		return nil, optimisticLockErr(types.OpDelete, rc.Collection, head.OV)
	}

	now := time.Now().UTC()

	if !e.cfg.LogicalDelete.On() {
		return e.hardDelete(ctx, rt, id, now)
	}

	prevOV := head.OV
	newOV := head.OV + 1
	ver := &types.VersionRecord{
		ItemID:      id,
		OV:          newOV,
		Op:          types.OpDelete,
		At:          now,
		Actor:       opts.Actor,
		Reason:      opts.Reason,
		Bucket:      head.Bucket,
		Key:         head.Key,
		MetaIndexed: head.MetaIndexed,
		Size:        head.Size,
		Checksum:    head.Checksum,
		PrevOV:      &prevOV,
	}
	newHead := &types.HeadRecord{
		ID:          id,
		OV:          newOV,
		Bucket:      head.Bucket,
		Key:         head.Key,
		MetaIndexed: head.MetaIndexed,
		Size:        head.Size,
		Checksum:    head.Checksum,
		CreatedAt:   head.CreatedAt,
		UpdatedAt:   now,
		DeletedAt:   &now,
	}
	if head.FullShadow != nil {
		shadow := merge.Clone(head.FullShadow)
		if sysDoc, ok := asDoc(shadow[types.SystemKey]); ok {
			sysDoc["deleted"] = true
			sysDoc["deletedAt"] = now.Format(time.RFC3339Nano)
		}
		newHead.FullShadow = shadow
		newHead.ShadowExpiresAt = head.ShadowExpiresAt
	}

	cv, err := e.commitDoc(ctx, rt, ver, newHead, &prevOV)
	if err != nil {
		if types.IsKind(err, types.KindOptimisticLock) {
			return nil, err
		}
		ov := prevOV
		return nil, e.classify(ctx, rc, err, allowFallback, &types.FallbackOp{
			Op:         types.OpDelete,
			Route:      types.RouteOf(rc),
			ItemID:     &id,
			ExpectedOV: &ov,
			Actor:      opts.Actor,
			Reason:     opts.Reason,
		})
	}

	e.publish(&events.Event{
		Type:       events.EventItemDeleted,
		Collection: rc.Collection,
		ItemID:     id,
		OV:         newOV,
		CV:         cv,
		At:         now,
		Actor:      opts.Actor,
	})
	return &types.DeleteResult{ID: id, OV: newOV, CV: cv, DeletedAt: now}, nil
}

// hardDelete removes the head and all version records. Blob cleanup is left
// to PurgeItemBlobs: the doc store is authoritative and the orphaned keys
// are unreachable once the records are gone.
func (e *Engine) hardDelete(ctx context.Context, rt *router.Route, id primitive.ObjectID, now time.Time) (*types.DeleteResult, error) {
	if _, err := rt.Repo.DeleteVersions(ctx, rt.Collection, id); err != nil {
		return nil, err
	}
	if err := rt.Repo.DeleteHead(ctx, rt.Collection, id); err != nil {
		return nil, err
	}
	e.publish(&events.Event{
		Type:       events.EventItemDeleted,
		Collection: rt.Collection,
		ItemID:     id,
		At:         now,
	})
	return &types.DeleteResult{ID: id, DeletedAt: now}, nil
}

// PurgeItemBlobs removes every versioned blob under the item's prefixes
// after a hard delete. Administrative: never called by the engine itself.
func (e *Engine) PurgeItemBlobs(ctx context.Context, rc types.RouteContext, id primitive.ObjectID) (int, error) {
	rt, err := e.route(ctx, rc, id.Hex())
	if err != nil {
		return 0, err
	}
	removed := 0
	purge := func(bucket, prefix string) error {
		token := ""
		for {
			page, err := rt.Blob.List(ctx, bucket, prefix, blob.ListOptions{MaxKeys: 500, ContinuationToken: token})
			if err != nil {
				return wrapBlobError(rc.Collection, err)
			}
			for _, entry := range page.Entries {
				if err := rt.Blob.Delete(ctx, bucket, entry.Key); err != nil {
					return wrapBlobError(rc.Collection, err)
				}
				removed++
			}
			if !page.Truncated {
				return nil
			}
			token = page.NextToken
		}
	}

	prefix, err := keys.ItemPrefix(rc.Collection, id.Hex())
	if err != nil {
		return removed, types.E(types.KindValidation, "", rc.Collection, "bad item prefix", err)
	}
	if err := purge(rt.Buckets.Versions, prefix); err != nil {
		return removed, err
	}
	// Externalized properties live under {collection}/{prop}/{itemId}/; the
	// property segment is unknown, so scan per configured prop.
	for prop := range e.cfg.Map(rc.Collection).Base64Props {
		p, err := keys.PropPrefix(rc.Collection, prop, id.Hex())
		if err != nil {
			return removed, types.E(types.KindValidation, "", rc.Collection, "bad property prefix", err)
		}
		if err := purge(rt.Buckets.Content, p); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// commitDoc commits counter, version record and head in one step, inside a
// multi-document transaction when the topology supports one. expectedOV nil
// inserts the head; otherwise the write is guarded by the CAS predicate.
func (e *Engine) commitDoc(ctx context.Context, rt *router.Route, ver *types.VersionRecord, head *types.HeadRecord, expectedOV *int64) (int64, error) {
	run := func(ctx context.Context) error {
		cv, err := rt.Repo.IncCV(ctx, rt.Collection)
		if err != nil {
			return err
		}
		ver.CV = cv
		head.CV = cv
		if e.cfg.Versioning.On() {
			if err := rt.Repo.InsertVersion(ctx, rt.Collection, ver); err != nil {
				return err
			}
		}
		if expectedOV == nil {
			return rt.Repo.InsertHead(ctx, rt.Collection, head)
		}
		ok, err := rt.Repo.UpdateHead(ctx, rt.Collection, head, *expectedOV)
		if err != nil {
			return err
		}
		if !ok {
			return optimisticLockErr(ver.Op, rt.Collection, *expectedOV)
		}
		return nil
	}
	var err error
	if rt.Repo.SupportsTransactions() {
		err = rt.Repo.WithTransaction(ctx, run)
	} else {
		err = run(ctx)
	}
	return head.CV, err
}

// attachShadow embeds the dev-shadow payload on the head. The shadow copy
// carries state=synched: the head write itself is the sync confirmation.
func (e *Engine) attachShadow(head *types.HeadRecord, payload types.Document, sys types.SystemEnvelope) {
	shadow, expires := e.shadowFor(payload)
	if shadow == nil {
		return
	}
	sys.State = types.StateSynched
	shadow[types.SystemKey] = sysToDoc(sys)
	head.FullShadow = shadow
	head.ShadowExpiresAt = expires
}

// classify routes a commit failure: transient kinds may enqueue a fallback
// operation for later retry; the original error always surfaces.
func (e *Engine) classify(ctx context.Context, rc types.RouteContext, err error, allowFallback bool, op *types.FallbackOp) error {
	if allowFallback && op != nil {
		e.maybeEnqueue(context.WithoutCancel(ctx), op, err)
	}
	return err
}

func (e *Engine) externalizer(rt *router.Route) *externalize.Externalizer {
	return externalize.New(rt.Blob, rt.Buckets.Content)
}

func optimisticLockErr(op types.Op, collection string, observedOV int64) error {
	return types.E(types.KindOptimisticLock, op, collection,
		fmt.Sprintf("head version changed, observed ov=%d", observedOV), nil)
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(types.KindOf(err))
}
