package engine

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/events"
	"github.com/chronos-db/chronos/pkg/externalize"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/types"
)

// EnrichOptions carries the optional inputs of an ENRICH.
type EnrichOptions struct {
	Actor      string
	Reason     string
	FunctionID string
	ExpectedOV *int64
	RequestID  string
}

// Enrich deep-merges a patch into the current payload and commits the
// result as a new version. An empty patch is a no-op: no version is
// written and the head is untouched.
func (e *Engine) Enrich(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, patch types.Document, opts EnrichOptions) (*types.UpdateResult, error) {
	return e.EnrichBatch(ctx, rc, id, []types.Document{patch}, opts)
}

// EnrichBatch applies patches in order against the evolving target before a
// single blob write and commit: one new version, one lock window.
func (e *Engine) EnrichBatch(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, patches []types.Document, opts EnrichOptions) (*types.UpdateResult, error) {
	timer := metrics.NewTimer(string(types.OpEnrich))
	res, err := e.enrich(ctx, rc, id, patches, opts, true)
	timer.Stop(outcomeOf(err))
	return res, err
}

func (e *Engine) enrich(ctx context.Context, rc types.RouteContext, id primitive.ObjectID, patches []types.Document, opts EnrichOptions, allowFallback bool) (*types.UpdateResult, error) {
	rt, err := e.route(ctx, rc, id.Hex())
	if err != nil {
		return nil, err
	}
	m := e.cfg.Map(rc.Collection)

	lm := e.locker(rt)
	tl, err := lm.Acquire(ctx, rc.Collection, id, types.OpEnrich, opts.RequestID)
	if err != nil {
		if types.IsKind(err, types.KindLockConflict) {
			metrics.LockConflictsTotal.Inc()
		}
		return nil, err
	}
	defer func() {
		if relErr := lm.Release(context.WithoutCancel(ctx), rc.Collection, tl); relErr != nil {
			log.Component("engine").Warn().Err(relErr).Msg("failed to release enrich lock")
		}
	}()

	head, err := rt.Repo.GetHead(ctx, rc.Collection, id)
	if err != nil {
		return nil, err
	}
	if head == nil || head.IsDeleted() {
		return nil, types.E(types.KindNotFound, types.OpEnrich, rc.Collection, "item not found", nil)
	}
	if opts.ExpectedOV != nil && *opts.ExpectedOV != head.OV {
		return nil, optimisticLockErr(types.OpEnrich, rc.Collection, head.OV)
	}

	target, err := e.currentPayload(ctx, rt, head)
	if err != nil {
		return nil, err
	}
	sys := sysFromDoc(target)
	delete(target, types.SystemKey)

	changed := false
	for _, patch := range patches {
		if len(patch) == 0 {
			continue
		}
		p := merge.Clone(patch)
		delete(p, types.SystemKey)
		if len(p) == 0 {
			continue
		}
		merged := merge.Deep(target, p)
		if !changed && !merge.Equal(target, merged) {
			changed = true
		}
		target = merged
	}
	provenance := opts.FunctionID != "" && !containsString(sys.FunctionIDs, opts.FunctionID)
	if !changed && !provenance {
		// Nothing to write.
		return &types.UpdateResult{ID: id, OV: head.OV, CV: head.CV, UpdatedAt: head.UpdatedAt}, nil
	}

	now := time.Now().UTC()
	sys.UpdatedAt = now
	sys.State = types.StateNewNotSynched
	if sys.InsertedAt.IsZero() {
		sys.InsertedAt = head.CreatedAt
	}
	if provenance {
		sys.FunctionIDs = append(sys.FunctionIDs, opts.FunctionID)
	}

	newOV := head.OV + 1
	target[types.SystemKey] = sysToDoc(sys)
	if err := externalize.Validate(target, m); err != nil {
		return nil, err
	}

	ext, err := e.externalizer(rt).Apply(ctx, rc.Collection, id.Hex(), newOV, target, m)
	if err != nil {
		e.compensate(rt, id, head.OV, "", ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, enrichFO(rc, id, patches, head.OV, opts))
	}
	snapKey, put, err := e.writeSnapshot(ctx, rt, id, newOV, ext.Transformed)
	if err != nil {
		e.compensate(rt, id, head.OV, "", ext.WrittenKeys)
		return nil, e.classify(ctx, rc, err, allowFallback, enrichFO(rc, id, patches, head.OV, opts))
	}

	prevOV := head.OV
	// The version record carries UPDATE: enrich produces a new version the
	// same way a replace does, and the record op domain stays
	// CREATE/UPDATE/DELETE/RESTORE. ENRICH remains the lock and metric label.
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
		return nil, e.classify(ctx, rc, err, allowFallback, enrichFO(rc, id, patches, prevOV, opts))
	}

	e.publish(&events.Event{
		Type:       events.EventItemEnriched,
		Collection: rc.Collection,
		ItemID:     id,
		OV:         newOV,
		CV:         cv,
		At:         now,
		Actor:      opts.Actor,
	})
	return &types.UpdateResult{ID: id, OV: newOV, CV: cv, UpdatedAt: now}, nil
}

// enrichFO folds the batch back into one combined patch for the retry
// record: union-merge is associative, so replaying the combined patch is
// equivalent to replaying the sequence.
func enrichFO(rc types.RouteContext, id primitive.ObjectID, patches []types.Document, expectedOV int64, opts EnrichOptions) *types.FallbackOp {
	combined := types.Document{}
	for _, p := range patches {
		combined = merge.Deep(combined, p)
	}
	ov := expectedOV
	return &types.FallbackOp{
		Op:         types.OpEnrich,
		Route:      types.RouteOf(rc),
		ItemID:     &id,
		Patch:      combined,
		ExpectedOV: &ov,
		Actor:      opts.Actor,
		Reason:     opts.Reason,
		FunctionID: opts.FunctionID,
	}
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
