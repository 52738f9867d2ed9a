package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/chronos-db/chronos/pkg/merge"
	"github.com/chronos-db/chronos/pkg/types"
)

// Retry replays a queued fallback operation. Handlers are idempotent: a
// retry of a mutation that already took effect reports success without
// writing a second time.
func (e *Engine) Retry(ctx context.Context, op *types.FallbackOp) error {
	switch op.Op {
	case types.OpCreate:
		return e.retryCreate(ctx, op)
	case types.OpUpdate:
		return e.retryUpdate(ctx, op)
	case types.OpDelete:
		return e.retryDelete(ctx, op)
	case types.OpEnrich:
		return e.retryEnrich(ctx, op)
	default:
		return types.E(types.KindValidation, op.Op, op.Route.Collection,
			fmt.Sprintf("no retry handler for op %q", op.Op), nil)
	}
}

// retryCreate replays a create with the preallocated item id. A head that
// already exists means the original commit landed; a dangling version record
// at ov=0 means only the head insert was lost, so it is rebuilt from the
// version record instead of re-running the blob writes.
func (e *Engine) retryCreate(ctx context.Context, op *types.FallbackOp) error {
	if op.ItemID == nil {
		return types.E(types.KindValidation, types.OpCreate, op.Route.Collection,
			"create retry without preallocated item id", nil)
	}
	rc := op.Route.Context()
	rt, err := e.route(ctx, rc, "")
	if err != nil {
		return err
	}

	head, err := rt.Repo.GetHead(ctx, rc.Collection, *op.ItemID)
	if err != nil {
		return err
	}
	if head != nil {
		return nil
	}

	ver, err := rt.Repo.GetVersion(ctx, rc.Collection, *op.ItemID, 0)
	if err != nil {
		return err
	}
	if ver != nil {
		rebuilt := &types.HeadRecord{
			ID:          *op.ItemID,
			OV:          0,
			CV:          ver.CV,
			Bucket:      ver.Bucket,
			Key:         ver.Key,
			MetaIndexed: ver.MetaIndexed,
			Size:        ver.Size,
			Checksum:    ver.Checksum,
			CreatedAt:   ver.At,
			UpdatedAt:   ver.At,
		}
		return rt.Repo.InsertHead(ctx, rc.Collection, rebuilt)
	}

	_, err = e.create(ctx, rc, op.Payload, CreateOptions{
		Actor:  op.Actor,
		Reason: op.Reason,
		ID:     op.ItemID,
	}, false)
	return err
}

func (e *Engine) retryUpdate(ctx context.Context, op *types.FallbackOp) error {
	if op.ItemID == nil || op.ExpectedOV == nil {
		return types.E(types.KindValidation, types.OpUpdate, op.Route.Collection,
			"update retry requires item id and expected ov", nil)
	}
	rc := op.Route.Context()
	applied, err := e.alreadyApplied(ctx, rc, op, types.OpUpdate)
	if err != nil || applied {
		return err
	}
	_, err = e.update(ctx, rc, *op.ItemID, op.Payload, UpdateOptions{
		Actor:      op.Actor,
		Reason:     op.Reason,
		ExpectedOV: op.ExpectedOV,
	}, false)
	return err
}

func (e *Engine) retryDelete(ctx context.Context, op *types.FallbackOp) error {
	if op.ItemID == nil || op.ExpectedOV == nil {
		return types.E(types.KindValidation, types.OpDelete, op.Route.Collection,
			"delete retry requires item id and expected ov", nil)
	}
	rc := op.Route.Context()
	applied, err := e.alreadyApplied(ctx, rc, op, types.OpDelete)
	if err != nil || applied {
		return err
	}
	_, err = e.delete(ctx, rc, *op.ItemID, DeleteOptions{
		Actor:      op.Actor,
		Reason:     op.Reason,
		ExpectedOV: op.ExpectedOV,
	}, false)
	return err
}

func (e *Engine) retryEnrich(ctx context.Context, op *types.FallbackOp) error {
	if op.ItemID == nil || op.ExpectedOV == nil {
		return types.E(types.KindValidation, types.OpEnrich, op.Route.Collection,
			"enrich retry requires item id and expected ov", nil)
	}
	rc := op.Route.Context()
	// Enrich writes its version record as UPDATE.
	applied, err := e.alreadyApplied(ctx, rc, op, types.OpUpdate)
	if err != nil || applied {
		return err
	}
	_, err = e.enrich(ctx, rc, *op.ItemID, []types.Document{merge.Clone(op.Patch)}, EnrichOptions{
		Actor:      op.Actor,
		Reason:     op.Reason,
		FunctionID: op.FunctionID,
		ExpectedOV: op.ExpectedOV,
	}, false)
	return err
}

// alreadyApplied detects whether the queued mutation's commit landed before
// the original attempt failed: the head moved exactly one version past the
// expected ov by a version record of the same op kind.
func (e *Engine) alreadyApplied(ctx context.Context, rc types.RouteContext, op *types.FallbackOp, kind types.Op) (bool, error) {
	rt, err := e.route(ctx, rc, op.ItemID.Hex())
	if err != nil {
		return false, err
	}
	head, err := rt.Repo.GetHead(ctx, rc.Collection, *op.ItemID)
	if err != nil {
		return false, err
	}
	if head == nil {
		return false, types.E(types.KindNotFound, kind, rc.Collection, "item not found", nil)
	}
	if head.OV == *op.ExpectedOV {
		return false, nil
	}
	ver, err := rt.Repo.GetVersion(ctx, rc.Collection, *op.ItemID, *op.ExpectedOV+1)
	if err != nil {
		return false, err
	}
	if ver != nil && ver.Op == kind && withinRetryWindow(op, ver.At) {
		return true, nil
	}
	return false, optimisticLockErr(kind, rc.Collection, head.OV)
}

// withinRetryWindow guards against mistaking an unrelated later write of
// the same kind for this operation's commit.
func withinRetryWindow(op *types.FallbackOp, at time.Time) bool {
	if op.FirstAttemptAt.IsZero() {
		return true
	}
	return !at.Before(op.FirstAttemptAt.Add(-time.Minute))
}
