package fallback

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

// Queue persists failed mutations for later retry. The backing store is the
// document store: fallback operations must survive a process restart.
type Queue struct {
	store repo.Store
	cfg   config.Fallback
}

// NewQueue builds a queue over the given store.
func NewQueue(store repo.Store, cfg config.Fallback) *Queue {
	return &Queue{store: store, cfg: cfg}
}

// Enqueue persists a fallback operation. The engine has already stamped the
// attempt counters and first/next attempt instants.
func (q *Queue) Enqueue(ctx context.Context, op *types.FallbackOp) error {
	if err := q.store.EnqueueFallback(ctx, op); err != nil {
		return fmt.Errorf("failed to enqueue fallback op: %w", err)
	}
	if depth, err := q.store.FallbackDepth(ctx); err == nil {
		metrics.FallbackQueueDepth.Set(float64(depth))
	}
	return nil
}

// Due returns operations whose next attempt is due.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int64) ([]*types.FallbackOp, error) {
	return q.store.DueFallbacks(ctx, now, limit)
}

// Complete removes a successfully retried operation.
func (q *Queue) Complete(ctx context.Context, op *types.FallbackOp) error {
	if err := q.store.DeleteFallback(ctx, op.ID); err != nil {
		return fmt.Errorf("failed to delete fallback op: %w", err)
	}
	if depth, err := q.store.FallbackDepth(ctx); err == nil {
		metrics.FallbackQueueDepth.Set(float64(depth))
	}
	return nil
}

// Fail records a failed retry: either reschedules with exponential backoff
// or moves the operation to the dead-letter collection once attempts are
// exhausted. Reports whether the op was dead-lettered.
func (q *Queue) Fail(ctx context.Context, op *types.FallbackOp, cause error) (bool, error) {
	now := time.Now().UTC()
	op.Attempts++
	op.LastError = cause.Error()
	op.History = append(op.History, types.FallbackAttempt{At: now, Error: cause.Error()})

	if op.Attempts >= q.cfg.Attempts() {
		if err := q.store.InsertDeadLetter(ctx, op); err != nil {
			return false, fmt.Errorf("failed to dead-letter fallback op: %w", err)
		}
		if err := q.store.DeleteFallback(ctx, op.ID); err != nil {
			return true, fmt.Errorf("failed to remove exhausted fallback op: %w", err)
		}
		metrics.DeadLettersTotal.Inc()
		if depth, err := q.store.FallbackDepth(ctx); err == nil {
			metrics.FallbackQueueDepth.Set(float64(depth))
		}
		return true, nil
	}

	op.NextAttemptAt = now.Add(q.Backoff(op.Attempts))
	if err := q.store.RescheduleFallback(ctx, op); err != nil {
		return false, fmt.Errorf("failed to reschedule fallback op: %w", err)
	}
	return false, nil
}

// Backoff computes the delay before the given attempt number (1-based):
// exponential with a ceiling, plus uniform jitter in [0, delay/2].
func (q *Queue) Backoff(attempts int) time.Duration {
	base := q.cfg.BaseDelay()
	max := q.cfg.MaxDelay()
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// ListDeadLetters returns dead-lettered operations, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int64) ([]*types.FallbackOp, error) {
	return q.store.ListDeadLetters(ctx, limit)
}

// RetryDeadLetter moves a dead-lettered operation back onto the queue with
// reset counters. The preserved history survives on the requeued op.
func (q *Queue) RetryDeadLetter(ctx context.Context, id primitive.ObjectID) error {
	op, err := q.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return types.E(types.KindNotFound, "", "", "dead letter not found", nil)
	}
	op.ID = primitive.NilObjectID
	op.Attempts = 0
	op.NextAttemptAt = time.Now().UTC()
	if err := q.store.EnqueueFallback(ctx, op); err != nil {
		return fmt.Errorf("failed to requeue dead letter: %w", err)
	}
	return q.store.DeleteDeadLetter(ctx, id)
}

// CancelDeadLetter discards a dead-lettered operation permanently.
func (q *Queue) CancelDeadLetter(ctx context.Context, id primitive.ObjectID) error {
	op, err := q.store.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return types.E(types.KindNotFound, "", "", "dead letter not found", nil)
	}
	return q.store.DeleteDeadLetter(ctx, id)
}

// Depth reports the current queue size.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.FallbackDepth(ctx)
}
