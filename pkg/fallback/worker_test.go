package fallback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-db/chronos/pkg/config"
	"github.com/chronos-db/chronos/pkg/repo"
	"github.com/chronos-db/chronos/pkg/types"
)

type scriptedHandler struct {
	mu    sync.Mutex
	errs  []error // consumed one per call, nil once exhausted
	calls int
}

func (h *scriptedHandler) Retry(ctx context.Context, op *types.FallbackOp) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) == 0 {
		return nil
	}
	err := h.errs[0]
	h.errs = h.errs[1:]
	return err
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWorkerCompletesSuccessfulRetry(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(repo.NewMemory(), config.Fallback{Enabled: true})
	h := &scriptedHandler{}
	w := NewWorker(q, h, nil, 10*time.Millisecond)

	op := newOp(types.OpCreate)
	require.NoError(t, q.Enqueue(ctx, op))

	w.Start()
	defer w.Stop()

	waitFor(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	})
	assert.Equal(t, 1, h.callCount())
}

func TestWorkerFastTracksNonRetryableToDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(repo.NewMemory(), config.Fallback{Enabled: true})
	h := &scriptedHandler{errs: []error{
		types.E(types.KindValidation, types.OpCreate, "users", "required prop missing", nil),
	}}
	w := NewWorker(q, h, nil, 10*time.Millisecond)

	op := newOp(types.OpCreate)
	require.NoError(t, q.Enqueue(ctx, op))

	w.Start()
	defer w.Stop()

	// One attempt is enough: validation failures skip the remaining budget.
	waitFor(t, func() bool {
		letters, err := q.ListDeadLetters(ctx, 10)
		return err == nil && len(letters) == 1
	})
	assert.Equal(t, 1, h.callCount())

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestWorkerStops(t *testing.T) {
	q := NewQueue(repo.NewMemory(), config.Fallback{Enabled: true})
	w := NewWorker(q, &scriptedHandler{}, nil, 10*time.Millisecond)
	w.Start()
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
