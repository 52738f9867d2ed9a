package fallback

import (
	"context"
	"time"

	"github.com/chronos-db/chronos/pkg/events"
	"github.com/chronos-db/chronos/pkg/log"
	"github.com/chronos-db/chronos/pkg/metrics"
	"github.com/chronos-db/chronos/pkg/types"
)

// DefaultPollInterval is how often the worker looks for due operations.
const DefaultPollInterval = 5 * time.Second

// Handler replays one fallback operation. Implemented by the engine's
// retry dispatch.
type Handler interface {
	Retry(ctx context.Context, op *types.FallbackOp) error
}

// Worker polls the queue and dispatches due operations to the handler.
// Single-threaded: one retry at a time, cancellable between operations.
type Worker struct {
	queue    *Queue
	handler  Handler
	broker   *events.Broker
	interval time.Duration
	batch    int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorker builds a worker. broker may be nil.
func NewWorker(queue *Queue, handler Handler, broker *events.Broker, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Worker{
		queue:    queue,
		handler:  handler,
		broker:   broker,
		interval: interval,
		batch:    20,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the poll loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to end and waits for the in-flight retry to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.drain()
		case <-w.stopCh:
			return
		}
	}
}

// drain processes every currently-due operation, checking the stop signal
// between dispatches.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval*6)
	defer cancel()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		due, err := w.queue.Due(ctx, time.Now().UTC(), w.batch)
		if err != nil {
			log.Component("fallback").Error().Err(err).Msg("failed to poll fallback queue")
			return
		}
		if len(due) == 0 {
			return
		}
		for _, op := range due {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.dispatch(ctx, op)
		}
		if int64(len(due)) < w.batch {
			return
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, op *types.FallbackOp) {
	err := w.handler.Retry(ctx, op)
	if err == nil {
		metrics.FallbackRetriesTotal.WithLabelValues("success").Inc()
		if cerr := w.queue.Complete(ctx, op); cerr != nil {
			log.Component("fallback").Error().Err(cerr).
				Str("op", string(op.Op)).Msg("failed to complete fallback op")
		}
		w.publish(events.EventFallbackRetried, op)
		return
	}

	// Non-retryable classifications go straight to the dead letter; another
	// nine attempts will not fix a validation failure.
	if !types.Retryable(err) && types.KindOf(err) != "" {
		op.Attempts = w.queue.cfg.Attempts()
	}
	metrics.FallbackRetriesTotal.WithLabelValues("failure").Inc()
	dead, ferr := w.queue.Fail(ctx, op, err)
	if ferr != nil {
		log.Component("fallback").Error().Err(ferr).
			Str("op", string(op.Op)).Msg("failed to record retry failure")
		return
	}
	if dead {
		log.Component("fallback").Warn().
			Str("op", string(op.Op)).
			Str("collection", op.Route.Collection).
			Int("attempts", op.Attempts).
			Msg("fallback op exhausted, moved to dead letter")
		w.publish(events.EventFallbackExhausted, op)
	}
}

func (w *Worker) publish(t events.EventType, op *types.FallbackOp) {
	if w.broker == nil {
		return
	}
	ev := &events.Event{Type: t, Collection: op.Route.Collection}
	if op.ItemID != nil {
		ev.ItemID = *op.ItemID
	}
	w.broker.Publish(ev)
}
