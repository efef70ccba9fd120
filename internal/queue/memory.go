package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-ingest/internal/model"
)

// delivery is one in-flight attempt of a unit.
type delivery struct {
	unit    model.BatchUnit
	attempt int // completed attempts so far
}

// MemoryQueue is a process-local Queue for single-node runs and tests.
// Redeliveries survive only as long as the process does; durability is
// the Postgres queue's job.
type MemoryQueue struct {
	opts Options
	ch   chan delivery

	mu   sync.Mutex
	dead []DeadLetter

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMemory creates an in-memory queue with the given capacity.
func NewMemory(capacity int, opts Options) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		opts:    opts.withDefaults(),
		ch:      make(chan delivery, capacity),
		stopped: make(chan struct{}),
	}
}

// Enqueue adds a unit, blocking when the queue is full (backpressure,
// not failure).
func (q *MemoryQueue) Enqueue(ctx context.Context, unit model.BatchUnit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- delivery{unit: unit}:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "queue: enqueue cancelled")
	}
}

// Run consumes until ctx is cancelled. Returns nil on cancellation.
func (q *MemoryQueue) Run(ctx context.Context, workers int, h Handler) error {
	defer q.stopOnce.Do(func() { close(q.stopped) })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for {
		select {
		case <-gctx.Done():
			_ = g.Wait()
			return nil
		case d := <-q.ch:
			g.Go(func() error {
				q.handle(gctx, d, h)
				return nil
			})
		}
	}
}

func (q *MemoryQueue) handle(ctx context.Context, d delivery, h Handler) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.opts.VisibilityTimeout)
	err := h(attemptCtx, d.unit)
	cancel()
	if err == nil {
		return
	}

	d.attempt++
	log := zap.L().With(
		zap.String("upload_id", d.unit.UploadID),
		zap.Int("batch_index", d.unit.BatchIndex),
		zap.Int("attempt", d.attempt),
	)

	if d.attempt > q.opts.MaxRetries {
		log.Error("batch unit dead-lettered", zap.Error(err))
		dl := DeadLetter{
			Unit:     d.unit,
			Error:    err.Error(),
			Attempts: d.attempt,
			FailedAt: time.Now().UTC(),
		}
		q.mu.Lock()
		q.dead = append(q.dead, dl)
		q.mu.Unlock()
		if q.opts.OnDeadLetter != nil {
			q.opts.OnDeadLetter(ctx, dl)
		}
		return
	}

	log.Warn("batch unit redelivery scheduled", zap.Error(err))
	backoff := q.opts.backoffFor(d.attempt - 1)
	time.AfterFunc(backoff, func() {
		select {
		case q.ch <- d:
		case <-q.stopped:
		}
	})
}

func (q *MemoryQueue) DeadLetters(context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Depth returns the number of units waiting for delivery.
func (q *MemoryQueue) Depth() int {
	return len(q.ch)
}
