// Package queue delivers batch units to processors at-least-once, with
// bounded retries and a dead-letter path for manual inspection.
package queue

import (
	"context"
	"time"

	"github.com/sells-group/lead-ingest/internal/model"
)

// Handler processes one delivered batch unit. A non-nil error triggers
// redelivery until the retry budget is exhausted.
type Handler func(ctx context.Context, unit model.BatchUnit) error

// Queue is an at-least-once delivery queue of batch units. Message
// identity is (uploadId, batchIndex); the queue does not deduplicate —
// idempotency is the consumer's job.
type Queue interface {
	Enqueue(ctx context.Context, unit model.BatchUnit) error

	// Run consumes units with h until ctx is cancelled, processing at
	// most workers units concurrently. Each delivery runs under the
	// visibility timeout; exceeding it counts as a failed attempt.
	Run(ctx context.Context, workers int, h Handler) error

	// DeadLetters returns units that exhausted their retry budget.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
}

// DeadLetter is a unit that failed every delivery attempt.
type DeadLetter struct {
	Unit     model.BatchUnit `json:"unit"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// Options tunes delivery behavior. Zero values fall back to defaults.
type Options struct {
	MaxRetries        int           // redeliveries after the first attempt; default 3
	RetryBackoff      time.Duration // base delay, doubled per attempt; default 500ms
	VisibilityTimeout time.Duration // max in-flight duration per attempt; default 2m

	// OnDeadLetter runs after a unit is dead-lettered, so the upload's
	// status record can count the lost unit and still reach a terminal
	// state. Nil disables notification.
	OnDeadLetter func(ctx context.Context, dl DeadLetter)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	return o
}

// backoffFor doubles the base delay per completed attempt.
func (o Options) backoffFor(attempt int) time.Duration {
	d := o.RetryBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
