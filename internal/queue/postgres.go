package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-ingest/internal/db"
	"github.com/sells-group/lead-ingest/internal/model"
)

// PostgresQueue is a durable Queue backed by a claim table. Workers
// claim rows with FOR UPDATE SKIP LOCKED; a claimed row becomes visible
// again after the visibility timeout, which is how crashed consumers
// get their units redelivered.
type PostgresQueue struct {
	pool         db.Pool
	opts         Options
	pollInterval time.Duration
}

// NewPostgres creates a Postgres-backed queue.
func NewPostgres(pool db.Pool, opts Options) *PostgresQueue {
	return &PostgresQueue{
		pool:         pool,
		opts:         opts.withDefaults(),
		pollInterval: 250 * time.Millisecond,
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batch_queue (
	upload_id   TEXT NOT NULL,
	batch_index INT NOT NULL,
	payload     JSONB NOT NULL,
	attempts    INT NOT NULL DEFAULT 0,
	visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (upload_id, batch_index)
);

CREATE INDEX IF NOT EXISTS idx_batch_queue_visible_at ON batch_queue(visible_at);

CREATE TABLE IF NOT EXISTS batch_queue_dead (
	upload_id   TEXT NOT NULL,
	batch_index INT NOT NULL,
	payload     JSONB NOT NULL,
	attempts    INT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	failed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (upload_id, batch_index)
);
`

// Migrate applies the queue schema.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "queue: migrate")
}

func (q *PostgresQueue) Enqueue(ctx context.Context, unit model.BatchUnit) error {
	if err := unit.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(unit)
	if err != nil {
		return eris.Wrap(err, "queue: marshal unit")
	}

	_, err = q.pool.Exec(ctx,
		`INSERT INTO batch_queue (upload_id, batch_index, payload) VALUES ($1, $2, $3)`,
		unit.UploadID, unit.BatchIndex, payload,
	)
	return eris.Wrapf(err, "queue: enqueue %s/%d", unit.UploadID, unit.BatchIndex)
}

// claim takes the oldest visible unit, bumping its attempt count and
// hiding it for the visibility window. Returns (nil, 0, nil) when the
// queue is empty.
func (q *PostgresQueue) claim(ctx context.Context) (*model.BatchUnit, int, error) {
	row := q.pool.QueryRow(ctx,
		`UPDATE batch_queue
		 SET visible_at = now() + $1::interval, attempts = attempts + 1
		 WHERE (upload_id, batch_index) IN (
		   SELECT upload_id, batch_index FROM batch_queue
		   WHERE visible_at <= now()
		   ORDER BY enqueued_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING payload, attempts`,
		q.opts.VisibilityTimeout.String(),
	)

	var payload []byte
	var attempts int
	if err := row.Scan(&payload, &attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, eris.Wrap(err, "queue: claim")
	}

	var unit model.BatchUnit
	if err := json.Unmarshal(payload, &unit); err != nil {
		return nil, 0, eris.Wrap(err, "queue: unmarshal unit")
	}
	return &unit, attempts, nil
}

func (q *PostgresQueue) Run(ctx context.Context, workers int, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for {
		if gctx.Err() != nil {
			_ = g.Wait()
			return nil
		}

		unit, attempts, err := q.claim(gctx)
		if err != nil {
			if gctx.Err() != nil {
				_ = g.Wait()
				return nil
			}
			zap.L().Error("queue: claim failed", zap.Error(err))
		}
		if unit == nil {
			timer := time.NewTimer(q.pollInterval)
			select {
			case <-gctx.Done():
				timer.Stop()
				_ = g.Wait()
				return nil
			case <-timer.C:
			}
			continue
		}

		g.Go(func() error {
			q.handle(gctx, *unit, attempts, h)
			return nil
		})
	}
}

func (q *PostgresQueue) handle(ctx context.Context, unit model.BatchUnit, attempts int, h Handler) {
	attemptCtx, cancel := context.WithTimeout(ctx, q.opts.VisibilityTimeout)
	err := h(attemptCtx, unit)
	cancel()

	log := zap.L().With(
		zap.String("upload_id", unit.UploadID),
		zap.Int("batch_index", unit.BatchIndex),
		zap.Int("attempt", attempts),
	)

	if err == nil {
		if _, aerr := q.pool.Exec(ctx,
			`DELETE FROM batch_queue WHERE upload_id = $1 AND batch_index = $2`,
			unit.UploadID, unit.BatchIndex,
		); aerr != nil {
			// The unit will redeliver after the visibility window; the
			// consumer's idempotency absorbs the duplicate.
			log.Warn("queue: ack failed", zap.Error(aerr))
		}
		return
	}

	if attempts > q.opts.MaxRetries {
		log.Error("batch unit dead-lettered", zap.Error(err))
		if derr := q.deadLetter(ctx, unit, attempts, err); derr != nil {
			// The unit stays claimable, so notification waits for the
			// attempt that lands in the dead-letter table.
			log.Error("queue: dead-letter failed", zap.Error(derr))
			return
		}
		if q.opts.OnDeadLetter != nil {
			q.opts.OnDeadLetter(ctx, DeadLetter{
				Unit:     unit,
				Error:    err.Error(),
				Attempts: attempts,
				FailedAt: time.Now().UTC(),
			})
		}
		return
	}

	log.Warn("batch unit redelivery scheduled", zap.Error(err))
	backoff := q.opts.backoffFor(attempts - 1)
	if _, rerr := q.pool.Exec(ctx,
		`UPDATE batch_queue SET visible_at = now() + $3::interval
		 WHERE upload_id = $1 AND batch_index = $2`,
		unit.UploadID, unit.BatchIndex, backoff.String(),
	); rerr != nil {
		log.Warn("queue: reschedule failed", zap.Error(rerr))
	}
}

func (q *PostgresQueue) deadLetter(ctx context.Context, unit model.BatchUnit, attempts int, cause error) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return eris.Wrap(err, "queue: marshal dead letter")
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: dead letter: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO batch_queue_dead (upload_id, batch_index, payload, attempts, error)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (upload_id, batch_index) DO NOTHING`,
		unit.UploadID, unit.BatchIndex, payload, attempts, cause.Error(),
	); err != nil {
		return eris.Wrap(err, "queue: insert dead letter")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM batch_queue WHERE upload_id = $1 AND batch_index = $2`,
		unit.UploadID, unit.BatchIndex,
	); err != nil {
		return eris.Wrap(err, "queue: remove dead-lettered unit")
	}

	return eris.Wrap(tx.Commit(ctx), "queue: dead letter: commit")
}

func (q *PostgresQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT payload, attempts, error, failed_at FROM batch_queue_dead ORDER BY failed_at`)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var payload []byte
		var dl DeadLetter
		if err := rows.Scan(&payload, &dl.Attempts, &dl.Error, &dl.FailedAt); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead letter")
		}
		if err := json.Unmarshal(payload, &dl.Unit); err != nil {
			return nil, eris.Wrap(err, "queue: unmarshal dead letter")
		}
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "queue: iterate dead letters")
}
