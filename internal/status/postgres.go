package status

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/db"
	"github.com/sells-group/lead-ingest/internal/model"
)

// PostgresService implements Service on Postgres. Counter updates are
// single conditional statements, never read-modify-write from a caller
// snapshot; idempotency is carried by the upload_batches primary key.
type PostgresService struct {
	pool db.Pool
	ttl  time.Duration
}

// NewPostgres creates a Postgres-backed status service.
func NewPostgres(pool db.Pool, ttl time.Duration) *PostgresService {
	return &PostgresService{pool: pool, ttl: ttl}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS upload_status (
	upload_id             TEXT PRIMARY KEY,
	file_name             TEXT NOT NULL DEFAULT '',
	file_size             BIGINT NOT NULL DEFAULT 0,
	state                 TEXT NOT NULL,
	stage                 TEXT NOT NULL,
	total_batches         INT NOT NULL DEFAULT 0,
	completed_batches     INT NOT NULL DEFAULT 0,
	failed_batches        INT NOT NULL DEFAULT 0,
	total_leads           INT NOT NULL DEFAULT 0,
	processed_leads       INT NOT NULL DEFAULT 0,
	error_message         TEXT,
	error_code            TEXT,
	error_at              TIMESTAMPTZ,
	processing_started_at TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at            TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_upload_status_expires_at ON upload_status(expires_at);

CREATE TABLE IF NOT EXISTS upload_batches (
	upload_id   TEXT NOT NULL,
	batch_index INT NOT NULL,
	leads_added INT NOT NULL DEFAULT 0,
	failed      BOOLEAN NOT NULL DEFAULT false,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (upload_id, batch_index)
);
`

// Migrate applies the status schema.
func (s *PostgresService) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "status: migrate")
}

// Create is idempotent: a live record wins the conflict so a duplicate
// request cannot reset in-flight progress. An expired record is reset
// in place along with its batch ledger.
func (s *PostgresService) Create(ctx context.Context, uploadID, fileName string, fileSize int64) (*model.UploadStatus, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO upload_status (upload_id, file_name, file_size, state, stage, expires_at)
		 VALUES ($1, $2, $3, $4, $5, now() + $6::interval)
		 ON CONFLICT (upload_id) DO UPDATE
		 SET file_name = EXCLUDED.file_name, file_size = EXCLUDED.file_size,
		     state = EXCLUDED.state, stage = EXCLUDED.stage,
		     total_batches = 0, completed_batches = 0, failed_batches = 0,
		     total_leads = 0, processed_leads = 0,
		     error_message = NULL, error_code = NULL, error_at = NULL,
		     processing_started_at = NULL,
		     created_at = now(), updated_at = now(),
		     expires_at = EXCLUDED.expires_at
		 WHERE upload_status.expires_at <= now()`,
		uploadID, fileName, fileSize,
		string(model.UploadStateUploading), string(model.StageFileUpload),
		s.ttl.String(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "status: create %s", uploadID)
	}

	// A fresh insert has no ledger rows; a reset of an expired record
	// must drop them so old batch indices cannot block progress.
	if tag.RowsAffected() > 0 {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM upload_batches WHERE upload_id = $1`, uploadID,
		); err != nil {
			return nil, eris.Wrapf(err, "status: clear batch ledger %s", uploadID)
		}
	}

	return s.Get(ctx, uploadID)
}

func (s *PostgresService) MarkUploaded(ctx context.Context, uploadID string) (*model.UploadStatus, error) {
	return s.transition(ctx, uploadID,
		`UPDATE upload_status SET state = $2, updated_at = now()
		 WHERE upload_id = $1 AND state = ANY($3) AND expires_at > now()`,
		model.UploadStateUploaded,
		[]string{string(model.UploadStateUploading)},
	)
}

func (s *PostgresService) BeginProcessing(ctx context.Context, uploadID string, totalBatches int) (*model.UploadStatus, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE upload_status
		 SET state = $2, stage = $3, total_batches = $4,
		     processing_started_at = now(), updated_at = now()
		 WHERE upload_id = $1 AND state = ANY($5) AND expires_at > now()`,
		uploadID,
		string(model.UploadStateProcessing), string(model.StageFileProcessing), totalBatches,
		[]string{string(model.UploadStateUploading), string(model.UploadStateUploaded)},
	)
	if err != nil {
		return nil, eris.Wrapf(err, "status: begin processing %s", uploadID)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.rejection(ctx, uploadID, model.UploadStateProcessing)
	}
	return s.Get(ctx, uploadID)
}

func (s *PostgresService) MarkBatchProcessing(ctx context.Context, uploadID string) (*model.UploadStatus, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE upload_status SET stage = $2, updated_at = now()
		 WHERE upload_id = $1 AND state = $3 AND expires_at > now()`,
		uploadID, string(model.StageBatchProcessing), string(model.UploadStateProcessing),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "status: mark batch processing %s", uploadID)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.rejection(ctx, uploadID, model.UploadStateProcessing)
	}
	return s.Get(ctx, uploadID)
}

func (s *PostgresService) AdvanceBatch(ctx context.Context, uploadID string, batchIndex, leadsAdded int, failure *model.UploadError) (*model.UploadStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "status: advance batch: begin tx")
	}
	defer tx.Rollback(ctx)

	failed := failure != nil

	// The primary key makes redelivered units a no-op.
	tag, err := tx.Exec(ctx,
		`INSERT INTO upload_batches (upload_id, batch_index, leads_added, failed)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (upload_id, batch_index) DO NOTHING`,
		uploadID, batchIndex, leadsAdded, failed,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "status: record batch %s/%d", uploadID, batchIndex)
	}

	if tag.RowsAffected() > 0 {
		var errMsg, errCode any
		if failed {
			errMsg = sanitizeMessage(failure.Message)
			errCode = failure.Code
		}
		_, err = tx.Exec(ctx,
			`UPDATE upload_status
			 SET completed_batches = completed_batches + 1,
			     failed_batches    = failed_batches + CASE WHEN $3 THEN 1 ELSE 0 END,
			     total_leads       = total_leads + CASE WHEN $3 THEN 0 ELSE $2 END,
			     processed_leads   = processed_leads + CASE WHEN $3 THEN 0 ELSE $2 END,
			     error_message     = COALESCE($4, error_message),
			     error_code        = COALESCE($5, error_code),
			     error_at          = CASE WHEN $3 THEN now() ELSE error_at END,
			     updated_at        = now()
			 WHERE upload_id = $1`,
			uploadID, leadsAdded, failed, errMsg, errCode,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "status: advance counters %s", uploadID)
		}

		// Completion check runs inside the same tx so the final batch
		// cannot race another completion.
		_, err = tx.Exec(ctx,
			`UPDATE upload_status
			 SET state = CASE WHEN failed_batches >= total_batches THEN $2 ELSE $3 END,
			     stage = CASE WHEN failed_batches >= total_batches THEN stage ELSE $4 END,
			     updated_at = now()
			 WHERE upload_id = $1 AND state = $5
			   AND total_batches > 0 AND completed_batches >= total_batches`,
			uploadID,
			string(model.UploadStateError), string(model.UploadStateCompleted),
			string(model.StageCompleted), string(model.UploadStateProcessing),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "status: finalize %s", uploadID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "status: advance batch: commit")
	}

	return s.Get(ctx, uploadID)
}

func (s *PostgresService) SetError(ctx context.Context, uploadID, message, code string) (*model.UploadStatus, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE upload_status
		 SET state = $2, error_message = $3, error_code = $4, error_at = now(), updated_at = now()
		 WHERE upload_id = $1 AND state = ANY($5) AND expires_at > now()`,
		uploadID, string(model.UploadStateError), sanitizeMessage(message), code,
		nonTerminalStates(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "status: set error %s", uploadID)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.rejection(ctx, uploadID, model.UploadStateError)
	}
	return s.Get(ctx, uploadID)
}

func (s *PostgresService) Cancel(ctx context.Context, uploadID string) (*model.UploadStatus, error) {
	return s.transition(ctx, uploadID,
		`UPDATE upload_status SET state = $2, updated_at = now()
		 WHERE upload_id = $1 AND state = ANY($3) AND expires_at > now()`,
		model.UploadStateCancelled,
		nonTerminalStates(),
	)
}

const selectStatus = `
SELECT upload_id, file_name, file_size, state, stage,
       total_batches, completed_batches, failed_batches, total_leads, processed_leads,
       error_message, error_code, error_at, processing_started_at,
       created_at, updated_at, expires_at
FROM upload_status
WHERE upload_id = $1 AND expires_at > now()`

func (s *PostgresService) Get(ctx context.Context, uploadID string) (*model.UploadStatus, error) {
	row := s.pool.QueryRow(ctx, selectStatus, uploadID)

	var st model.UploadStatus
	var errMsg, errCode *string
	var errAt, startedAt *time.Time
	err := row.Scan(&st.UploadID, &st.FileName, &st.FileSize, &st.State, &st.Stage,
		&st.TotalBatches, &st.CompletedBatches, &st.FailedBatches, &st.TotalLeads, &st.ProcessedLeads,
		&errMsg, &errCode, &errAt, &startedAt,
		&st.CreatedAt, &st.UpdatedAt, &st.ExpiresAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "status: get %s", uploadID)
	}

	if errMsg != nil {
		st.Error = &model.UploadError{Message: *errMsg}
		if errCode != nil {
			st.Error.Code = *errCode
		}
		if errAt != nil {
			st.Error.Timestamp = *errAt
		}
	}

	var started time.Time
	if startedAt != nil {
		started = *startedAt
	}
	derive(&st, started, time.Now().UTC())
	return &st, nil
}

// DeleteExpired removes expired status records and their batch ledger
// rows, returning how many uploads were swept.
func (s *PostgresService) DeleteExpired(ctx context.Context) (int, error) {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM upload_batches WHERE upload_id IN
		   (SELECT upload_id FROM upload_status WHERE expires_at <= now())`)
	if err != nil {
		return 0, eris.Wrap(err, "status: delete expired batches")
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM upload_status WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "status: delete expired")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresService) transition(ctx context.Context, uploadID, sql string, to model.UploadState, fromStates []string) (*model.UploadStatus, error) {
	tag, err := s.pool.Exec(ctx, sql, uploadID, string(to), fromStates)
	if err != nil {
		return nil, eris.Wrapf(err, "status: transition %s to %s", uploadID, to)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.rejection(ctx, uploadID, to)
	}
	return s.Get(ctx, uploadID)
}

// rejection distinguishes a missing record from a forbidden transition
// after a conditional update matched no rows.
func (s *PostgresService) rejection(ctx context.Context, uploadID string, to model.UploadState) error {
	st, err := s.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrInvalidTransition, "%s -> %s for upload %s", st.State, to, uploadID)
}

func nonTerminalStates() []string {
	return []string{
		string(model.UploadStateUploading),
		string(model.UploadStateUploaded),
		string(model.UploadStateProcessing),
	}
}
