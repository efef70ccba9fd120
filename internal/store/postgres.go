package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/db"
	"github.com/sells-group/lead-ingest/internal/model"
)

// PostgresStore implements LeadStore using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests and by the
// serve command to share one pool across stores).
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool so the status store and queue can
// share the connection.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS leads (
	id           TEXT PRIMARY KEY,
	email        TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	phone        TEXT NOT NULL DEFAULT '',
	company      TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	remarks      TEXT NOT NULL DEFAULT '',
	source_file  TEXT NOT NULL DEFAULT '',
	source_sheet TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_identity ON leads(email) WHERE email <> 'N/A';
CREATE INDEX IF NOT EXISTS idx_leads_source_file ON leads(source_file);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate leads")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetByIdentity(ctx context.Context, email string) (*model.Lead, error) {
	if email == "" || email == model.SentinelIdentity {
		return nil, nil
	}

	row := s.pool.QueryRow(ctx,
		`SELECT id, email, name, phone, company, title, location, remarks,
		        source_file, source_sheet, created_at, updated_at
		 FROM leads WHERE email = $1`,
		email,
	)

	var lead model.Lead
	err := row.Scan(&lead.ID, &lead.Email, &lead.Name, &lead.Phone, &lead.Company,
		&lead.Title, &lead.Location, &lead.Remarks, &lead.SourceFile, &lead.SourceSheet,
		&lead.CreatedAt, &lead.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead by identity %s", email)
	}
	return &lead, nil
}

const postgresUpsert = `
INSERT INTO leads (id, email, name, phone, company, title, location, remarks,
                   source_file, source_sheet, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
ON CONFLICT (email) WHERE email <> 'N/A' DO UPDATE SET
	name         = EXCLUDED.name,
	phone        = EXCLUDED.phone,
	company      = EXCLUDED.company,
	title        = EXCLUDED.title,
	location     = EXCLUDED.location,
	remarks      = EXCLUDED.remarks,
	source_file  = EXCLUDED.source_file,
	source_sheet = EXCLUDED.source_sheet,
	updated_at   = EXCLUDED.updated_at
RETURNING id, created_at`

func (s *PostgresStore) Upsert(ctx context.Context, lead model.Lead) (*model.Lead, error) {
	now := time.Now().UTC()
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Email == "" {
		lead.Email = model.SentinelIdentity
	}
	lead.UpdatedAt = now

	row := s.pool.QueryRow(ctx, postgresUpsert,
		lead.ID, lead.Email, lead.Name, lead.Phone, lead.Company, lead.Title,
		lead.Location, lead.Remarks, lead.SourceFile, lead.SourceSheet, now,
	)
	if err := row.Scan(&lead.ID, &lead.CreatedAt); err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert lead %s", lead.Email)
	}
	return &lead, nil
}

var leadColumns = []string{
	"id", "email", "name", "phone", "company", "title", "location", "remarks",
	"source_file", "source_sheet", "created_at", "updated_at",
}

// UpsertMany writes a whole batch in one round trip via COPY plus
// INSERT ... ON CONFLICT. created_at is excluded from the update set so
// first-write timestamps survive replacement.
func (s *PostgresStore) UpsertMany(ctx context.Context, leads []model.Lead) (int, error) {
	if len(leads) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(leads))
	for i, lead := range leads {
		if lead.ID == "" {
			lead.ID = uuid.New().String()
		}
		if lead.Email == "" {
			lead.Email = model.SentinelIdentity
		}
		rows[i] = []any{
			lead.ID, lead.Email, lead.Name, lead.Phone, lead.Company, lead.Title,
			lead.Location, lead.Remarks, lead.SourceFile, lead.SourceSheet, now, now,
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         "leads",
		Columns:       leadColumns,
		ConflictKeys:  []string{"email"},
		ConflictWhere: "email <> 'N/A'",
		UpdateCols: []string{
			"name", "phone", "company", "title", "location", "remarks",
			"source_file", "source_sheet", "updated_at",
		},
	}, rows)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
