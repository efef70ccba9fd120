package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-ingest/internal/model"
)

// SQLiteStore implements LeadStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_identity ON leads(email) WHERE email <> 'N/A';
CREATE INDEX IF NOT EXISTS idx_leads_source_file ON leads(source_file);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetByIdentity(ctx context.Context, email string) (*model.Lead, error) {
	if email == "" || email == model.SentinelIdentity {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, phone, company, title, location, remarks,
		        source_file, source_sheet, created_at, updated_at
		 FROM leads WHERE email = ?`,
		email,
	)

	var lead model.Lead
	err := row.Scan(&lead.ID, &lead.Email, &lead.Name, &lead.Phone, &lead.Company,
		&lead.Title, &lead.Location, &lead.Remarks, &lead.SourceFile, &lead.SourceSheet,
		&lead.CreatedAt, &lead.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead by identity %s", email)
	}
	return &lead, nil
}

// sqliteUpsert replaces every mutable field on conflict; id and
// created_at survive. The conflict target is the partial identity index,
// so sentinel rows never collide.
const sqliteUpsert = `
INSERT INTO leads (id, email, name, phone, company, title, location, remarks,
                   source_file, source_sheet, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (email) WHERE email <> 'N/A' DO UPDATE SET
	name         = excluded.name,
	phone        = excluded.phone,
	company      = excluded.company,
	title        = excluded.title,
	location     = excluded.location,
	remarks      = excluded.remarks,
	source_file  = excluded.source_file,
	source_sheet = excluded.source_sheet,
	updated_at   = excluded.updated_at
RETURNING id, created_at`

func (s *SQLiteStore) Upsert(ctx context.Context, lead model.Lead) (*model.Lead, error) {
	now := time.Now().UTC()
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if lead.Email == "" {
		lead.Email = model.SentinelIdentity
	}
	lead.UpdatedAt = now

	row := s.db.QueryRowContext(ctx, sqliteUpsert,
		lead.ID, lead.Email, lead.Name, lead.Phone, lead.Company, lead.Title,
		lead.Location, lead.Remarks, lead.SourceFile, lead.SourceSheet, now, now,
	)
	if err := row.Scan(&lead.ID, &lead.CreatedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert lead %s", lead.Email)
	}
	return &lead, nil
}

func (s *SQLiteStore) UpsertMany(ctx context.Context, leads []model.Lead) (int, error) {
	for i, lead := range leads {
		if _, err := s.Upsert(ctx, lead); err != nil {
			return i, err
		}
	}
	return len(leads), nil
}
