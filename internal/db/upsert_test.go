package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() UpsertConfig {
	return UpsertConfig{
		Table:        "leads",
		Columns:      []string{"id", "email", "name"},
		ConflictKeys: []string{"email"},
		UpdateCols:   []string{"name"},
	}
}

func TestBulkUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{
		{"id-1", "a@x.com", "A"},
		{"id-2", "b@x.com", "B"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_leads"}, []string{"id", "email", "name"}).
		WillReturnResult(2)
	mock.ExpectExec("INSERT INTO \"leads\"").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, testConfig(), rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_EmptyRowsIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := BulkUpsert(context.Background(), mock, testConfig(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_ConfigValidation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := [][]any{{"id-1"}}

	cfg := testConfig()
	cfg.Columns = nil
	_, err = BulkUpsert(context.Background(), mock, cfg, rows)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.ConflictKeys = nil
	_, err = BulkUpsert(context.Background(), mock, cfg, rows)
	assert.Error(t, err)
}

func TestBulkUpsert_PartialIndexConflictTarget(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := testConfig()
	cfg.ConflictWhere = "email <> 'N/A'"

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_leads"}, []string{"id", "email", "name"}).
		WillReturnResult(1)
	// The conflict target names the partial unique index.
	mock.ExpectExec(`ON CONFLICT \("email"\) WHERE \(email <> 'N/A'\)`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{{"id-1", "N/A", "Anon"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
