package status

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *MemoryService {
	t.Helper()
	return NewMemory(24 * time.Hour)
}

func createUpload(t *testing.T, svc *MemoryService, id string) {
	t.Helper()
	_, err := svc.Create(context.Background(), id, "contacts.xlsx", 2048)
	require.NoError(t, err)
}

func TestCreate_InitialRecord(t *testing.T) {
	svc := newTestService(t)

	st, err := svc.Create(context.Background(), "up-1", "contacts.xlsx", 2048)
	require.NoError(t, err)

	assert.Equal(t, "up-1", st.UploadID)
	assert.Equal(t, "contacts.xlsx", st.FileName)
	assert.Equal(t, int64(2048), st.FileSize)
	assert.Equal(t, model.UploadStateUploading, st.State)
	assert.Equal(t, model.StageFileUpload, st.Stage)
	assert.Equal(t, st.CreatedAt.Add(24*time.Hour), st.ExpiresAt)
}

func TestCreate_DuplicateReturnsLiveRecord(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")

	_, err := svc.BeginProcessing(ctx, "up-1", 3)
	require.NoError(t, err)
	_, err = svc.AdvanceBatch(ctx, "up-1", 0, 5, nil)
	require.NoError(t, err)

	// A duplicate create must not reset in-flight progress.
	st, err := svc.Create(ctx, "up-1", "other.csv", 1)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateProcessing, st.State)
	assert.Equal(t, "contacts.xlsx", st.FileName)
	assert.Equal(t, 1, st.CompletedBatches)
	assert.Equal(t, 5, st.TotalLeads)
}

func TestCreate_ExpiredRecordIsReplaced(t *testing.T) {
	ctx := context.Background()
	svc := NewMemory(time.Hour)

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }
	createUpload(t, svc, "up-1")
	_, err := svc.BeginProcessing(ctx, "up-1", 3)
	require.NoError(t, err)

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	st, err := svc.Create(ctx, "up-1", "contacts.xlsx", 2048)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateUploading, st.State)
	assert.Equal(t, 0, st.TotalBatches)
}

func TestLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")

	st, err := svc.MarkUploaded(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateUploaded, st.State)

	st, err = svc.BeginProcessing(ctx, "up-1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateProcessing, st.State)
	assert.Equal(t, model.StageFileProcessing, st.Stage)
	assert.Equal(t, 2, st.TotalBatches)

	st, err = svc.MarkBatchProcessing(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageBatchProcessing, st.Stage)

	st, err = svc.AdvanceBatch(ctx, "up-1", 0, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateProcessing, st.State)
	assert.Equal(t, 1, st.CompletedBatches)
	assert.Equal(t, 10, st.TotalLeads)
	assert.Equal(t, 50.0, st.Percentage)

	st, err = svc.AdvanceBatch(ctx, "up-1", 1, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, st.State)
	assert.Equal(t, model.StageCompleted, st.Stage)
	assert.Equal(t, 15, st.TotalLeads)
	assert.Equal(t, 100.0, st.Percentage)
	assert.Nil(t, st.EstimatedCompletion)
}

func TestGet_UnknownUpload(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_InvalidFromTerminal(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")

	_, err := svc.SetError(ctx, "up-1", "broken", "PARSE_ERROR")
	require.NoError(t, err)

	_, err = svc.MarkUploaded(ctx, "up-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.Cancel(ctx, "up-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransition_SkipUploadedAllowed(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")

	// uploading -> processing directly, for single-shot ingestion.
	_, err := svc.BeginProcessing(ctx, "up-1", 1)
	assert.NoError(t, err)
}

func TestAdvanceBatch_IdempotentPerIndex(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")
	_, err := svc.BeginProcessing(ctx, "up-1", 3)
	require.NoError(t, err)

	_, err = svc.AdvanceBatch(ctx, "up-1", 1, 10, nil)
	require.NoError(t, err)

	// Redelivered unit: no double counting.
	st, err := svc.AdvanceBatch(ctx, "up-1", 1, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, st.CompletedBatches)
	assert.Equal(t, 10, st.TotalLeads)
	assert.Equal(t, model.UploadStateProcessing, st.State)
}

func TestAdvanceBatch_AllUnitsFailedIsError(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")
	_, err := svc.BeginProcessing(ctx, "up-1", 2)
	require.NoError(t, err)

	fail := func(i int) *model.UploadStatus {
		st, err := svc.AdvanceBatch(ctx, "up-1", i, 0, &model.UploadError{
			Message: "standardization failed",
			Code:    "ORACLE_ERROR",
		})
		require.NoError(t, err)
		return st
	}

	fail(0)
	st := fail(1)

	assert.Equal(t, model.UploadStateError, st.State)
	assert.Equal(t, 2, st.CompletedBatches)
	assert.Equal(t, 2, st.FailedBatches)
	assert.Equal(t, 0, st.TotalLeads)
	require.NotNil(t, st.Error)
	assert.Equal(t, "ORACLE_ERROR", st.Error.Code)
}

func TestAdvanceBatch_PartialFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")
	_, err := svc.BeginProcessing(ctx, "up-1", 2)
	require.NoError(t, err)

	_, err = svc.AdvanceBatch(ctx, "up-1", 0, 0, &model.UploadError{Message: "boom", Code: "ORACLE_ERROR"})
	require.NoError(t, err)

	st, err := svc.AdvanceBatch(ctx, "up-1", 1, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCompleted, st.State)
	assert.Equal(t, 1, st.FailedBatches)
	assert.Equal(t, 7, st.TotalLeads)
	require.NotNil(t, st.Error)
}

func TestCancel_MidProcessing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")
	_, err := svc.BeginProcessing(ctx, "up-1", 5)
	require.NoError(t, err)

	st, err := svc.Cancel(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, model.UploadStateCancelled, st.State)
	assert.True(t, st.State.Terminal())
}

func TestEstimatedCompletion_DuringProcessing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	createUpload(t, svc, "up-1")
	_, err := svc.BeginProcessing(ctx, "up-1", 4)
	require.NoError(t, err)

	// Two batches done after one minute => two more minutes to go.
	svc.now = func() time.Time { return base.Add(time.Minute) }
	_, err = svc.AdvanceBatch(ctx, "up-1", 0, 1, nil)
	require.NoError(t, err)
	st, err := svc.AdvanceBatch(ctx, "up-1", 1, 1, nil)
	require.NoError(t, err)

	require.NotNil(t, st.EstimatedCompletion)
	assert.Equal(t, base.Add(2*time.Minute), *st.EstimatedCompletion)
}

func TestExpiry_RecordsVanishAfterTTL(t *testing.T) {
	ctx := context.Background()
	svc := NewMemory(time.Hour)

	base := time.Now().UTC()
	svc.now = func() time.Time { return base }
	createUpload(t, svc, "up-1")

	svc.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	_, err := svc.Get(ctx, "up-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	svc := NewMemory(time.Hour)
	base := time.Now().UTC()
	svc.now = func() time.Time { return base }

	createUpload(t, svc, "old")
	svc.now = func() time.Time { return base.Add(30 * time.Minute) }
	createUpload(t, svc, "fresh")

	svc.now = func() time.Time { return base.Add(time.Hour + time.Minute) }
	assert.Equal(t, 1, svc.SweepExpired())

	_, err := svc.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestSanitizeMessage(t *testing.T) {
	long := strings.Repeat("a", 500)
	assert.Len(t, sanitizeMessage(long), 200)

	assert.Equal(t, "line one line two", sanitizeMessage("line one\n\tline two"))
}

func TestSanitizeMessage_TruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes followed by multi-byte runes: a byte-level cut at
	// 200 would land mid-rune.
	msg := strings.Repeat("a", 199) + strings.Repeat("é", 10)

	got := sanitizeMessage(msg)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 200)
	assert.Equal(t, strings.Repeat("a", 199), got)
}

func TestSetError_SanitizesAndStamps(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	createUpload(t, svc, "up-1")

	st, err := svc.SetError(ctx, "up-1", "parse\nfailed", "PARSE_ERROR")
	require.NoError(t, err)
	require.NotNil(t, st.Error)
	assert.Equal(t, "parse failed", st.Error.Message)
	assert.Equal(t, "PARSE_ERROR", st.Error.Code)
	assert.False(t, st.Error.Timestamp.IsZero())
}
