// Package status tracks per-upload ingestion progress. It is the only
// mutation path for status records and enforces the upload state
// machine plus idempotent, atomic counter updates.
package status

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/model"
)

// ErrNotFound is returned when no live status record exists for an
// upload id (never created, expired, or swept).
var ErrNotFound = eris.New("status: upload not found")

// ErrInvalidTransition is returned when an operation is not permitted
// from the record's current state.
var ErrInvalidTransition = eris.New("status: invalid state transition")

// Service mutates and reads status records. Every operation is atomic
// with respect to concurrent callers on the same upload id.
//
// AdvanceBatch is idempotent per batch index: a redelivered unit that
// was already counted returns the current snapshot unchanged. A non-nil
// failure marks the unit failed — it still counts toward
// completedBatches so progress terminates, but contributes no leads and
// its detail is retained on the record. The record moves to completed
// when every batch is counted, or to error when every batch failed.
type Service interface {
	Create(ctx context.Context, uploadID, fileName string, fileSize int64) (*model.UploadStatus, error)
	MarkUploaded(ctx context.Context, uploadID string) (*model.UploadStatus, error)

	// BeginProcessing moves the record to processing with stage
	// file_processing and fixes totalBatches. MarkBatchProcessing bumps
	// the stage once every unit is enqueued; it changes no state.
	BeginProcessing(ctx context.Context, uploadID string, totalBatches int) (*model.UploadStatus, error)
	MarkBatchProcessing(ctx context.Context, uploadID string) (*model.UploadStatus, error)
	AdvanceBatch(ctx context.Context, uploadID string, batchIndex, leadsAdded int, failure *model.UploadError) (*model.UploadStatus, error)
	SetError(ctx context.Context, uploadID, message, code string) (*model.UploadStatus, error)
	Cancel(ctx context.Context, uploadID string) (*model.UploadStatus, error)
	Get(ctx context.Context, uploadID string) (*model.UploadStatus, error)
}

// transitions maps each state to the states reachable from it. Terminal
// states have no entries.
var transitions = map[model.UploadState][]model.UploadState{
	model.UploadStateUploading: {model.UploadStateUploaded, model.UploadStateProcessing, model.UploadStateError, model.UploadStateCancelled},
	model.UploadStateUploaded:  {model.UploadStateProcessing, model.UploadStateError, model.UploadStateCancelled},
	model.UploadStateProcessing: {model.UploadStateCompleted, model.UploadStateError, model.UploadStateCancelled},
}

func canTransition(from, to model.UploadState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sanitizeMessage strips control characters and bounds the length so
// raw payloads and stack traces never land in a status record. The cut
// backs up to a rune boundary so a multi-byte rune is never split.
func sanitizeMessage(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// derive recomputes percentage and estimated completion on a snapshot.
// startedAt is when batch processing began; zero disables estimation.
func derive(st *model.UploadStatus, startedAt time.Time, now time.Time) {
	if st.TotalBatches > 0 {
		st.Percentage = float64(st.CompletedBatches) / float64(st.TotalBatches) * 100
	}

	st.EstimatedCompletion = nil
	if st.State == model.UploadStateProcessing && st.CompletedBatches > 0 && !startedAt.IsZero() {
		remaining := st.TotalBatches - st.CompletedBatches
		if remaining > 0 {
			perBatch := now.Sub(startedAt) / time.Duration(st.CompletedBatches)
			eta := now.Add(perBatch * time.Duration(remaining))
			st.EstimatedCompletion = &eta
		}
	}
}
