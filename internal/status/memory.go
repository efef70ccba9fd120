package status

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-ingest/internal/model"
)

// MemoryService is an in-memory Service used by the one-shot CLI path
// and in tests. Records expire TTL after creation, like the durable
// implementation.
type MemoryService struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]*memoryRecord
}

type memoryRecord struct {
	status    model.UploadStatus
	counted   map[int]bool // batch indices already applied
	startedAt time.Time    // when processing began
}

// NewMemory creates an in-memory status service with the given record TTL.
func NewMemory(ttl time.Duration) *MemoryService {
	return &MemoryService{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]*memoryRecord),
	}
}

func (s *MemoryService) Create(_ context.Context, uploadID, fileName string, fileSize int64) (*model.UploadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Create is idempotent: a live record wins so a duplicate request
	// cannot reset in-flight progress. Expired records are replaced.
	if rec, err := s.liveLocked(uploadID); err == nil {
		return s.snapshotLocked(rec), nil
	}

	now := s.now().UTC()
	rec := &memoryRecord{
		status: model.UploadStatus{
			UploadID:  uploadID,
			FileName:  fileName,
			FileSize:  fileSize,
			State:     model.UploadStateUploading,
			Stage:     model.StageFileUpload,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		},
		counted: make(map[int]bool),
	}
	s.records[uploadID] = rec
	return s.snapshotLocked(rec), nil
}

func (s *MemoryService) MarkUploaded(_ context.Context, uploadID string) (*model.UploadStatus, error) {
	return s.transition(uploadID, model.UploadStateUploaded, func(rec *memoryRecord) {})
}

func (s *MemoryService) BeginProcessing(_ context.Context, uploadID string, totalBatches int) (*model.UploadStatus, error) {
	return s.transition(uploadID, model.UploadStateProcessing, func(rec *memoryRecord) {
		rec.status.TotalBatches = totalBatches
		rec.status.Stage = model.StageFileProcessing
		rec.startedAt = s.now().UTC()
	})
}

func (s *MemoryService) MarkBatchProcessing(_ context.Context, uploadID string) (*model.UploadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.liveLocked(uploadID)
	if err != nil {
		return nil, err
	}
	if rec.status.State != model.UploadStateProcessing {
		return nil, eris.Wrapf(ErrInvalidTransition, "stage bump in state %s for upload %s", rec.status.State, uploadID)
	}
	rec.status.Stage = model.StageBatchProcessing
	rec.status.UpdatedAt = s.now().UTC()
	return s.snapshotLocked(rec), nil
}

func (s *MemoryService) AdvanceBatch(_ context.Context, uploadID string, batchIndex, leadsAdded int, failure *model.UploadError) (*model.UploadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.liveLocked(uploadID)
	if err != nil {
		return nil, err
	}

	if rec.counted[batchIndex] {
		return s.snapshotLocked(rec), nil
	}
	rec.counted[batchIndex] = true

	now := s.now().UTC()
	st := &rec.status
	st.CompletedBatches++
	if failure != nil {
		st.FailedBatches++
		failure.Message = sanitizeMessage(failure.Message)
		failure.Timestamp = now
		st.Error = failure
	} else {
		st.TotalLeads += leadsAdded
		st.ProcessedLeads += leadsAdded
	}
	st.UpdatedAt = now

	if st.State == model.UploadStateProcessing && st.TotalBatches > 0 && st.CompletedBatches >= st.TotalBatches {
		if st.FailedBatches >= st.TotalBatches {
			st.State = model.UploadStateError
		} else {
			st.State = model.UploadStateCompleted
			st.Stage = model.StageCompleted
		}
	}

	return s.snapshotLocked(rec), nil
}

func (s *MemoryService) SetError(_ context.Context, uploadID, message, code string) (*model.UploadStatus, error) {
	return s.transition(uploadID, model.UploadStateError, func(rec *memoryRecord) {
		rec.status.Error = &model.UploadError{
			Message:   sanitizeMessage(message),
			Code:      code,
			Timestamp: s.now().UTC(),
		}
	})
}

func (s *MemoryService) Cancel(_ context.Context, uploadID string) (*model.UploadStatus, error) {
	return s.transition(uploadID, model.UploadStateCancelled, func(rec *memoryRecord) {})
}

func (s *MemoryService) Get(_ context.Context, uploadID string) (*model.UploadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.liveLocked(uploadID)
	if err != nil {
		return nil, err
	}
	return s.snapshotLocked(rec), nil
}

// SweepExpired drops expired records and returns how many were removed.
func (s *MemoryService) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int
	for id, rec := range s.records {
		if now.After(rec.status.ExpiresAt) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

func (s *MemoryService) transition(uploadID string, to model.UploadState, apply func(*memoryRecord)) (*model.UploadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.liveLocked(uploadID)
	if err != nil {
		return nil, err
	}

	if !canTransition(rec.status.State, to) {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s for upload %s", rec.status.State, to, uploadID)
	}

	rec.status.State = to
	apply(rec)
	rec.status.UpdatedAt = s.now().UTC()
	return s.snapshotLocked(rec), nil
}

func (s *MemoryService) liveLocked(uploadID string) (*memoryRecord, error) {
	rec, ok := s.records[uploadID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.now().After(rec.status.ExpiresAt) {
		delete(s.records, uploadID)
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryService) snapshotLocked(rec *memoryRecord) *model.UploadStatus {
	st := rec.status
	if st.Error != nil {
		e := *st.Error
		st.Error = &e
	}
	derive(&st, rec.startedAt, s.now().UTC())
	return &st
}
