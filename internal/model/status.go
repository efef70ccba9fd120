package model

import "time"

// UploadState is the lifecycle state of one upload.
type UploadState string

const (
	UploadStateUploading  UploadState = "uploading"
	UploadStateUploaded   UploadState = "uploaded"
	UploadStateProcessing UploadState = "processing"
	UploadStateCompleted  UploadState = "completed"
	UploadStateError      UploadState = "error"
	UploadStateCancelled  UploadState = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s UploadState) Terminal() bool {
	switch s {
	case UploadStateCompleted, UploadStateError, UploadStateCancelled:
		return true
	}
	return false
}

// UploadStage is a coarser phase label used for UI messaging. It is
// independent of UploadState.
type UploadStage string

const (
	StageFileUpload      UploadStage = "file_upload"
	StageFileProcessing  UploadStage = "file_processing"
	StageBatchProcessing UploadStage = "batch_processing"
	StageCompleted       UploadStage = "completed"
)

// UploadError carries sanitized failure detail on a status record.
type UploadError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadStatus is the per-upload progress document polled by clients.
// Field names are the wire contract for the status API.
type UploadStatus struct {
	UploadID            string       `json:"uploadId"`
	FileName            string       `json:"fileName"`
	FileSize            int64        `json:"fileSize"`
	State               UploadState  `json:"state"`
	Stage               UploadStage  `json:"stage"`
	TotalBatches        int          `json:"totalBatches"`
	CompletedBatches    int          `json:"completedBatches"`
	FailedBatches       int          `json:"failedBatches"`
	TotalLeads          int          `json:"totalLeads"`
	ProcessedLeads      int          `json:"processedLeads"`
	Percentage          float64      `json:"percentage"`
	EstimatedCompletion *time.Time   `json:"estimatedCompletion,omitempty"`
	Error               *UploadError `json:"error,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	ExpiresAt           time.Time    `json:"expiresAt"`
}
