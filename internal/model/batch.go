package model

import "github.com/rotisserie/eris"

// RawRow is one spreadsheet row before standardization, keyed by the
// header cells of its originating sheet.
type RawRow struct {
	Sheet  string            `json:"sheet,omitempty"`
	Fields map[string]string `json:"fields"`
}

// BatchUnit is one immutable unit of ingestion work: a bounded slice of
// raw rows plus enough metadata to locate it within its upload.
type BatchUnit struct {
	UploadID     string   `json:"upload_id"`
	BatchIndex   int      `json:"batch_index"` // 0-based
	TotalBatches int      `json:"total_batches"`
	SourceFile   string   `json:"source_file"`
	Rows         []RawRow `json:"rows"`
}

// Validate checks the structural invariants a unit must satisfy before
// it may be enqueued.
func (u BatchUnit) Validate() error {
	if u.UploadID == "" {
		return eris.New("batch unit: missing upload id")
	}
	if u.TotalBatches <= 0 {
		return eris.Errorf("batch unit: total batches %d must be positive", u.TotalBatches)
	}
	if u.BatchIndex < 0 || u.BatchIndex >= u.TotalBatches {
		return eris.Errorf("batch unit: index %d out of range [0,%d)", u.BatchIndex, u.TotalBatches)
	}
	if len(u.Rows) == 0 {
		return eris.New("batch unit: no rows")
	}
	return nil
}
