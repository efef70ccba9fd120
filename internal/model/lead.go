package model

import "time"

// SentinelIdentity marks a lead with no usable email. Sentinel leads are
// never deduplicated against each other.
const SentinelIdentity = "N/A"

// Lead is the canonical contact record produced by standardization.
type Lead struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"` // normalized identity key, or SentinelIdentity
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	Company     string    `json:"company"`
	Title       string    `json:"title"`
	Location    string    `json:"location"`
	Remarks     string    `json:"remarks"` // anything the standardizer could not map
	SourceFile  string    `json:"source_file"`
	SourceSheet string    `json:"source_sheet,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasIdentity reports whether the lead carries a real (non-sentinel) email.
func (l Lead) HasIdentity() bool {
	return l.Email != "" && l.Email != SentinelIdentity
}
