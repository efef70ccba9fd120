// Package store persists canonical leads with an identity-keyed upsert.
package store

import (
	"context"

	"github.com/sells-group/lead-ingest/internal/model"
)

// LeadStore is the persistence interface for canonical leads. The
// per-identity upsert must be atomic (insert-if-absent-else-update) so
// concurrent batches resolving to the same identity cannot lose writes.
type LeadStore interface {
	// GetByIdentity returns the lead for a non-sentinel identity, or
	// (nil, nil) when absent.
	GetByIdentity(ctx context.Context, email string) (*model.Lead, error)

	// Upsert writes one lead. Leads with a real identity replace any
	// existing lead for that identity in full, preserving only the key
	// and created_at. Sentinel leads always insert.
	Upsert(ctx context.Context, lead model.Lead) (*model.Lead, error)

	// UpsertMany writes a batch of leads and returns the written count.
	// Callers must collapse same-identity duplicates beforehand.
	UpsertMany(ctx context.Context, leads []model.Lead) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
