package ingest

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/store"
)

// NormalizeIdentity lower-cases and trims an email. Blank values and
// the common "no email" spellings collapse to the sentinel identity.
func NormalizeIdentity(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	switch email {
	case "", "null", "n/a", "na", "none", "-":
		return model.SentinelIdentity
	}
	return email
}

// CollapseDuplicates keeps only the last occurrence of each non-sentinel
// identity, preserving input order otherwise. Running it before any
// store write makes the final state deterministic regardless of
// store-level write ordering, and sentinel leads are never collapsed.
func CollapseDuplicates(leads []model.Lead) []model.Lead {
	seen := make(map[string]bool, len(leads))
	out := make([]model.Lead, 0, len(leads))

	for i := len(leads) - 1; i >= 0; i-- {
		lead := leads[i]
		if lead.HasIdentity() {
			if seen[lead.Email] {
				continue
			}
			seen[lead.Email] = true
		}
		out = append(out, lead)
	}

	// Restore input order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ResolveAction says whether a lead lands as a fresh insert or replaces
// an existing record.
type ResolveAction string

const (
	ActionInsert ResolveAction = "insert"
	ActionUpdate ResolveAction = "update"
)

// Resolution is the outcome of duplicate resolution for one lead.
type Resolution struct {
	Action ResolveAction
	Lead   model.Lead
}

// Resolver decides insert-vs-update by identity lookup against the
// lead store.
type Resolver struct {
	store store.LeadStore
}

// NewResolver creates a Resolver backed by the given store.
func NewResolver(st store.LeadStore) *Resolver {
	return &Resolver{store: st}
}

// Resolve looks up the lead's identity. On a hit it returns an update
// targeting the existing record's key; sentinel identities and misses
// are inserts. If the lookup itself fails, duplicate detection degrades
// to always-insert rather than failing the pipeline.
func (r *Resolver) Resolve(ctx context.Context, lead model.Lead) Resolution {
	if !lead.HasIdentity() {
		return Resolution{Action: ActionInsert, Lead: lead}
	}

	existing, err := r.store.GetByIdentity(ctx, lead.Email)
	if err != nil {
		zap.L().Warn("identity lookup unavailable, falling back to insert",
			zap.String("email", lead.Email),
			zap.Error(err),
		)
		return Resolution{Action: ActionInsert, Lead: lead}
	}
	if existing == nil {
		return Resolution{Action: ActionInsert, Lead: lead}
	}

	// Replace every mutable field; only the key and created_at survive.
	lead.ID = existing.ID
	lead.CreatedAt = existing.CreatedAt
	return Resolution{Action: ActionUpdate, Lead: lead}
}
