package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/resilience"
	"github.com/sells-group/lead-ingest/internal/status"
	"github.com/sells-group/lead-ingest/internal/store"
)

// Processor consumes one batch unit at a time: standardize, resolve
// duplicates, write leads, advance the upload's progress. Many
// instances run concurrently; all idempotency lives in the status
// service's per-index bookkeeping, so redelivered units are harmless.
type Processor struct {
	oracle   Standardizer
	resolver *Resolver
	store    store.LeadStore
	status   status.Service
}

// NewProcessor wires a Processor.
func NewProcessor(oracle Standardizer, resolver *Resolver, st store.LeadStore, svc status.Service) *Processor {
	return &Processor{oracle: oracle, resolver: resolver, store: st, status: svc}
}

// oracleRetryBackoff is the delay before the single standardization
// retry. Overridden in tests.
var oracleRetryBackoff = time.Second

// Process handles one delivered unit end to end. The error return
// decides redelivery: oracle failures consume the unit (it is counted
// as failed and not retried), while store-write and bookkeeping
// failures propagate so the queue redelivers.
func (p *Processor) Process(ctx context.Context, unit model.BatchUnit) error {
	log := zap.L().With(
		zap.String("upload_id", unit.UploadID),
		zap.Int("batch_index", unit.BatchIndex),
	)

	// Cooperative cancellation: checked before any oracle work, not
	// just at enqueue time.
	st, err := p.status.Get(ctx, unit.UploadID)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			log.Warn("status record gone, dropping unit")
			return nil
		}
		return eris.Wrapf(err, "processor: status check %s", unit.UploadID)
	}
	if st.State == model.UploadStateCancelled {
		log.Info("upload cancelled, skipping unit")
		return nil
	}

	// One call per unit, retried once on any failure.
	normalized, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: oracleRetryBackoff,
		ShouldRetry:    func(error) bool { return true },
	}, "standardize", func(ctx context.Context) ([]NormalizedRow, error) {
		return p.oracle.Standardize(ctx, unit.Rows)
	})
	if err != nil {
		log.Error("standardization failed twice, marking unit failed", zap.Error(err))
		// The unit still counts toward completedBatches so progress
		// terminates; its leads are excluded.
		if _, aerr := p.status.AdvanceBatch(ctx, unit.UploadID, unit.BatchIndex, 0, &model.UploadError{
			Message: "standardization failed for one batch",
			Code:    CodeOracle,
		}); aerr != nil {
			return eris.Wrapf(aerr, "processor: record failed unit %s/%d", unit.UploadID, unit.BatchIndex)
		}
		return nil
	}

	leads := make([]model.Lead, 0, len(normalized))
	for _, row := range normalized {
		leads = append(leads, LeadFromNormalized(row, unit.SourceFile))
	}
	leads = CollapseDuplicates(leads)

	var inserts, updates int
	resolved := make([]model.Lead, 0, len(leads))
	for _, lead := range leads {
		res := p.resolver.Resolve(ctx, lead)
		switch res.Action {
		case ActionUpdate:
			updates++
		default:
			inserts++
		}
		resolved = append(resolved, res.Lead)
	}

	written, err := p.store.UpsertMany(ctx, resolved)
	if err != nil {
		return &StoreWriteError{Err: err}
	}

	if _, err := p.status.AdvanceBatch(ctx, unit.UploadID, unit.BatchIndex, written, nil); err != nil {
		return eris.Wrapf(err, "processor: advance batch %s/%d", unit.UploadID, unit.BatchIndex)
	}

	log.Info("batch unit processed",
		zap.Int("rows", len(unit.Rows)),
		zap.Int("dropped", len(unit.Rows)-len(normalized)),
		zap.Int("written", written),
		zap.Int("inserts", inserts),
		zap.Int("updates", updates),
	)
	return nil
}
