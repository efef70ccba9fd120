package main

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-ingest/internal/ingest"
	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/queue"
	"github.com/sells-group/lead-ingest/internal/status"
	"github.com/sells-group/lead-ingest/internal/store"
	anthropicpkg "github.com/sells-group/lead-ingest/pkg/anthropic"
)

// memoryQueueCapacity bounds the in-memory queue so a huge upload
// applies backpressure on the splitter instead of eating RAM.
const memoryQueueCapacity = 256

// ingestEnv holds the initialized store, status service, queue, and the
// pipeline stages used by the serve/ingest commands.
type ingestEnv struct {
	Store     store.LeadStore
	Status    status.Service
	Queue     queue.Queue
	Splitter  *ingest.Splitter
	Processor *ingest.Processor
}

// Close releases resources held by the environment.
func (e *ingestEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initIngest sets up storage, the status service, the work queue, the
// Claude standardizer, and the pipeline stages. Callers should defer
// env.Close().
func initIngest(ctx context.Context) (*ingestEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("LEADS_ANTHROPIC_KEY is required")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var statusSvc status.Service
	pgStore, _ := st.(*store.PostgresStore)

	if pgStore != nil {
		// Status and queue share the lead store's pool.
		pgStatus := status.NewPostgres(pgStore.Pool(), cfg.Status.TTL())
		if err := pgStatus.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate status")
		}
		statusSvc = pgStatus
	} else {
		statusSvc = status.NewMemory(cfg.Status.TTL())
	}

	qopts := queue.Options{
		MaxRetries:        cfg.Queue.MaxRetries,
		RetryBackoff:      cfg.Queue.RetryBackoff(),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout(),
		OnDeadLetter:      deadLetterRecorder(statusSvc),
	}

	var workQueue queue.Queue
	if pgStore != nil {
		pgQueue := queue.NewPostgres(pgStore.Pool(), qopts)
		if err := pgQueue.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "migrate queue")
		}
		workQueue = pgQueue
		zap.L().Info("using postgres status and queue")
	} else {
		workQueue = queue.NewMemory(memoryQueueCapacity, qopts)
		zap.L().Info("using in-memory status and queue")
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	limiter := rate.NewLimiter(rate.Limit(cfg.Anthropic.RequestsPerSec), cfg.Anthropic.Burst)
	oracle := ingest.NewClaudeStandardizer(anthropicClient, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, limiter)

	resolver := ingest.NewResolver(st)
	processor := ingest.NewProcessor(oracle, resolver, st, statusSvc)
	splitter := ingest.NewSplitter(cfg.Ingest.BatchSize, statusSvc, workQueue)

	return &ingestEnv{
		Store:     st,
		Status:    statusSvc,
		Queue:     workQueue,
		Splitter:  splitter,
		Processor: processor,
	}, nil
}

// deadLetterRecorder counts a dead-lettered unit on its upload's status
// record so progress still terminates when redelivery gives up. The
// unit's leads are lost; the error detail survives on the record.
func deadLetterRecorder(svc status.Service) func(context.Context, queue.DeadLetter) {
	return func(ctx context.Context, dl queue.DeadLetter) {
		_, err := svc.AdvanceBatch(ctx, dl.Unit.UploadID, dl.Unit.BatchIndex, 0, &model.UploadError{
			Message: "lead store write failed for one batch",
			Code:    ingest.CodeStoreWrite,
		})
		if err != nil && !errors.Is(err, status.ErrNotFound) {
			zap.L().Error("failed to record dead-lettered batch",
				zap.String("upload_id", dl.Unit.UploadID),
				zap.Int("batch_index", dl.Unit.BatchIndex),
				zap.Error(err),
			)
		}
	}
}

// initStore builds the lead store named by config.
func initStore(ctx context.Context) (store.LeadStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("LEADS_STORE_DATABASE_URL is required for the postgres driver")
		}
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "init postgres store")
		}
		zap.L().Info("using postgres lead store")
		return st, nil
	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, eris.Wrap(err, "init sqlite store")
		}
		zap.L().Info("using sqlite lead store", zap.String("path", cfg.Store.SQLitePath))
		return st, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
