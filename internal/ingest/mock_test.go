package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/queue"
	"github.com/sells-group/lead-ingest/pkg/anthropic"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
	oracleRetryBackoff = time.Millisecond
}

// --- Standardizer Mock ---

type mockStandardizer struct {
	mock.Mock
}

func (m *mockStandardizer) Standardize(ctx context.Context, rows []model.RawRow) ([]NormalizedRow, error) {
	args := m.Called(ctx, rows)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]NormalizedRow), args.Error(1)
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Queue capture ---

// captureQueue records enqueued units without delivering them.
type captureQueue struct {
	mu    sync.Mutex
	units []model.BatchUnit
}

func (q *captureQueue) Enqueue(_ context.Context, unit model.BatchUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.units = append(q.units, unit)
	return nil
}

func (q *captureQueue) Run(ctx context.Context, _ int, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *captureQueue) DeadLetters(context.Context) ([]queue.DeadLetter, error) {
	return nil, nil
}
