package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

func testUnit(index, total int) model.BatchUnit {
	return model.BatchUnit{
		UploadID:     "up-1",
		BatchIndex:   index,
		TotalBatches: total,
		SourceFile:   "contacts.csv",
		Rows:         []model.RawRow{{Fields: map[string]string{"Name": "Alice"}}},
	}
}

func fastOptions() Options {
	return Options{
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
		VisibilityTimeout: time.Second,
	}
}

// runQueue starts Run in the background and returns a stop func that
// cancels it and waits for it to return.
func runQueue(t *testing.T, q *MemoryQueue, workers int, h Handler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, q.Run(ctx, workers, h))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMemoryQueue_DeliversEveryUnit(t *testing.T) {
	q := NewMemory(16, fastOptions())

	var mu sync.Mutex
	got := make(map[int]int)
	stop := runQueue(t, q, 2, func(_ context.Context, unit model.BatchUnit) error {
		mu.Lock()
		got[unit.BatchIndex]++
		mu.Unlock()
		return nil
	})
	defer stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, testUnit(i, 3)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, got[i], "unit %d delivered exactly once", i)
	}
}

func TestMemoryQueue_RedeliversUntilSuccess(t *testing.T) {
	q := NewMemory(16, fastOptions())

	var attempts atomic.Int32
	stop := runQueue(t, q, 1, func(_ context.Context, _ model.BatchUnit) error {
		if attempts.Add(1) < 3 {
			return eris.New("transient store failure")
		}
		return nil
	})
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), testUnit(0, 1)))

	require.Eventually(t, func() bool {
		return attempts.Load() == 3
	}, 2*time.Second, 5*time.Millisecond)

	letters, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestMemoryQueue_DeadLettersAfterRetryBudget(t *testing.T) {
	q := NewMemory(16, fastOptions())

	var attempts atomic.Int32
	stop := runQueue(t, q, 1, func(_ context.Context, _ model.BatchUnit) error {
		attempts.Add(1)
		return eris.New("permanent failure")
	})
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), testUnit(0, 1)))

	require.Eventually(t, func() bool {
		letters, err := q.DeadLetters(context.Background())
		return err == nil && len(letters) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// First attempt plus MaxRetries redeliveries.
	assert.Equal(t, int32(3), attempts.Load())

	letters, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 0, letters[0].Unit.BatchIndex)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Contains(t, letters[0].Error, "permanent failure")
	assert.False(t, letters[0].FailedAt.IsZero())
}

func TestMemoryQueue_DeadLetterRunsCallback(t *testing.T) {
	var mu sync.Mutex
	var got []DeadLetter

	opts := fastOptions()
	opts.OnDeadLetter = func(_ context.Context, dl DeadLetter) {
		mu.Lock()
		got = append(got, dl)
		mu.Unlock()
	}
	q := NewMemory(16, opts)

	stop := runQueue(t, q, 1, func(_ context.Context, _ model.BatchUnit) error {
		return eris.New("permanent failure")
	})
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), testUnit(2, 3)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "up-1", got[0].Unit.UploadID)
	assert.Equal(t, 2, got[0].Unit.BatchIndex)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Contains(t, got[0].Error, "permanent failure")
}

func TestMemoryQueue_EnqueueRejectsInvalidUnit(t *testing.T) {
	q := NewMemory(16, fastOptions())

	err := q.Enqueue(context.Background(), model.BatchUnit{UploadID: "up-1"})
	assert.Error(t, err)
	assert.Equal(t, 0, q.Depth())
}

func TestMemoryQueue_EnqueueHonorsCancellationWhenFull(t *testing.T) {
	q := NewMemory(1, fastOptions())

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testUnit(0, 2)))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := q.Enqueue(cancelled, testUnit(1, 2))
	assert.Error(t, err)
	assert.Equal(t, 1, q.Depth())
}

func TestMemoryQueue_VisibilityTimeoutFailsAttempt(t *testing.T) {
	opts := fastOptions()
	opts.VisibilityTimeout = 10 * time.Millisecond
	q := NewMemory(16, opts)

	var attempts atomic.Int32
	stop := runQueue(t, q, 1, func(ctx context.Context, _ model.BatchUnit) error {
		attempts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	defer stop()

	require.NoError(t, q.Enqueue(context.Background(), testUnit(0, 1)))

	require.Eventually(t, func() bool {
		letters, err := q.DeadLetters(context.Background())
		return err == nil && len(letters) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), attempts.Load())
}
