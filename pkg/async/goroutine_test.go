package async

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/billingcore/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.DebugLevel, &bytes.Buffer{})
}

func TestSafeGo_Success(t *testing.T) {
	done := make(chan struct{})

	SafeGo(context.Background(), testLogger(), time.Second, "test task", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo did not execute function")
	}
}

func TestSafeGo_LogsError(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.DebugLevel, &buf)
	done := make(chan struct{})

	SafeGo(context.Background(), logger, time.Second, "failing task", func(ctx context.Context) error {
		defer close(done)
		return errors.New("boom")
	})

	<-done
	assert.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("failing task"))
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	result := make(chan error, 1)

	SafeGo(context.Background(), testLogger(), 50*time.Millisecond, "test task", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			result <- nil
		case <-ctx.Done():
			result <- ctx.Err()
		}
		return nil
	})

	assert.ErrorIs(t, <-result, context.DeadlineExceeded)
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	executed := atomic.Bool{}

	SafeGo(context.Background(), testLogger(), time.Second, "test task", func(ctx context.Context) error {
		executed.Store(true)
		panic("test panic")
	})

	assert.Eventually(t, executed.Load, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 2, "test pool", time.Second)

	executed := atomic.Int32{}
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), executed.Load())
}

func TestWorkerPool_WithErrors(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 2, "test pool", time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			return errors.New("test error")
		}))
	}
	require.NoError(t, pool.Shutdown(time.Second))

	errorCount := 0
	for {
		select {
		case <-pool.Errors():
			errorCount++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 5, errorCount)
}

func TestWorkerPool_PanicBecomesError(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 1, "test pool", time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("kaboom")
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	select {
	case err := <-pool.Errors():
		assert.Contains(t, err.Error(), "kaboom")
	default:
		t.Fatal("expected panic to be reported")
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 2, "test pool", time.Second)
	require.NoError(t, pool.Shutdown(time.Second))

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_Timeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), testLogger(), 1, "test pool", 50*time.Millisecond)

	timedOut := atomic.Bool{}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	}))

	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.True(t, timedOut.Load())
}

func TestBatch(t *testing.T) {
	executed := atomic.Int32{}

	errs := Batch(context.Background(), testLogger(), []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			executed.Add(1)
			return nil
		})

	assert.Empty(t, errs)
	assert.Equal(t, int32(5), executed.Load())
}

func TestBatch_WithErrors(t *testing.T) {
	errs := Batch(context.Background(), testLogger(), []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			if item%2 == 0 {
				return errors.New("even number error")
			}
			return nil
		})

	assert.Len(t, errs, 2)
}

func TestBatch_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	executed := atomic.Int32{}

	errs := Batch(ctx, testLogger(), []int{1, 2, 3, 4, 5}, 2, "test batch", time.Second,
		func(ctx context.Context, item int) error {
			executed.Add(1)
			return nil
		})

	assert.Equal(t, int32(0), executed.Load())
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrPoolShutdown)
}
