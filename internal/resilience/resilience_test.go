package resilience_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisbric/platform/internal/errs"
	"github.com/wisbric/platform/internal/resilience"
)

func TestSchedule_KnownPresets(t *testing.T) {
	for _, p := range []resilience.RetryPreset{
		resilience.PresetBrief, resilience.PresetDefault, resilience.PresetPatient, resilience.PresetPersistent,
	} {
		_, ok := resilience.Schedule(p)
		assert.True(t, ok, "preset %q should resolve", p)
	}
	_, ok := resilience.Schedule(resilience.PresetDisabled)
	assert.False(t, ok)
}

func TestRetriable_ExcludesClientErrors(t *testing.T) {
	assert.False(t, resilience.Retriable(errs.Auth("x")))
	assert.False(t, resilience.Retriable(errs.Forbidden("x")))
	assert.False(t, resilience.Retriable(errs.Validation("f", "d")))
	assert.False(t, resilience.Retriable(errs.NotFound("x", "1")))
	assert.False(t, resilience.Retriable(errs.Conflict("x", "y")))
	assert.False(t, resilience.Retriable(errs.OAuth("x")))
	assert.True(t, resilience.Retriable(errs.ServiceUnavailable("db down")))
	assert.False(t, resilience.Retriable(nil))
}

func TestRun_SucceedsOnFirstTry(t *testing.T) {
	calls := 0
	result, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}, resilience.Options{})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestRun_RetriesOnRetriableError(t *testing.T) {
	var calls int32
	result, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			return 0, errs.ServiceUnavailable("transient")
		}
		return 7, nil
	}, resilience.Options{Retry: resilience.PresetBrief})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRun_DoesNotRetryNonRetriableError(t *testing.T) {
	var calls int32
	_, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errs.Conflict("widget", "archived")
	}, resilience.Options{Retry: resilience.PresetDefault})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_TimeoutProducesTimeoutError(t *testing.T) {
	_, err := resilience.Run(context.Background(), "slow-op", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, resilience.Options{Timeout: 10 * time.Millisecond})

	var timeoutErr *errs.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "slow-op", timeoutErr.Name)
}

func TestRun_FallbackRecoversFailure(t *testing.T) {
	result, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		return 0, errs.Conflict("x", "y")
	}, resilience.Options{
		Fallback: func(error) (any, error) { return 99, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 99, result)
}

func TestRun_FallbackPropagatesItsOwnFailure(t *testing.T) {
	fallbackErr := errors.New("fallback also failed")
	_, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		return 0, errs.Conflict("x", "y")
	}, resilience.Options{
		Fallback: func(error) (any, error) { return nil, fallbackErr },
	})
	assert.ErrorIs(t, err, fallbackErr)
}

type fakeBreaker struct {
	allowErr error
	calls    []bool
}

func (f *fakeBreaker) Allow() (func(success bool), error) {
	if f.allowErr != nil {
		return nil, f.allowErr
	}
	return func(ok bool) { f.calls = append(f.calls, ok) }, nil
}

func TestRun_CircuitOpenShortCircuits(t *testing.T) {
	breaker := &fakeBreaker{allowErr: errors.New("open")}
	calls := 0
	_, err := resilience.Run(context.Background(), "db.query", func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	}, resilience.Options{Circuit: breaker})

	var circuitErr *errs.CircuitError
	require.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, "db.query", circuitErr.Name)
	assert.Equal(t, 0, calls)
}

func TestRun_CircuitReportsOutcome(t *testing.T) {
	breaker := &fakeBreaker{}
	_, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		return 1, nil
	}, resilience.Options{Circuit: breaker})
	require.NoError(t, err)
	require.Len(t, breaker.calls, 1)
	assert.True(t, breaker.calls[0])
}

func TestRun_BulkheadRejectsOverCapacity(t *testing.T) {
	bh := resilience.NewBulkhead("db", 1)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		}, resilience.Options{Bulkhead: bh})
	}()
	<-started

	_, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		return 1, nil
	}, resilience.Options{Bulkhead: bh})

	var bulkheadErr *errs.BulkheadError
	require.ErrorAs(t, err, &bulkheadErr)
	close(release)
}

func TestRun_HedgeFiresSecondAttemptAfterDelay(t *testing.T) {
	var calls int32
	result, err := resilience.Run(context.Background(), "op", func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 5, nil
	}, resilience.Options{Hedge: true, HedgeDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 5, result)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
