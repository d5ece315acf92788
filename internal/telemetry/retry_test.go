package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestGuardSuccess(t *testing.T) {
	got := Guard(zaptest.NewLogger(t), "ok", -1, func() (int, error) { return 7, nil })
	assert.Equal(t, 7, got)
}

func TestGuardErrorFallsBack(t *testing.T) {
	got := Guard(zaptest.NewLogger(t), "fails", -1, func() (int, error) {
		return 0, errors.New("boom")
	})
	assert.Equal(t, -1, got)
}

func TestGuardPanicFallsBack(t *testing.T) {
	got := Guard(zaptest.NewLogger(t), "panics", "fallback", func() (string, error) {
		panic("unexpected")
	})
	assert.Equal(t, "fallback", got)
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	got := WithRetry(context.Background(), zaptest.NewLogger(t), "ok", 3, time.Millisecond, -1,
		func(context.Context) (int, error) {
			calls++
			return 42, nil
		})

	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversOnLaterAttempt(t *testing.T) {
	calls := 0
	got := WithRetry(context.Background(), zaptest.NewLogger(t), "flaky", 3, time.Millisecond, -1,
		func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})

	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustionReturnsFallback(t *testing.T) {
	calls := 0
	got := WithRetry(context.Background(), zaptest.NewLogger(t), "dead", 3, time.Millisecond, -1,
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("unreachable")
		})

	assert.Equal(t, -1, got)
	assert.Equal(t, 3, calls)
}

func TestWithRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	got := WithRetry(ctx, zaptest.NewLogger(t), "cancelled", 3, 10*time.Second, -1,
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("transient")
		})

	assert.Equal(t, -1, got)
	assert.Equal(t, 1, calls, "cancellation must short-circuit the backoff sleep")
}

func TestGuardFailureLogsError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	Guard(zap.New(core), "fails", 0, func() (int, error) {
		return 0, errors.New("boom")
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level,
		"a single-attempt probe failure is final and logs at ERROR")
}

func TestWithRetryLogLevels(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	WithRetry(context.Background(), zap.New(core), "dead", 3, time.Millisecond, -1,
		func(context.Context) (int, error) {
			return 0, errors.New("unreachable")
		})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level,
		"exhaustion logs at ERROR, retries at WARN")
}

func TestWithRetryPanicCountsAsFailure(t *testing.T) {
	calls := 0
	got := WithRetry(context.Background(), zaptest.NewLogger(t), "panicky", 2, time.Millisecond, -1,
		func(context.Context) (int, error) {
			calls++
			panic("probe exploded")
		})

	assert.Equal(t, -1, got)
	assert.Equal(t, 2, calls)
}
