package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Guard runs a synchronous probe once, recovering panics and substituting
// fallback on any failure. One misbehaving probe must never poison the
// collection cycle. The single attempt is also the final one, so a failure
// logs at ERROR.
func Guard[T any](logger *zap.Logger, name string, fallback T, op func() (T, error)) T {
	result, err := func() (result T, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("probe panicked: %v", r)
			}
		}()
		return op()
	}()

	if err != nil {
		logger.Error("probe failed, using fallback",
			zap.String("probe", name), zap.Error(err))
		return fallback
	}
	return result
}

// WithRetry runs an operation up to attempts times with linear backoff
// (attempt x delay between tries), returning fallback on exhaustion.
// Failures log WARN while retries remain and ERROR on the final one.
func WithRetry[T any](
	ctx context.Context,
	logger *zap.Logger,
	name string,
	attempts int,
	delay time.Duration,
	fallback T,
	op func(ctx context.Context) (T, error),
) T {
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := func() (result T, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("probe panicked: %v", r)
				}
			}()
			return op(ctx)
		}()
		if err == nil {
			return result
		}

		if attempt < attempts {
			logger.Warn("probe failed, retrying",
				zap.String("probe", name),
				zap.Int("attempt", attempt),
				zap.Int("remaining", attempts-attempt),
				zap.Error(err))

			select {
			case <-ctx.Done():
				logger.Error("probe cancelled, using fallback",
					zap.String("probe", name), zap.Error(ctx.Err()))
				return fallback
			case <-time.After(time.Duration(attempt) * delay):
			}
			continue
		}

		logger.Error("probe exhausted retries, using fallback",
			zap.String("probe", name),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}

	return fallback
}
