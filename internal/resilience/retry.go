package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls the bounded retry loop shared by all connectors.
type RetryConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	// Zero means no retries; negative takes the default of 3.
	MaxRetries int

	// BaseDelay is scaled by 2^attempt. Default: 250ms.
	BaseDelay time.Duration

	// MaxJitter bounds the random delay added to each backoff. Default: 100ms.
	MaxJitter time.Duration

	// ShouldRetry overrides the default IsRetryable check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the attempt number,
	// the error and the chosen delay.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the connector retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxJitter:  100 * time.Millisecond,
	}
}

// Do runs fn until it succeeds, returns a terminal error, or the retry
// budget is spent. Each call to fn is a fresh attempt.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoVal is like Do but preserves the value of the successful attempt.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		val, err := fn(ctx, attempt)
		if err == nil {
			return val, nil
		}
		lastErr = err

		// Don't retry once the caller gave up.
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := Backoff(attempt, cfg)
		if ra, ok := RetryAfterFrom(lastErr); ok {
			delay = ra
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}
		if err := cfg.Sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return cfg
}

// Backoff returns BaseDelay·2^attempt plus a random jitter in [0, MaxJitter).
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if cfg.MaxJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(cfg.MaxJitter)))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
