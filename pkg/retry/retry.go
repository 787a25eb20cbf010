package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	Retryable      func(err error) bool
	CircuitBreaker *CircuitBreaker
}

// DefaultConfig returns sensible defaults for outbound gateway calls
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		Retryable:   func(err error) bool { return err != nil },
	}
}

// Do executes fn with exponential backoff retry and an optional circuit
// breaker. Only errors the Retryable classifier accepts are retried;
// anything else is returned immediately.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.CircuitBreaker != nil {
		return cfg.CircuitBreaker.Call(func() error {
			return doAttempts(ctx, cfg, fn)
		})
	}
	return doAttempts(ctx, cfg, fn)
}

func doAttempts(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return err != nil }
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-2)))
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}

			// Add jitter to prevent thundering herd
			if cfg.Jitter {
				jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
				delay += jitter
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
