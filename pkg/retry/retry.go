package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Unlimited as MaxAttempts retries until the function succeeds or the
// context is cancelled.
const Unlimited = -1

// Config holds retry configuration
type Config struct {
	Enabled       bool          // Enable/disable retry logic
	MaxAttempts   int           // Maximum number of retries; Unlimited retries forever
	InitialDelay  time.Duration // Initial delay before first retry
	MaxDelay      time.Duration // Maximum delay between retries, jitter included
	Multiplier    float64       // Exponential backoff multiplier (typically 2.0)
	Randomization float64       // Jitter factor in [0,1]; delay varies by ±Randomization

	// OnRetry, if set, is called before each wait with the failed attempt
	// number (starting at 0), the upcoming delay and the error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Randomization: 0.25,
	}
}

// ReconnectConfig matches the reconnection policy of the signaling channel:
// 1s growing to at most 5s, ±50% jitter, never giving up.
func ReconnectConfig() Config {
	return Config{
		Enabled:       true,
		MaxAttempts:   Unlimited,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		Randomization: 0.5,
	}
}

// Retry executes a function with exponential backoff retry logic
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with exponential backoff retry logic
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error

	for attempt := 0; cfg.MaxAttempts < 0 || attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on last attempt
		if cfg.MaxAttempts >= 0 && attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// calculateDelay calculates the delay for exponential backoff
func calculateDelay(cfg Config, attempt int) time.Duration {
	// initialDelay * (multiplier ^ attempt), computed in float to avoid overflow
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Randomization > 0 {
		r := math.Min(cfg.Randomization, 1)
		delay += delay * r * (2*rand.Float64() - 1)
	}

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
