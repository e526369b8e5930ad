package cloud

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig defines retry behavior for provider control-plane operations.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Do runs op, retrying with exponential backoff while transient reports the
// returned error as retryable. Non-transient errors and retry exhaustion
// return the last error. Context cancellation is observed between attempts.
func (c RetryConfig) Do(ctx context.Context, log zerolog.Logger, op func() error, transient func(error) bool) error {
	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if transient == nil || !transient(lastErr) {
			return lastErr
		}
		if attempt == c.MaxRetries {
			break
		}
		delay := c.delay(attempt)
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Int("max_retries", c.MaxRetries).
			Dur("delay", delay).
			Msg("transient error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// delay calculates exponential backoff with ±25% jitter, capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}
