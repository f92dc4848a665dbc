package client

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig is the reconnect schedule of one writer. Attempt n waits
// InitialInterval * Multiplier^(n-1), capped at MaxInterval, and at most
// MaxAttempts exchanges are tried per Write.
type RetryConfig struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryConfig returns 1ms, growing tenfold, capped at 30s, 9 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		Multiplier:      10,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     9,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	return c
}

// newBackOff builds the schedule for one Write. It stops after MaxAttempts-1
// retries or when ctx is done. The retry loop resets it before first use.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxInterval,
		// bounded by attempts, not elapsed time
		MaxElapsedTime: 0,
		Stop:           backoff.Stop,
		Clock:          backoff.SystemClock,
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts-1)), ctx)
}
