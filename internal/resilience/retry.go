package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig tunes [Retry]'s jittered exponential back-off.
type RetryConfig struct {
	// MaxAttempts is the total number of calls to fn, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff ceiling before the first retry. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff ceiling regardless of attempt count. Default: 5s.
	MaxDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	return c
}

// Retry calls fn up to cfg.MaxAttempts times, waiting a full-jitter
// exponential backoff between attempts (§7: "Retry with jittered exponential
// back-off up to 3 attempts within the turn budget"). It returns fn's last
// error, or ctx.Err() if ctx is cancelled while waiting between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(cfg, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// backoffDelay returns a uniformly random duration in [0, ceiling], where
// ceiling doubles with each attempt up to cfg.MaxDelay (full jitter, as
// recommended for thundering-herd avoidance across many concurrent callers).
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	ceiling := cfg.BaseDelay * time.Duration(uint64(1)<<uint(attempt-1))
	if ceiling > cfg.MaxDelay || ceiling <= 0 {
		ceiling = cfg.MaxDelay
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
