package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// Config controls retry behaviour.
type Config struct {
	// MaxRetries is the number of additional attempts after the first call.
	// MaxRetries=3 means up to 4 calls in total. This convention is applied
	// uniformly at every call site in this module.
	MaxRetries int
	// BaseDelay is the base for exponential backoff:
	// delay = min(MaxDelay, BaseDelay × 2^attempt), attempt counted from 0.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. 0 defaults to 8 × BaseDelay.
	MaxDelay time.Duration
	// Jitter spreads each delay uniformly by ±Jitter/2 to avoid synchronized
	// retry storms. 0 disables jitter.
	Jitter time.Duration
	// OnRetry is called after a failed attempt, before sleeping.
	// attempt is 0-indexed (0 = first attempt just failed); delay is the
	// computed backoff about to be waited.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Do calls fn until it succeeds, the retry budget is spent, a failure is
// marked non-retryable, or ctx is cancelled. fn receives the same ctx, so
// context-aware operations can be passed as method values.
//
// Delay schedule with BaseDelay=1s, Jitter=0:
//
//	attempt 0 fails → wait 1s
//	attempt 1 fails → wait 2s
//	attempt 2 fails → wait 4s (and so on, capped at MaxDelay)
//
// A failure for which domain.IsRetryable reports false is returned
// immediately — retrying a denied permission cannot succeed. When the budget
// is exhausted the last error is returned wrapped in
// *domain.RetryExhaustedError, so errors.Is/As still reach the cause.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * cfg.BaseDelay
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !domain.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoff(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, lastErr)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt+1, ctx.Err())
		}
	}
	return &domain.RetryExhaustedError{Attempts: cfg.MaxRetries + 1, Err: lastErr}
}

func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.MaxDelay
	// 1<<attempt overflows past 62; the cap applies long before that.
	if attempt < 62 {
		if exp := cfg.BaseDelay << uint(attempt); exp < cfg.MaxDelay {
			d = exp
		}
	}
	if cfg.Jitter > 0 {
		d += rand.N(cfg.Jitter) - cfg.Jitter/2
	}
	if d < 0 {
		d = 0
	}
	return d
}
