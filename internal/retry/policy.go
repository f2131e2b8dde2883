package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
)

// Policy is the shared retry policy used by collection and delivery.
//
// The delay after failed attempt n (1-based) is
//
//	min(BaseDelay * Multiplier^(n-1), MaxDelay)
//
// scaled by a uniform factor in [1-Jitter, 1+Jitter]. An upstream RetryAfter hint
// replaces the computed delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
	// BreakerThreshold is the consecutive-failure count that opens a source breaker.
	BreakerThreshold int

	// Sleep is used between attempts; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

// RetryHook observes a failed attempt before the policy waits for delay.
type RetryHook func(attempt int, err error, delay time.Duration)

func FromConfig(cfg config.RetryConfig) *Policy {
	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,

		BreakerThreshold: cfg.BreakerThreshold,
	}
}

// WithSeed makes jitter reproducible.
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	//nolint:gosec // jitter only
	p.rng = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
	return p
}

func (p *Policy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait after the given failed attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	if p == nil || p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		delay *= 1 - j + 2*j*p.float()
	}
	return time.Duration(delay)
}

func (p *Policy) float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		//nolint:gosec // jitter only
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rng.Float64()
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the attempt
// budget is spent. It returns the number of attempts made.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry RetryHook) (int, error) {
	return p.DoFrom(ctx, 0, fn, onRetry)
}

// DoFrom is Do for work that already used `done` attempts, e.g. a resumed task.
func (p *Policy) DoFrom(ctx context.Context, done int, fn func(ctx context.Context, attempt int) error, onRetry RetryHook) (int, error) {
	max := p.Attempts()
	attempt := done
	var lastErr error
	for attempt < max {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, lastErr
			}
			return attempt, err
		}
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if !errs.IsRetryable(lastErr) || attempt >= max {
			return attempt, lastErr
		}
		delay, ok := errs.RetryAfter(lastErr)
		if !ok {
			delay = p.Backoff(attempt)
		}
		if onRetry != nil {
			onRetry(attempt, lastErr, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	if lastErr == nil {
		lastErr = errs.Newf(errs.KindUnknown, "retry", "attempt budget exhausted before first attempt")
	}
	return attempt, lastErr
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p != nil && p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
