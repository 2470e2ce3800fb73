// Package retry runs an operation under the relay's bounded retry rules:
// server-requested rate-limit waits do not count as attempts, permanent
// errors stop immediately, and everything else is retried a fixed number
// of times.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/tinyland-inc/relayclaw/pkg/channels"
)

type Class int

const (
	Transient Class = iota
	RateLimited
	Permanent
)

func (c Class) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Classify maps an error to its retry class.
func Classify(err error) Class {
	var rl *channels.RateLimitError
	if errors.As(err, &rl) {
		return RateLimited
	}
	var perm *channels.PermanentError
	if errors.As(err, &perm) || errors.Is(err, channels.ErrChannelNotFound) {
		return Permanent
	}
	return Transient
}

const DefaultMaxAttempts = 3

// Policy configures Do. A zero MaxAttempts uses DefaultMaxAttempts.
type Policy struct {
	MaxAttempts int
	// Delay between counted attempts. Zero retries immediately.
	Delay time.Duration
	// Backoff, if set, overrides Delay. It receives the attempt that just
	// failed (1-based).
	Backoff func(attempt int) time.Duration
	// MaxRateLimitWaits caps consecutive rate-limit waits. 0 means no cap.
	MaxRateLimitWaits int
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRateLimit is called before each rate-limit wait.
	OnRateLimit func(wait time.Duration)
}

// Linear returns a backoff of base*attempt.
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration { return base * time.Duration(attempt) }
}

// Sleep is the default context-aware sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails permanently, or runs out of
// attempts. It returns the number of counted attempts and the last error.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	attempt := 1
	waits := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}

		switch Classify(err) {
		case Permanent:
			return attempt, err

		case RateLimited:
			waits++
			if p.MaxRateLimitWaits > 0 && waits > p.MaxRateLimitWaits {
				return attempt, err
			}
			var rl *channels.RateLimitError
			errors.As(err, &rl)
			if p.OnRateLimit != nil {
				p.OnRateLimit(rl.RetryAfter)
			}
			if serr := sleep(ctx, rl.RetryAfter); serr != nil {
				return attempt, serr
			}
			continue

		default:
			if attempt >= maxAttempts {
				return attempt, err
			}
			if serr := sleep(ctx, p.delay(attempt)); serr != nil {
				return attempt, serr
			}
			attempt++
			waits = 0
		}
	}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(attempt)
	}
	return p.Delay
}
