package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/relayclaw/pkg/channels"
)

func recordingSleep(log *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*log = append(*log, d)
		return nil
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, RateLimited, Classify(fmt.Errorf("send: %w", &channels.RateLimitError{RetryAfter: time.Second})))
	assert.Equal(t, Permanent, Classify(&channels.PermanentError{Code: 403}))
	assert.Equal(t, Permanent, Classify(fmt.Errorf("resolve: %w", channels.ErrChannelNotFound)))
	assert.Equal(t, Transient, Classify(errors.New("connection reset")))
	assert.Equal(t, "rate_limited", RateLimited.String())
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{Sleep: recordingSleep(&sleeps)}

	attempts, err := p.Do(context.Background(), func(int) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeps)
}

func TestDo_TransientExhaustsAttempts(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{MaxAttempts: 3, Delay: 2 * time.Second, Sleep: recordingSleep(&sleeps)}

	var seen []int
	attempts, err := p.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("timeout")
	})
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeps)
}

func TestDo_ZeroDelayRetriesImmediately(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{MaxAttempts: 3, Sleep: recordingSleep(&sleeps)}

	attempts, err := p.Do(context.Background(), func(int) error { return errors.New("timeout") })
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{0, 0}, sleeps)
}

func TestDo_LinearBackoff(t *testing.T) {
	var sleeps []time.Duration
	p := Policy{MaxAttempts: 3, Backoff: Linear(time.Second), Sleep: recordingSleep(&sleeps)}

	_, _ = p.Do(context.Background(), func(int) error { return errors.New("x") })
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, Sleep: recordingSleep(new([]time.Duration))}

	attempts, err := p.Do(context.Background(), func(int) error {
		calls++
		return &channels.PermanentError{Code: 400, Description: "bad"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_RateLimitWaitsWithoutConsumingAttempts(t *testing.T) {
	var sleeps []time.Duration
	var notified []time.Duration
	p := Policy{
		MaxAttempts: 1,
		Sleep:       recordingSleep(&sleeps),
		OnRateLimit: func(d time.Duration) { notified = append(notified, d) },
	}

	calls := 0
	attempts, err := p.Do(context.Background(), func(attempt int) error {
		calls++
		assert.Equal(t, 1, attempt)
		if calls <= 3 {
			return &channels.RateLimitError{RetryAfter: time.Duration(calls) * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, sleeps)
	assert.Equal(t, sleeps, notified)
}

func TestDo_MaxRateLimitWaits(t *testing.T) {
	p := Policy{MaxRateLimitWaits: 2, Sleep: recordingSleep(new([]time.Duration))}

	calls := 0
	_, err := p.Do(context.Background(), func(int) error {
		calls++
		return &channels.RateLimitError{RetryAfter: time.Second}
	})
	var rl *channels.RateLimitError
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3}

	calls := 0
	_, err := p.Do(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
