package remote

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxJitter  = 200 * time.Millisecond
	DefaultMaxDelay   = time.Minute
)

// Backoff decides, per logical request, whether and how long to wait before
// the next attempt.
type Backoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
	// MaxDelay caps a single wait. A Retry-After beyond it ends the retries.
	MaxDelay time.Duration

	Now    func() time.Time
	Jitter func(max time.Duration) time.Duration

	attempt int
}

func NewBackoff(maxRetries int, base, maxJitter time.Duration) *Backoff {
	return &Backoff{MaxRetries: maxRetries, BaseDelay: base, MaxJitter: maxJitter}
}

// Attempt returns the number of retries granted so far.
func (b *Backoff) Attempt() int { return b.attempt }

// Next consumes one retry when status is retryable and the cap is not
// reached. retryAfter is the raw Retry-After header value.
func (b *Backoff) Next(status int, retryAfter string) (time.Duration, bool) {
	if !IsRetryableStatus(status) || b.attempt >= b.MaxRetries {
		return 0, false
	}

	delay, ok := b.parseRetryAfter(retryAfter)
	if ok && b.MaxDelay > 0 && delay > b.MaxDelay {
		return 0, false
	}
	if !ok {
		delay = b.BaseDelay << uint(b.attempt)
		delay += b.jitter()
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
	b.attempt++
	return delay, true
}

func (b *Backoff) parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(b.now())
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func (b *Backoff) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Backoff) jitter() time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	if b.Jitter != nil {
		return b.Jitter(b.MaxJitter)
	}
	return time.Duration(rand.Int64N(int64(b.MaxJitter) + 1))
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
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
