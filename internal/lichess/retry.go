package lichess

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy decides how requests and stream reconnects are retried.
// One policy is applied by the Client to every call site.
type RetryPolicy struct {
	// MaxElapsed bounds the total time spent retrying a single operation.
	MaxElapsed time.Duration
	// InitialBackoff is the wait after the first retryable failure.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the fraction of each wait that is randomized, in [0,1].
	Jitter float64
	// RateLimitCooldown is the wait after a 429 response.
	RateLimitCooldown time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxElapsed:        10 * time.Minute,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		Multiplier:        2,
		Jitter:            0.25,
		RateLimitCooldown: time.Minute,
	}
}

// backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt && d < float64(p.MaxBackoff); i++ {
		d *= mult
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		// spread over [d*(1-j), d*(1+j))
		d = d * (1 - j + 2*j*rand.Float64())
	}
	return time.Duration(d)
}

// waitFor classifies a status code: ok reports whether it is retryable and
// wait is the delay before the next attempt.
func (p RetryPolicy) waitFor(status, attempt int) (wait time.Duration, ok bool) {
	switch {
	case status == 429:
		return p.RateLimitCooldown, true
	case status >= 500:
		return p.backoff(attempt), true
	default:
		return 0, false
	}
}

// retrier tracks the elapsed budget of one logical operation.
type retrier struct {
	policy  RetryPolicy
	started time.Time
	attempt int
}

func (p RetryPolicy) start() *retrier {
	return &retrier{policy: p, started: time.Now()}
}

// reset restarts the budget, e.g. after a stream delivered data again.
func (r *retrier) reset() {
	r.started = time.Now()
	r.attempt = 0
}

// after records a failed attempt; status 0 stands for a transport error.
// It returns the wait before the next attempt and false once the wait would
// overrun the budget. Terminal statuses must be filtered by the caller.
func (r *retrier) after(status int) (time.Duration, bool) {
	r.attempt++
	wait := r.policy.backoff(r.attempt)
	if status != 0 {
		wait, _ = r.policy.waitFor(status, r.attempt)
	}
	return wait, time.Since(r.started)+wait <= r.policy.MaxElapsed
}

func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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
