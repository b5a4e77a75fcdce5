package notify

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy implements spec.md §4.3's retry policy: initial delay 1s,
// exponential backoff factor 2, max 6 attempts, max interval 5 minutes,
// jitter ±20%. Generalized from the teacher's internal/cron/retry.go
// single-shot ExecuteWithRetry into a policy object the dispatcher can
// consult per persisted attempt, since each attempt here is its own
// database row rather than an in-process retry loop.
type RetryPolicy struct {
	InitialDelay time.Duration
	Factor       float64
	MaxAttempts  int
	MaxInterval  time.Duration
	JitterFrac   float64
}

// DefaultRetryPolicy returns spec.md §4.3's policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 1 * time.Second,
		Factor:       2,
		MaxAttempts:  6,
		MaxInterval:  5 * time.Minute,
		JitterFrac:   0.20,
	}
}

// Exhausted reports whether attempt (1-based, the attempt that just
// failed) has used up the policy's retry budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// NextDelay computes the backoff delay before retrying after the given
// 1-based attempt number: InitialDelay*Factor^(attempt-1), capped at
// MaxInterval, then ±JitterFrac jitter applied.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
	}
	if cap := float64(p.MaxInterval); delay > cap {
		delay = cap
	}

	if p.JitterFrac <= 0 {
		return time.Duration(delay)
	}
	jitterRange := delay * p.JitterFrac
	jitter := (rand.Float64()*2 - 1) * jitterRange
	result := delay + jitter
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
