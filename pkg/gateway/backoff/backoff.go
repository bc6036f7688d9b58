// Package backoff holds the single retry policy used for upstream reconnects.
package backoff

import "time"

// Policy computes linear backoff delays: attempt N waits Base × N. Attempts
// are 1-based; Allowed reports whether another attempt may be made.
type Policy struct {
	Base        time.Duration
	MaxAttempts int
}

// Default matches the gateway's upstream reconnect policy: 1s × attempt,
// at most 5 attempts.
func Default() Policy {
	return Policy{Base: time.Second, MaxAttempts: 5}
}

// Allowed reports whether the given 1-based attempt is within the budget.
func (p Policy) Allowed(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

// Delay returns the wait before the given 1-based attempt. Out-of-range
// attempts return the maximum delay so misuse never produces a tight loop.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		attempt = p.MaxAttempts
	}
	return p.Base * time.Duration(attempt)
}
