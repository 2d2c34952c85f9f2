// Package retry decides when a failed renewal is charged again and runs the
// scan that performs those charges.
package retry

import (
	"fmt"
	"time"

	"github.com/dukerupert/hearth/internal/domain"
)

// Policy is the retry schedule and suspension threshold.
type Policy struct {
	// Schedule[i] is the wait before retry i+1. Retries past the end reuse
	// the last entry.
	Schedule []time.Duration

	// MaxAttempts is the number of failures tolerated. The failure that takes
	// the retry count past it suspends the subscription.
	MaxAttempts int
}

// DefaultPolicy waits one, three and seven days.
func DefaultPolicy() Policy {
	return Policy{
		Schedule:    []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		MaxAttempts: 3,
	}
}

// NewPolicy validates and returns a policy.
func NewPolicy(schedule []time.Duration, maxAttempts int) (Policy, error) {
	p := Policy{Schedule: schedule, MaxAttempts: maxAttempts}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the schedule is non-empty, positive and strictly increasing.
func (p Policy) Validate() error {
	const op = "retry.policy"
	if len(p.Schedule) == 0 {
		return domain.Errorf(domain.ECONFIG, op, "retry schedule is empty")
	}
	for i, d := range p.Schedule {
		if d <= 0 {
			return domain.Errorf(domain.ECONFIG, op, "retry schedule entry %d is not positive: %s", i, d)
		}
		if i > 0 && d <= p.Schedule[i-1] {
			return domain.Errorf(domain.ECONFIG, op, "retry schedule does not increase at entry %d: %s after %s", i, d, p.Schedule[i-1])
		}
	}
	if p.MaxAttempts < 1 {
		return domain.Errorf(domain.ECONFIG, op, "max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	return nil
}

// Backoff returns the wait before retry n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		panic(fmt.Sprintf("retry: backoff for attempt %d", n))
	}
	return p.Schedule[min(n-1, len(p.Schedule)-1)]
}

// Decision is the outcome of a definitive payment failure.
type Decision struct {
	// RetryCount is the subscription's failure count including this one.
	RetryCount int

	// Suspend is true when the failure exhausted the policy.
	Suspend bool

	// NextRetryAt is set when Suspend is false.
	NextRetryAt *time.Time
}

// OnFailure applies one failure to sub's retry state. sub is not modified.
func (p Policy) OnFailure(sub *domain.Subscription, now time.Time) Decision {
	n := sub.RetryCount + 1
	if n > p.MaxAttempts {
		return Decision{RetryCount: n, Suspend: true}
	}
	next := now.Add(p.Backoff(n))
	return Decision{RetryCount: n, NextRetryAt: &next}
}
