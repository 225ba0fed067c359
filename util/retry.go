package util

import (
	"context"
	"math/rand"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/mohitkumar/streamflow/model"
)

var _ backoff.BackOff = new(PolicyBackOff)

// PolicyBackOff adapts a RetryPolicy to backoff.BackOff. It returns
// backoff.Stop once MaxAttempts calls have been made.
type PolicyBackOff struct {
	policy  model.RetryPolicy
	attempt int
	rnd     func() float64
}

func NewPolicyBackOff(policy model.RetryPolicy) *PolicyBackOff {
	return &PolicyBackOff{policy: policy, rnd: rand.Float64}
}

func (b *PolicyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if !b.policy.HasAttemptsLeft(b.attempt) {
		return backoff.Stop
	}
	return b.policy.Delay(b.attempt, b.rnd)
}

func (b *PolicyBackOff) Reset() {
	b.attempt = 0
}

// Retry calls op until it succeeds, the policy runs out of attempts, op
// returns a backoff.Permanent error, or ctx is done.
func Retry(ctx context.Context, policy model.RetryPolicy, op func() error) error {
	return backoff.Retry(op, backoff.WithContext(NewPolicyBackOff(policy), ctx))
}

// RetryConstant is the feed and client flavour: a fixed interval with at most
// maxRetries retries after the first call.
func RetryConstant(ctx context.Context, interval time.Duration, maxRetries int, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxRetries))
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func Permanent(err error) error {
	return backoff.Permanent(err)
}
