package model

import (
	"math"
	"time"
)

type JitterStrategy string

const (
	JITTER_FULL JitterStrategy = "FULL"
	JITTER_NONE JitterStrategy = "NONE"
)

// RetryPolicy describes exponential backoff for a step. Attempts count every
// call, the first one included.
type RetryPolicy struct {
	IntervalSeconds float64        `json:"intervalSeconds"`
	BackoffRate     float64        `json:"backoffRate"`
	MaxAttempts     int            `json:"maxAttempts"`
	MaxDelaySeconds float64        `json:"maxDelaySeconds,omitempty"`
	JitterStrategy  JitterStrategy `json:"jitterStrategy,omitempty"`
	ErrorEquals     []string       `json:"errorEquals,omitempty"`
}

func DefaultTaskRetryPolicy() RetryPolicy {
	return RetryPolicy{
		IntervalSeconds: 30,
		BackoffRate:     2,
		MaxAttempts:     10,
		MaxDelaySeconds: 120,
		JitterStrategy:  JITTER_FULL,
	}
}

// Delay is the wait before retry number attempt (1 based). With full jitter
// the delay is uniform in [0, capped backoff); rnd must return [0,1).
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	d := p.IntervalSeconds * math.Pow(rate, float64(attempt-1))
	if p.MaxDelaySeconds > 0 && d > p.MaxDelaySeconds {
		d = p.MaxDelaySeconds
	}
	if p.JitterStrategy == JITTER_FULL && rnd != nil {
		d = d * rnd()
	}
	return time.Duration(d * float64(time.Second))
}

// HasAttemptsLeft reports whether another call may follow the given number of
// attempts already made.
func (p RetryPolicy) HasAttemptsLeft(attemptsMade int) bool {
	return attemptsMade < p.MaxAttempts
}

// Matches reports whether the policy covers the error name. An empty list
// covers every error.
func (p RetryPolicy) Matches(errName string) bool {
	if len(p.ErrorEquals) == 0 {
		return true
	}
	for _, e := range p.ErrorEquals {
		if e == ERROR_ALL || e == errName {
			return true
		}
	}
	return false
}
