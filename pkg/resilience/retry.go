package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		time.Sleep(r.Backoff)
	}
	return err
}

// SchedulePolicy retries with an explicit backoff schedule. The number of
// attempts is len(Schedule)+1. Retryable decides whether a failure is worth
// another attempt; a nil Retryable retries everything.
type SchedulePolicy struct {
	Schedule  []time.Duration
	Retryable func(error) bool
	Sleep     func(time.Duration)
}

func NewSchedulePolicy(schedule []time.Duration, retryable func(error) bool) SchedulePolicy {
	if len(schedule) == 0 {
		schedule = []time.Duration{200 * time.Millisecond}
	}
	return SchedulePolicy{Schedule: schedule, Retryable: retryable}
}

func (p SchedulePolicy) Do(ctx context.Context, fn func() error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= len(p.Schedule) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if ctx != nil && ctx.Err() != nil {
			return err
		}
		sleep(p.Schedule[attempt])
	}
}
