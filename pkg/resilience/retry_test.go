package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulePolicyStopsOnNonRetryable(t *testing.T) {
	hard := errors.New("bad request")
	calls := 0
	p := NewSchedulePolicy([]time.Duration{time.Millisecond, time.Millisecond}, func(err error) bool {
		return !errors.Is(err, hard)
	})
	p.Sleep = func(time.Duration) {}

	err := p.Do(context.Background(), func() error {
		calls++
		return hard
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt for non-retryable failure, got %d", calls)
	}
}

func TestSchedulePolicyBackoffOrdering(t *testing.T) {
	schedule := []time.Duration{300 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond}
	var slept []time.Duration
	p := NewSchedulePolicy(schedule, nil)
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet visible")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if len(slept) != 2 || slept[0] != schedule[0] || slept[1] != schedule[1] {
		t.Fatalf("unexpected backoff ordering: %v", slept)
	}
}

func TestSchedulePolicyExhaustsSchedule(t *testing.T) {
	p := NewSchedulePolicy([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, nil)
	p.Sleep = func(time.Duration) {}
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return errors.New("still failing")
	})
	if err == nil {
		t.Fatalf("expected failure after exhaustion")
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}
