// ABOUTME: Tests for the bounded-retry completion waiter
// ABOUTME: Verifies the 5s/10s/20s schedule and exactly-once announcement

package acp

import (
	"context"
	"errors"
	"testing"
	"time"
)

type announceRecorder struct {
	calls []error
}

func (r *announceRecorder) fn(_ string, runErr error) {
	r.calls = append(r.calls, runErr)
}

// newTestWaiter returns a waiter whose sleeps record their delays and
// return immediately.
func newTestWaiter(delays *[]time.Duration) *CompletionWaiter {
	return NewCompletionWaiter(testLogger(), func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

func failNTimes(n int) PollFunc {
	attempts := 0
	return func(context.Context) error {
		attempts++
		if attempts <= n {
			return errors.New("rpc unavailable")
		}
		return nil
	}
}

func TestWaitImmediateSuccess(t *testing.T) {
	var delays []time.Duration
	w := newTestWaiter(&delays)
	rec := &announceRecorder{}

	if err := w.Wait(context.Background(), "acp:k", failNTimes(0), rec.fn); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(delays) != 0 {
		t.Fatalf("slept %d times, want 0", len(delays))
	}
	if len(rec.calls) != 1 || rec.calls[0] != nil {
		t.Fatalf("announce calls = %v, want one nil", rec.calls)
	}
}

func TestWaitRecoversOnThirdAttempt(t *testing.T) {
	var delays []time.Duration
	w := newTestWaiter(&delays)
	rec := &announceRecorder{}

	// Attempts 1 and 2 fail, attempt 3 succeeds.
	if err := w.Wait(context.Background(), "acp:k", failNTimes(2), rec.fn); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
	if len(rec.calls) != 1 || rec.calls[0] != nil {
		t.Fatalf("announce calls = %v, want one clean completion", rec.calls)
	}
}

func TestWaitExhaustsRetryBudget(t *testing.T) {
	var delays []time.Duration
	w := newTestWaiter(&delays)
	rec := &announceRecorder{}

	// All four attempts (1 initial + 3 retries) fail.
	err := w.Wait(context.Background(), "acp:k", failNTimes(4), rec.fn)
	if err == nil {
		t.Fatal("Wait succeeded with a permanently failing poll")
	}
	if !IsCode(err, CodeTurnFailed) {
		t.Fatalf("error = %v, want %s", err, CodeTurnFailed)
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("slept %d times, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
	if len(rec.calls) != 1 || rec.calls[0] == nil {
		t.Fatalf("announce calls = %v, want exactly one failure announcement", rec.calls)
	}
}

func TestWaitRetryStateDoesNotLeakAcrossRuns(t *testing.T) {
	var delays []time.Duration
	w := newTestWaiter(&delays)

	// First run burns two retries.
	if err := w.Wait(context.Background(), "acp:a", failNTimes(2), nil); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	firstSleeps := len(delays)

	// An independent run starts from a clean slate: it still gets the full
	// budget and its first retry delay is 5s again.
	if err := w.Wait(context.Background(), "acp:b", failNTimes(3), nil); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	second := delays[firstSleeps:]
	if len(second) != 3 || second[0] != 5*time.Second {
		t.Fatalf("second run delays = %v, want fresh 5s/10s/20s schedule", second)
	}
}

type pollOutcomeRecorder struct {
	outcomes []string
}

func (r *pollOutcomeRecorder) RecordCompletionPoll(outcome string) {
	r.outcomes = append(r.outcomes, outcome)
}

func TestWaitRecordsPollOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		failures int
		want     []string
	}{
		{"immediate success", 0, []string{"success"}},
		{"recovers after retries", 2, []string{"retry", "retry", "success"}},
		{"exhausts budget", 4, []string{"retry", "retry", "retry", "exhausted"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var delays []time.Duration
			w := newTestWaiter(&delays)
			rec := &pollOutcomeRecorder{}
			w.SetRecorder(rec)

			_ = w.Wait(context.Background(), "acp:k", failNTimes(tc.failures), nil)

			if len(rec.outcomes) != len(tc.want) {
				t.Fatalf("outcomes = %v, want %v", rec.outcomes, tc.want)
			}
			for i := range tc.want {
				if rec.outcomes[i] != tc.want[i] {
					t.Fatalf("outcomes = %v, want %v", rec.outcomes, tc.want)
				}
			}
		})
	}
}

func TestWaitCanceledDuringBackoff(t *testing.T) {
	w := NewCompletionWaiter(testLogger(), func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	})
	rec := &announceRecorder{}

	err := w.Wait(context.Background(), "acp:k", failNTimes(10), rec.fn)
	if err == nil {
		t.Fatal("Wait succeeded after canceled backoff")
	}
	if len(rec.calls) != 1 || rec.calls[0] == nil {
		t.Fatalf("announce calls = %v, want one failure announcement", rec.calls)
	}
}
