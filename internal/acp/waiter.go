// ABOUTME: Bounded-retry completion waiter for out-of-band turn polling
// ABOUTME: Retries transport failures at 5s/10s/20s, then declares the run failed

package acp

import (
	"context"
	"log/slog"
	"time"
)

// maxPollRetries is the retry budget after the initial poll attempt.
const maxPollRetries = 3

// pollBackoff holds the delay before each retry, indexed by retry number.
var pollBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// PollFunc asks the orchestration layer whether a long-running turn has
// finished. A transport error is retryable; a nil return is completion.
type PollFunc func(ctx context.Context) error

// AnnounceFunc fires the completion flow exactly once per run. runErr is
// nil for a clean completion and the terminal failure otherwise.
type AnnounceFunc func(key string, runErr error)

// PollRecorder counts completion poll outcomes for metrics export.
// Outcomes are "success", "retry", and "exhausted".
type PollRecorder interface {
	RecordCompletionPoll(outcome string)
}

// CompletionWaiter drives one wait-for-completion poll per run with a
// bounded backoff schedule. Retry state lives entirely within a single
// Wait call; it never leaks into the next run.
type CompletionWaiter struct {
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	recorder PollRecorder
}

// NewCompletionWaiter creates a waiter. The sleep function is injectable
// for tests; pass nil for real timers.
func NewCompletionWaiter(logger *slog.Logger, sleep func(ctx context.Context, d time.Duration) error) *CompletionWaiter {
	if sleep == nil {
		sleep = sleepCtx
	}
	return &CompletionWaiter{
		logger: logger.With("component", "acp-waiter"),
		sleep:  sleep,
	}
}

// SetRecorder attaches a poll outcome recorder. Nil disables recording.
func (w *CompletionWaiter) SetRecorder(r PollRecorder) {
	w.recorder = r
}

func (w *CompletionWaiter) record(outcome string) {
	if w.recorder != nil {
		w.recorder.RecordCompletionPoll(outcome)
	}
}

// Wait polls until completion or until the retry budget is exhausted, then
// announces the outcome exactly once. Returns the terminal error, if any.
func (w *CompletionWaiter) Wait(ctx context.Context, key string, poll PollFunc, announce AnnounceFunc) error {
	err := poll(ctx)
	if err == nil {
		w.record("success")
		w.announce(announce, key, nil)
		return nil
	}

	for retry := 1; retry <= maxPollRetries; retry++ {
		delay := pollBackoff[retry-1]
		w.record("retry")
		w.logger.Warn("completion poll failed, scheduling retry",
			"key", key, "retry", retry, "max_retries", maxPollRetries, "delay", delay, "error", err)

		if serr := w.sleep(ctx, delay); serr != nil {
			terminal := NewError(CodeTurnFailed, "completion wait canceled for "+key, serr)
			w.announce(announce, key, terminal)
			return terminal
		}

		err = poll(ctx)
		if err == nil {
			w.record("success")
			w.logger.Info("completion poll recovered", "key", key, "retry", retry)
			w.announce(announce, key, nil)
			return nil
		}
	}

	w.record("exhausted")
	terminal := NewError(CodeTurnFailed, "completion poll failed after retries for "+key, err)
	w.logger.Error("run marked failed after exhausting completion retries",
		"key", key, "retries", maxPollRetries, "error", err)
	w.announce(announce, key, terminal)
	return terminal
}

func (w *CompletionWaiter) announce(announce AnnounceFunc, key string, runErr error) {
	if announce != nil {
		announce(key, runErr)
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
