// Package poll implements the bounded fixed-interval readiness poll used to
// wait for dependent services. Timing out is an expected outcome, not an
// error: callers branch on the Result, nothing is raised.
package poll

import (
	"context"
	"time"
)

// Result is the outcome of a single Poll call.
type Result struct {
	OK       bool // the probe returned true before attempts ran out
	Attempts int  // probes issued, including the successful one
}

// Probe reports whether the dependent service is ready. Implementations
// must swallow their own transient errors (connection refused, non-zero
// exit) and return false rather than propagating them.
type Probe func() bool

// Poll calls probe up to maxAttempts times, sleeping interval between failed
// attempts. The interval is deliberately fixed — no backoff — so the worst
// case is exactly maxAttempts*interval plus one probe latency.
func Poll(probe Probe, maxAttempts int, interval time.Duration) Result {
	return PollContext(context.Background(), probe, maxAttempts, interval)
}

// PollContext is Poll with cancellation: a canceled context stops the wait
// between attempts and returns a timed-out Result early.
func PollContext(ctx context.Context, probe Probe, maxAttempts int, interval time.Duration) Result {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if probe() {
			return Result{OK: true, Attempts: attempt}
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Attempts: attempt}
		case <-timer.C:
		}
	}
	return Result{Attempts: maxAttempts}
}
