package searchsync

import (
	"context"
	"errors"
	log "log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// WriteBackoff returns the backoff used for search-store writes: attempts are
// spaced 0, 10, 20, 40, 80 seconds apart, five in total.
func WriteBackoff() retry.Backoff {
	return retry.WithMaxRetries(4, retry.NewExponential(10*time.Second))
}

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the final
// error is returned. Used for control-plane operations (meta reads/writes,
// connection pings); document writes use WriteBackoff with their own taxonomy.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is a transient transport failure that
// warrants another write attempt. Conflicts, render and statement failures are
// permanent for the current attempt sequence.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return CodeOf(err) == TransientTransport
}

// Sleep blocks for the specified duration or until the context is done,
// whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}

// TimedOut returns an error if the context is done or if the elapsed time
// since startTime exceeds maxTime.
func TimedOut(ctx context.Context, name string, startTime time.Time, maxTime time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	diff := Now().Sub(startTime)
	if diff > maxTime {
		return Errorf(CycleFailed, "%s timed out(maxTime=%v)", name, maxTime)
	}
	return nil
}
