package guest

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports that a process did not publish an exit code within
// the waiter's budget. The guest process keeps running; only the polling
// stops.
type TimeoutError struct {
	Handle  ProcessHandle
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("couldn't retrieve exit code of process %d within %s", e.Handle, e.Timeout)
}

// Poller is the part of Session the waiter needs.
type Poller interface {
	PollExitCode(ctx context.Context, handle ProcessHandle) (*int32, error)
}

// Waiter polls a process until it publishes an exit code or the timeout
// budget is spent. One poll per interval, strictly sequential, no retry
// after expiry.
type Waiter struct {
	// Timeout is the total polling budget. Zero means DefaultTimeout.
	Timeout time.Duration
	// Interval is the pause between polls. Zero means DefaultInterval.
	Interval time.Duration
	// Sleep is called between polls. Nil means time.Sleep; tests inject a
	// fake to simulate time.
	Sleep func(time.Duration)
}

const (
	DefaultTimeout  = 60 * time.Second
	DefaultInterval = time.Second
)

// Wait blocks until the process exits, returning its exit code. Reaching
// the timeout without an exit code yields a *TimeoutError.
func (w Waiter) Wait(ctx context.Context, p Poller, handle ProcessHandle) (int32, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	remaining := timeout
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		code, err := p.PollExitCode(ctx, handle)
		if err != nil {
			return 0, err
		}
		if code != nil {
			return *code, nil
		}
		if remaining <= 0 {
			return 0, &TimeoutError{Handle: handle, Timeout: timeout}
		}
		sleep(interval)
		remaining -= interval
	}
}
