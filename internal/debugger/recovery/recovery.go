// Package recovery implements the retry policy used to restart a session's
// debugger driver after its child process crashes, instead of surfacing the
// crash straight to the client on the first failure.
package recovery

import (
	"context"
	"time"
)

const (
	baseDelay    = 500 * time.Millisecond
	backoffFactor = 2
	maxDelay     = 5 * time.Second
	maxAttempts  = 3
)

// calculateBackoff returns the delay before retry attempt n (1-indexed),
// doubling each attempt and capping at maxDelay.
func calculateBackoff(attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Restart is a callback that attempts to bring a crashed driver back up,
// returning nil on success.
type Restart func(ctx context.Context) error

// Controller drives up to maxAttempts restarts of a crashed driver with
// exponential backoff between tries, giving up and returning the last error
// once attempts are exhausted.
type Controller struct {
	restart Restart
}

// New creates a Controller that calls restart on each recovery attempt.
func New(restart Restart) *Controller {
	return &Controller{restart: restart}
}

// Recover runs the restart policy, returning nil as soon as one attempt
// succeeds, or the last error once maxAttempts is exhausted.
func (c *Controller) Recover(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := calculateBackoff(attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.restart(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
