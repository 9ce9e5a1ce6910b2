package inspect

import (
	"context"
	"time"
)

// Backoff is a fixed-delay policy with an optional attempt ceiling.
// MaxAttempts <= 0 never exhausts.
type Backoff struct {
	Delay       time.Duration
	MaxAttempts int
}

// Wait sleeps for Delay or until ctx is done.
func (b Backoff) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(b.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exhausted reports whether n consecutive attempts reach the ceiling.
func (b Backoff) Exhausted(n int) bool {
	return b.MaxAttempts > 0 && n >= b.MaxAttempts
}
