package utils

import (
	"context"
	"fmt"
	"time"
)

// WaitFor evaluates cond once per interval until it reports done or returns
// an error, giving up when timeout elapses or ctx is cancelled. The first
// evaluation happens before any sleep, so an already-satisfied condition
// costs nothing.
func WaitFor(ctx context.Context, timeout, interval time.Duration, cond func() (done bool, err error)) error {
	expired := time.NewTimer(timeout)
	defer expired.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired.C:
			return fmt.Errorf("condition not met within %s", timeout)
		case <-tick.C:
		}
	}
}
