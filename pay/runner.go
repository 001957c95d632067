// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pay

import (
	"context"
	"sync"
)

// Runner is satisfied by a subsystem that runs until its context is canceled.
type Runner interface {
	Run(ctx context.Context)
}

// StartStopWaiter wraps a Runner with independent start, stop, and wait
// methods so a parent can manage the subsystem's goroutine.
type StartStopWaiter struct {
	runner Runner
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStartStopWaiter creates a StartStopWaiter for the Runner.
func NewStartStopWaiter(runner Runner) *StartStopWaiter {
	return &StartStopWaiter{runner: runner}
}

// Start launches the Runner in a goroutine.
func (ssw *StartStopWaiter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ssw.cancel = cancel
	ssw.wg.Add(1)
	go func() {
		defer ssw.wg.Done()
		ssw.runner.Run(ctx)
	}()
}

// Stop cancels the Runner's context.
func (ssw *StartStopWaiter) Stop() {
	if ssw.cancel != nil {
		ssw.cancel()
	}
}

// WaitForShutdown blocks until the Runner has returned.
func (ssw *StartStopWaiter) WaitForShutdown() {
	ssw.wg.Wait()
}
