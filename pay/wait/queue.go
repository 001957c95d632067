// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides a scheduler for functions that are retried
// periodically until they succeed or expire. The reconciliation loop and the
// Spark status pollers are driven by Queues.
package wait

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue to continue trying or to quit.
type TryDirective bool

const (
	// TryAgain, when returned from the Waiter's TryFunc, instructs the queue
	// to try again after the next scheduled delay.
	TryAgain TryDirective = false
	// DontTryAgain, when returned from the Waiter's TryFunc, instructs the
	// queue to quit trying and stop tracking the Waiter.
	DontTryAgain TryDirective = true
)

// Waiter is a function to run periodically until completion or expiration.
// Completion is indicated when TryFunc returns DontTryAgain. Expiration
// occurs when TryAgain is returned after the Expiration time.
type Waiter struct {
	// Expiration time is checked after the function returns TryAgain. If the
	// current time > Expiration, ExpireFunc will be run and the waiter will
	// be un-queued.
	Expiration time.Time
	// TryFunc is the function to run periodically until DontTryAgain is
	// returned or the Waiter expires.
	TryFunc func() TryDirective
	// ExpireFunc is a function to run in the case that the Waiter expires.
	ExpireFunc func()
}

type queuedWaiter struct {
	*Waiter
	// ticks counts the attempts made so far, for taper scheduling.
	ticks int
	// nextTick orders the queue.
	nextTick time.Time
}

// Number of attempts made at the fastest interval before the delay begins
// tapering toward the slowest interval, and the attempt count at which the
// taper is complete.
const (
	fullSpeedTicks = 3
	fullyTapered   = 15
)

// Queue runs Waiters on a schedule. With equal fastest and slowest
// intervals, the schedule is a fixed ticker, which is what the Spark status
// pollers use. With distinct intervals, early attempts run at the fastest
// interval and the delay tapers toward the slowest, which is what the
// reconciliation loop uses for retries against flaky backends.
type Queue struct {
	fastestInterval time.Duration
	slowestInterval time.Duration
	queueWaiter     chan *queuedWaiter
}

// NewTickerQueue creates a Queue that retries every Waiter at a fixed
// interval.
func NewTickerQueue(interval time.Duration) *Queue {
	return NewTaperingQueue(interval, interval)
}

// NewTaperingQueue creates a Queue whose retry delay starts at
// fastestInterval and tapers to slowestInterval after repeated failures.
func NewTaperingQueue(fastestInterval, slowestInterval time.Duration) *Queue {
	return &Queue{
		fastestInterval: fastestInterval,
		slowestInterval: slowestInterval,
		queueWaiter:     make(chan *queuedWaiter, 16),
	}
}

// Wait schedules the Waiter. The first attempt is made immediately by the
// run loop. If the Waiter is already expired it is not scheduled and
// ExpireFunc is invoked.
func (q *Queue) Wait(w *Waiter) {
	if time.Now().After(w.Expiration) {
		w.ExpireFunc()
		return
	}
	q.queueWaiter <- &queuedWaiter{Waiter: w, nextTick: time.Now()}
}

// Run runs the primary wait loop until the context is canceled. Waiters
// still queued at shutdown have their ExpireFunc run.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	runWaiter := func(w *queuedWaiter) {
		defer wg.Done()
		if w.TryFunc() == DontTryAgain {
			return
		}
		if w.Expiration.Before(time.Now()) {
			w.ExpireFunc()
			return
		}
		w.ticks++
		w.nextTick = nextTick(w.ticks, q.fastestInterval, q.slowestInterval,
			time.Now(), w.Expiration)
		q.queueWaiter <- w
	}

	waiters := make([]*queuedWaiter, 0, 64)
	var timer *time.Timer
	for {
		var tick <-chan time.Time
		if len(waiters) > 0 {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Until(waiters[0].nextTick))
			tick = timer.C
		}

		select {
		case <-tick:
			w := waiters[0]
			waiters = waiters[1:]
			wg.Add(1)
			go runWaiter(w)

		case w := <-q.queueWaiter:
			if time.Until(w.nextTick) <= 0 {
				wg.Add(1)
				go runWaiter(w)
				continue
			}
			waiters = append(waiters, w)
			sort.Slice(waiters, func(i, j int) bool {
				return waiters[i].nextTick.Before(waiters[j].nextTick)
			})

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			for _, w := range waiters {
				w.ExpireFunc()
			}
			return
		}
	}
}

// nextTick is constant at fastestInterval at or below fullSpeedTicks, linear
// from fastestInterval to slowestInterval between fullSpeedTicks and
// fullyTapered, and slowestInterval beyond that, clamped to the expiration.
func nextTick(ticksPassed int, fastestInterval, slowestInterval time.Duration,
	now, expiration time.Time) time.Time {

	var next time.Time
	switch {
	case ticksPassed < fullSpeedTicks:
		next = now.Add(fastestInterval)
	case ticksPassed < fullyTapered:
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		taper := float64(slowestInterval - fastestInterval)
		next = now.Add(fastestInterval + time.Duration(math.Round(prog*taper)))
	default:
		next = now.Add(slowestInterval)
	}

	if next.After(expiration) {
		return expiration
	}
	return next
}
