// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueCompletion(t *testing.T) {
	q := NewTickerQueue(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	done := make(chan struct{})
	var tries int32
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Second * 10),
		TryFunc: func() TryDirective {
			if atomic.AddInt32(&tries, 1) < 3 {
				return TryAgain
			}
			close(done)
			return DontTryAgain
		},
		ExpireFunc: func() { t.Errorf("waiter expired") },
	})

	select {
	case <-done:
	case <-time.After(time.Second * 5):
		t.Fatalf("waiter never completed, %d tries", atomic.LoadInt32(&tries))
	}
}

func TestQueueExpiration(t *testing.T) {
	q := NewTickerQueue(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	expired := make(chan struct{})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Millisecond * 20),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { close(expired) },
	})

	select {
	case <-expired:
	case <-time.After(time.Second * 5):
		t.Fatalf("waiter never expired")
	}
}

func TestQueueAlreadyExpired(t *testing.T) {
	q := NewTickerQueue(time.Millisecond)
	// No run loop needed: an already-expired waiter is expired synchronously.
	expired := false
	q.Wait(&Waiter{
		Expiration: time.Now().Add(-time.Second),
		TryFunc: func() TryDirective {
			t.Errorf("expired waiter was tried")
			return DontTryAgain
		},
		ExpireFunc: func() { expired = true },
	})
	if !expired {
		t.Fatalf("ExpireFunc not run for an already-expired waiter")
	}
}

func TestQueueShutdownExpiresPending(t *testing.T) {
	q := NewTickerQueue(time.Hour) // never ticks during the test
	ctx, cancel := context.WithCancel(context.Background())
	ranLoop := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(ranLoop)
	}()

	expired := make(chan struct{})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		// First attempt runs immediately; afterwards the waiter sits in the
		// queue until shutdown.
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { close(expired) },
	})

	// Give the first attempt a moment to run and requeue.
	time.Sleep(time.Millisecond * 50)
	cancel()

	select {
	case <-expired:
	case <-time.After(time.Second * 5):
		t.Fatalf("pending waiter not expired at shutdown")
	}
	<-ranLoop
}

func TestNextTickTaper(t *testing.T) {
	fastest, slowest := time.Second, time.Second*10
	now := time.Now()
	expiration := now.Add(time.Hour)

	// Full speed through the first attempts.
	for ticks := 0; ticks < fullSpeedTicks; ticks++ {
		next := nextTick(ticks, fastest, slowest, now, expiration)
		if d := next.Sub(now); d != fastest {
			t.Fatalf("tick %d: wanted %v, got %v", ticks, fastest, d)
		}
	}

	// Monotonically non-decreasing through the taper, ending at slowest.
	prev := fastest
	for ticks := fullSpeedTicks; ticks < fullyTapered; ticks++ {
		d := nextTick(ticks, fastest, slowest, now, expiration).Sub(now)
		if d < prev {
			t.Fatalf("taper not monotonic at tick %d: %v < %v", ticks, d, prev)
		}
		if d > slowest {
			t.Fatalf("taper overshot at tick %d: %v", ticks, d)
		}
		prev = d
	}

	if d := nextTick(fullyTapered, fastest, slowest, now, expiration).Sub(now); d != slowest {
		t.Fatalf("fully tapered delay %v != %v", d, slowest)
	}

	// Clamped to expiration.
	soon := now.Add(time.Millisecond)
	if next := nextTick(100, fastest, slowest, now, soon); !next.Equal(soon) {
		t.Fatalf("tick not clamped to expiration")
	}
}
