package worker

import (
	"context"
	"sync"
	"time"
)

const refillTick = 100 * time.Millisecond

// RateLimiter is a token bucket refilled on a fixed tick. A source task with
// max-records-per-second set acquires one token per record.
type RateLimiter struct {
	capacity int64
	refill   int64

	mu     sync.Mutex
	tokens int64
	cond   *sync.Cond
	closed bool
}

func NewRateLimiter(perSecond int64) *RateLimiter {
	refill := perSecond * int64(refillTick) / int64(time.Second)
	if refill < 1 {
		refill = 1
	}
	r := &RateLimiter{
		capacity: perSecond,
		refill:   refill,
		tokens:   perSecond,
	}
	r.cond = sync.NewCond(&r.mu)

	go func() {
		t := time.NewTicker(refillTick)
		defer t.Stop()
		for range t.C {
			r.mu.Lock()
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.tokens += r.refill
			if r.tokens > r.capacity {
				r.tokens = r.capacity
			}
			r.mu.Unlock()
			r.cond.Broadcast()
		}
	}()
	return r
}

// Acquire blocks until a token is available, ctx is done or the limiter is
// closed. Cancellation is observed on the next refill tick.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.tokens == 0 && !r.closed && ctx.Err() == nil {
		r.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.closed {
		return context.Canceled
	}
	r.tokens--
	return nil
}

func (r *RateLimiter) TryAcquire(n int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens < n {
		return false
	}
	r.tokens -= n
	return true
}

func (r *RateLimiter) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
}
