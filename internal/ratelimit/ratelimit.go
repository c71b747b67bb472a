// Package ratelimit provides the process-wide token bucket shared by every
// outbound Bot API call.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

var ErrExceedsCapacity = errors.New("ratelimit: request exceeds bucket capacity")

// Limiter is a token bucket holding up to capacity tokens that refill
// continuously. It is safe for concurrent use; create one per process and
// hand it to every sender.
type Limiter struct {
	mu  sync.RWMutex
	lim *rate.Limiter
	cap int
}

// New returns a full bucket. A non-positive rate disables limiting.
func New(ratePerSec float64, capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{lim: rate.NewLimiter(limitOf(ratePerSec), capacity), cap: capacity}
}

func limitOf(ratePerSec float64) rate.Limit {
	if ratePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(ratePerSec)
}

// Acquire blocks until n tokens are available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if l == nil || n <= 0 {
		return nil
	}
	l.mu.RLock()
	lim, capacity := l.lim, l.cap
	l.mu.RUnlock()
	if n > capacity {
		return fmt.Errorf("%w: %d > %d", ErrExceedsCapacity, n, capacity)
	}
	return lim.WaitN(ctx, n)
}

// Set changes rate and capacity in place; waiters already queued keep the
// reservation they hold.
func (l *Limiter) Set(ratePerSec float64, capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lim.SetLimit(limitOf(ratePerSec))
	l.lim.SetBurst(capacity)
	l.cap = capacity
}

// Capacity returns the bucket size.
func (l *Limiter) Capacity() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cap
}
