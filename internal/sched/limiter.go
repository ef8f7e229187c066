package sched

import (
	"sync/atomic"

	"github.com/strest-io/strest/internal/shutdown"
)

// RequestLimiter caps the total number of requests issued across all
// workers. Reservation is a saturating compare-and-swap; the worker that
// observes exhaustion broadcasts shutdown so the rest stop too.
type RequestLimiter struct {
	limit   uint64
	counter atomic.Uint64
}

// NewRequestLimiter returns nil when limit is zero (unlimited).
func NewRequestLimiter(limit uint64) *RequestLimiter {
	if limit == 0 {
		return nil
	}
	return &RequestLimiter{limit: limit}
}

// TryReserve claims one request slot. On exhaustion it stops the bus and
// returns false.
func (l *RequestLimiter) TryReserve(bus *shutdown.Bus) bool {
	for {
		current := l.counter.Load()
		if current >= l.limit {
			bus.Stop("request cap reached")
			return false
		}
		if l.counter.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Reserved returns how many slots have been claimed.
func (l *RequestLimiter) Reserved() uint64 {
	return l.counter.Load()
}

// InFlight tracks the number of requests currently in flight.
type InFlight struct {
	count atomic.Uint64
}

// Enter increments the counter and returns a release func. The release is
// saturating so double-release cannot wrap below zero.
func (f *InFlight) Enter() func() {
	f.count.Add(1)
	released := atomic.Bool{}
	return func() {
		if released.CompareAndSwap(false, true) {
			for {
				current := f.count.Load()
				if current == 0 {
					return
				}
				if f.count.CompareAndSwap(current, current-1) {
					return
				}
			}
		}
	}
}

// Load returns the current in-flight count.
func (f *InFlight) Load() uint64 {
	return f.count.Load()
}
