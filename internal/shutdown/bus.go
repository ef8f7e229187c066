// Package shutdown implements the single fan-out stop signal shared by all
// long-lived tasks. Every goroutine that must terminate on run end selects
// on Done; the first Stop wins and later calls are no-ops.
package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Bus is a broadcast stop signal. The zero value is not usable; use NewBus.
type Bus struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewBus creates an armed, not-yet-stopped bus.
func NewBus() *Bus {
	return &Bus{done: make(chan struct{})}
}

// Stop broadcasts the stop signal. Idempotent; only the first reason is kept.
func (b *Bus) Stop(reason string) {
	b.once.Do(func() {
		b.mu.Lock()
		b.reason = reason
		b.mu.Unlock()
		close(b.done)
	})
}

// Done returns the channel closed once Stop has been called.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Stopped reports whether Stop has been called.
func (b *Bus) Stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason recorded by the winning Stop, or "".
func (b *Bus) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// StopOnSignals stops the bus when SIGINT or SIGTERM arrives. The watcher
// goroutine exits once the bus stops for any reason.
func (b *Bus) StopOnSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			b.Stop("signal: " + sig.String())
		case <-b.done:
		}
	}()
}
