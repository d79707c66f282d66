package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrPoolExhausted is returned when no instance slot frees up within the
// wait window. Requests fail fast rather than queueing unboundedly, which
// keeps tail latency predictable when a module leaks slots.
var ErrPoolExhausted = errors.New("sandbox: instance pool exhausted")

// DefaultWait is the bounded time an instantiation may wait for a slot.
const DefaultWait = 50 * time.Millisecond

// Pool caps the number of live instances process-wide. Slots are a plain
// semaphore; the memory behind them is wazero's pooled linear-memory pages,
// so acquiring a slot is the only instantiation admission cost.
type Pool struct {
	slots chan struct{}
	wait  time.Duration
}

// NewPool creates a pool of max slots. wait <= 0 uses DefaultWait.
func NewPool(max int, wait time.Duration) *Pool {
	if max <= 0 {
		max = 1
	}
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Pool{slots: make(chan struct{}, max), wait: wait}
}

// Acquire claims a slot, waiting at most the pool's bounded window. The
// returned release func is idempotent.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	select {
	case p.slots <- struct{}{}:
	default:
		timer := time.NewTimer(p.wait)
		defer timer.Stop()
		select {
		case p.slots <- struct{}{}:
		case <-timer.C:
			return nil, ErrPoolExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var released bool
	return func() {
		if !released {
			released = true
			<-p.slots
		}
	}, nil
}

// Free reports the currently available slots.
func (p *Pool) Free() int {
	return cap(p.slots) - len(p.slots)
}
