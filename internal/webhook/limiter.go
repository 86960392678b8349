package webhook

// limiter.go bounds concurrent outbound deliveries across all dispatcher
// workers. When every slot is busy a delivery waits up to maxWait and is
// then dropped with ErrSaturated. WaitForDrain lets shutdown block until
// in-flight deliveries finish.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSaturated is returned when no delivery slot frees up in time.
var ErrSaturated = errors.New("webhook: too many deliveries in flight")

const (
	DefaultMaxInFlight = 16
	DefaultMaxWait     = 30 * time.Second
)

// Limiter is a semaphore over in-flight deliveries.
type Limiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
}

// NewLimiter allows at most maxInFlight concurrent deliveries.
func NewLimiter(maxInFlight int, maxWait time.Duration) *Limiter {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Limiter{
		semaphore: make(chan struct{}, maxInFlight),
		maxWait:   maxWait,
	}
}

// Acquire takes a slot. The caller must Release it.
func (l *Limiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.mu.Lock()
		l.active++
		l.mu.Unlock()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrSaturated
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
	<-l.semaphore
}

// Active returns the number of deliveries in flight.
func (l *Limiter) Active() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Available returns the number of free slots.
func (l *Limiter) Available() int {
	return cap(l.semaphore) - len(l.semaphore)
}

// WaitForDrain blocks until no delivery is in flight or ctx is done.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
