package progress

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Publisher and Subscriber. Slow listeners
// miss updates rather than blocking the publisher.
type MemoryBroker struct {
	mu        sync.Mutex
	listeners map[string]map[*memorySubscription]struct{}
	latest    map[string]Snapshot
	buffer    int
}

// NewMemoryBroker returns a broker whose subscriptions buffer up to
// buffer snapshots.
func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 16
	}
	return &MemoryBroker{
		listeners: make(map[string]map[*memorySubscription]struct{}),
		latest:    make(map[string]Snapshot),
		buffer:    buffer,
	}
}

// Broadcast sends s to the job's current listeners.
func (b *MemoryBroker) Broadcast(_ context.Context, s Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.listeners[s.JobID] {
		select {
		case sub.ch <- s:
		default:
			// Listener is slow, skip this update
		}
	}
	return nil
}

// CacheLatest records s as the job's last known state.
func (b *MemoryBroker) CacheLatest(_ context.Context, s Snapshot) error {
	b.mu.Lock()
	b.latest[s.JobID] = s
	b.mu.Unlock()
	return nil
}

// Latest returns the cached snapshot for jobID.
func (b *MemoryBroker) Latest(_ context.Context, jobID string) (Snapshot, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.latest[jobID]
	return s, ok, nil
}

// Subscribe registers a listener for jobID.
func (b *MemoryBroker) Subscribe(_ context.Context, jobID string) (Subscription, error) {
	sub := &memorySubscription{
		broker: b,
		jobID:  jobID,
		ch:     make(chan Snapshot, b.buffer),
	}

	b.mu.Lock()
	if b.listeners[jobID] == nil {
		b.listeners[jobID] = make(map[*memorySubscription]struct{})
	}
	b.listeners[jobID][sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// Listeners returns the number of live subscriptions for jobID.
func (b *MemoryBroker) Listeners(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[jobID])
}

type memorySubscription struct {
	broker *MemoryBroker
	jobID  string
	ch     chan Snapshot
	once   sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (Snapshot, error) {
	select {
	case snap, ok := <-s.ch:
		if !ok {
			return Snapshot{}, ErrClosed
		}
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		delete(b.listeners[s.jobID], s)
		if len(b.listeners[s.jobID]) == 0 {
			delete(b.listeners, s.jobID)
		}
		close(s.ch)
		b.mu.Unlock()
	})
	return nil
}
