package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingObserver struct {
	mu      sync.Mutex
	sent    []Snapshot
	pings   int
	sendErr error
	onPing  func()
}

func (o *recordingObserver) Send(s Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	o.sent = append(o.sent, s)
	return nil
}

func (o *recordingObserver) Ping() error {
	o.mu.Lock()
	o.pings++
	fn := o.onPing
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (o *recordingObserver) statuses() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, len(o.sent))
	for i, s := range o.sent {
		out[i] = s.Status
	}
	return out
}

func waitForListener(t *testing.T, b *MemoryBroker, jobID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for b.Listeners(jobID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelay_CachedTerminalEndsImmediately(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(0)
	_ = b.CacheLatest(ctx, Snapshot{JobID: "j", Status: StatusCompleted, Progress: 100})

	obs := &recordingObserver{}
	if err := NewRelay(b, time.Second).Run(ctx, "j", obs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := obs.statuses(); len(got) != 1 || got[0] != StatusCompleted {
		t.Errorf("sent %v, want [completed]", got)
	}
	if n := b.Listeners("j"); n != 0 {
		t.Errorf("subscription leaked: %d listeners", n)
	}
}

func TestRelay_ReplaysCacheThenStreamsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(0)
	_ = b.CacheLatest(ctx, Snapshot{JobID: "j", Status: StatusCounting})

	obs := &recordingObserver{}
	done := make(chan error, 1)
	go func() { done <- NewRelay(b, time.Second).Run(ctx, "j", obs) }()

	waitForListener(t, b, "j")
	_ = b.Broadcast(ctx, Snapshot{JobID: "j", Status: StatusImporting, Progress: 50})
	_ = b.Broadcast(ctx, Snapshot{JobID: "j", Status: StatusFailed, Progress: 50})
	_ = b.Broadcast(ctx, Snapshot{JobID: "j", Status: StatusImporting, Progress: 60})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop at terminal status")
	}

	want := []Status{StatusCounting, StatusImporting, StatusFailed}
	got := obs.statuses()
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRelay_PingsWhenIdleAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewMemoryBroker(0)

	obs := &recordingObserver{}
	obs.onPing = func() {
		if obs.pings >= 2 {
			cancel()
		}
	}

	if err := NewRelay(b, 10*time.Millisecond).Run(ctx, "j", obs); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
	if obs.pings < 2 {
		t.Errorf("pings = %d, want at least 2", obs.pings)
	}
	if len(obs.sent) != 0 {
		t.Errorf("sent %d snapshots with nothing announced", len(obs.sent))
	}
	if n := b.Listeners("j"); n != 0 {
		t.Errorf("subscription leaked: %d listeners", n)
	}
}

func TestRelay_ObserverErrorStops(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(0)
	_ = b.CacheLatest(ctx, Snapshot{JobID: "j", Status: StatusImporting})

	boom := errors.New("client gone")
	obs := &recordingObserver{sendErr: boom}
	if err := NewRelay(b, time.Second).Run(ctx, "j", obs); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want %v", err, boom)
	}
	if n := b.Listeners("j"); n != 0 {
		t.Errorf("subscription leaked: %d listeners", n)
	}
}

// scriptedSubscriber replays a fixed sequence of Next results.
type scriptedSubscriber struct {
	steps []scriptedStep
}

type scriptedStep struct {
	snap Snapshot
	err  error
}

func (s *scriptedSubscriber) Subscribe(context.Context, string) (Subscription, error) {
	return &scriptedSubscription{steps: s.steps}, nil
}

func (s *scriptedSubscriber) Latest(context.Context, string) (Snapshot, bool, error) {
	return Snapshot{}, false, errors.New("cache unavailable")
}

type scriptedSubscription struct {
	steps []scriptedStep
}

func (s *scriptedSubscription) Next(context.Context) (Snapshot, error) {
	if len(s.steps) == 0 {
		return Snapshot{}, ErrClosed
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.snap, step.err
}

func (s *scriptedSubscription) Close() error { return nil }

func TestRelay_SkipsMalformedAnnouncements(t *testing.T) {
	sub := &scriptedSubscriber{steps: []scriptedStep{
		{err: errors.New("decode snapshot: unexpected end of JSON input")},
		{snap: Snapshot{JobID: "j", Status: StatusCompleted}},
	}}

	obs := &recordingObserver{}
	if err := NewRelay(sub, time.Second).Run(context.Background(), "j", obs); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := obs.statuses(); len(got) != 1 || got[0] != StatusCompleted {
		t.Errorf("sent %v, want [completed]", got)
	}
}

func TestRelay_ClosedSubscription(t *testing.T) {
	obs := &recordingObserver{}
	err := NewRelay(&scriptedSubscriber{}, time.Second).Run(context.Background(), "j", obs)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Run = %v, want ErrClosed", err)
	}
}
