package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultIdleTimeout bounds each wait for the next announcement.
const DefaultIdleTimeout = 30 * time.Second

// Observer receives relayed snapshots for one attached client.
type Observer interface {
	Send(s Snapshot) error
	// Ping keeps an idle connection alive.
	Ping() error
}

// Relay streams one job's snapshots to a single observer.
type Relay struct {
	sub  Subscriber
	idle time.Duration
}

// NewRelay returns a Relay that pings the observer after idle without
// announcements.
func NewRelay(sub Subscriber, idle time.Duration) *Relay {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Relay{sub: sub, idle: idle}
}

// Run relays snapshots for jobID until a terminal status has been sent,
// ctx is cancelled (observer went away), or the observer fails. The cached
// snapshot, if any, is sent first. The subscription is always released.
func (r *Relay) Run(ctx context.Context, jobID string, obs Observer) error {
	// Subscribe before reading the cache so nothing announced in between
	// is lost.
	sub, err := r.sub.Subscribe(ctx, jobID)
	if err != nil {
		return err
	}
	defer sub.Close()

	cached, ok, err := r.sub.Latest(ctx, jobID)
	if err != nil {
		slog.Warn("relay: read cached status", "job_id", jobID, "error", err)
	}
	if ok {
		if err := obs.Send(cached); err != nil {
			return err
		}
		if cached.Status.Terminal() {
			return nil
		}
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, r.idle)
		snap, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			if err := obs.Ping(); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrClosed):
			return err
		default:
			slog.Warn("relay: skipping malformed announcement", "job_id", jobID, "error", err)
			continue
		}

		if err := obs.Send(snap); err != nil {
			return err
		}
		if snap.Status.Terminal() {
			return nil
		}
	}
}
