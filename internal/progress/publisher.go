package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// DefaultStatusTTL is how long the last snapshot stays readable.
const DefaultStatusTTL = time.Hour

// ErrClosed is returned by Subscription.Next after Close.
var ErrClosed = errors.New("progress: subscription closed")

// Publisher is the write side of the announcement protocol.
type Publisher interface {
	// Broadcast sends s to every live subscriber of its job. Having no
	// subscribers is not an error.
	Broadcast(ctx context.Context, s Snapshot) error
	// CacheLatest overwrites the job's cached snapshot.
	CacheLatest(ctx context.Context, s Snapshot) error
}

// Subscriber is the read side used by Relay.
type Subscriber interface {
	// Subscribe attaches to a job's channel. Announcements made after
	// Subscribe returns are delivered.
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
	// Latest returns the cached snapshot, if any.
	Latest(ctx context.Context, jobID string) (Snapshot, bool, error)
}

// Subscription is one attachment to a job's channel.
type Subscription interface {
	// Next blocks until a snapshot arrives or ctx is done.
	Next(ctx context.Context) (Snapshot, error)
	Close() error
}

// Announce caches s, then broadcasts it. Failures are logged and returned
// joined; callers treat announcements as best-effort.
//
// The cache is written first: a Relay subscribes before reading the cache,
// so it either reads s from the cache or is already subscribed when s is
// broadcast.
func Announce(ctx context.Context, p Publisher, s Snapshot) error {
	cErr := p.CacheLatest(ctx, s)
	bErr := p.Broadcast(ctx, s)
	err := errors.Join(cErr, bErr)
	if err != nil {
		slog.Warn("progress announcement failed",
			"job_id", s.JobID,
			"status", s.Status,
			"error", err,
		)
	}
	return err
}
