package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Publisher and Subscriber on Redis pub/sub plus a
// TTL'd string key per job.
type RedisBroker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBroker returns a broker caching snapshots for ttl.
func NewRedisBroker(rdb *redis.Client, ttl time.Duration) *RedisBroker {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &RedisBroker{rdb: rdb, ttl: ttl}
}

// Broadcast publishes s on progress:{jobID}.
func (b *RedisBroker) Broadcast(ctx context.Context, s Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, ChannelKey(s.JobID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ChannelKey(s.JobID), err)
	}
	return nil
}

// CacheLatest stores s under task_status:{jobID} with the broker TTL.
func (b *RedisBroker) CacheLatest(ctx context.Context, s Snapshot) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := b.rdb.Set(ctx, CacheKey(s.JobID), data, b.ttl).Err(); err != nil {
		return fmt.Errorf("cache %s: %w", CacheKey(s.JobID), err)
	}
	return nil
}

// Latest reads the cached snapshot for jobID.
func (b *RedisBroker) Latest(ctx context.Context, jobID string) (Snapshot, bool, error) {
	data, err := b.rdb.Get(ctx, CacheKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("get %s: %w", CacheKey(jobID), err)
	}
	s, err := Decode(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}

// Subscribe attaches to progress:{jobID} and waits for Redis to confirm
// the subscription before returning.
func (b *RedisBroker) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, ChannelKey(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChannelKey(jobID), err)
	}
	return &redisSubscription{ps: ps, ch: ps.Channel()}, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSubscription) Next(ctx context.Context) (Snapshot, error) {
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return Snapshot{}, ErrClosed
		}
		return Decode([]byte(msg.Payload))
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
