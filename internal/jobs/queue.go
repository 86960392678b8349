// Package jobs moves import jobs from the HTTP surface to background
// workers through a Redis list.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/catalog-import/internal/ingest"
)

// Redis keys.
const (
	QueueKey      = "import:queue"
	DeadLetterKey = "import:dead"
)

// Message is the queued form of a job.
type Message struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Error      string    `json:"error,omitempty"`
}

// Job converts the message for the orchestrator.
func (m Message) Job() ingest.Job {
	return ingest.Job{ID: m.ID, FilePath: m.FilePath, FileSize: m.FileSize}
}

// Queue is a FIFO of import jobs with a dead-letter list.
type Queue struct {
	rdb *redis.Client
	now func() time.Time
}

func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, now: time.Now}
}

// Submit enqueues a first attempt for the uploaded file at path.
func (q *Queue) Submit(ctx context.Context, id, path string, size int64) error {
	return q.push(ctx, QueueKey, Message{
		ID:       id,
		FilePath: path,
		FileSize: size,
		Attempt:  1,
	})
}

// Retry re-enqueues m as its next attempt.
func (q *Queue) Retry(ctx context.Context, m Message) error {
	m.Attempt++
	m.Error = ""
	return q.push(ctx, QueueKey, m)
}

// Bury moves m to the dead-letter list with the failure that ended it.
func (q *Queue) Bury(ctx context.Context, m Message, cause error) error {
	if cause != nil {
		m.Error = cause.Error()
	}
	return q.push(ctx, DeadLetterKey, m)
}

func (q *Queue) push(ctx context.Context, key string, m Message) error {
	m.EnqueuedAt = q.now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", m.ID, err)
	}
	if err := q.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push job %s to %s: %w", m.ID, key, err)
	}
	return nil
}

// Next waits up to timeout for a job. ok is false when none arrived.
func (q *Queue) Next(ctx context.Context, timeout time.Duration) (m Message, ok bool, err error) {
	res, err := q.rdb.BLPop(ctx, timeout, QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("pop %s: %w", QueueKey, err)
	}
	if len(res) < 2 {
		return Message{}, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &m); err != nil {
		return Message{}, false, fmt.Errorf("decode job: %w", err)
	}
	return m, true, nil
}

// Len returns the number of waiting jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, QueueKey).Result()
}

// Waiting returns the queued jobs, oldest first.
func (q *Queue) Waiting(ctx context.Context) ([]Message, error) {
	return q.list(ctx, QueueKey)
}

// Dead returns the dead-lettered jobs, oldest first.
func (q *Queue) Dead(ctx context.Context) ([]Message, error) {
	return q.list(ctx, DeadLetterKey)
}

func (q *Queue) list(ctx context.Context, key string) ([]Message, error) {
	raw, err := q.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode job in %s: %w", key, err)
		}
		out = append(out, m)
	}
	return out, nil
}
