package jobs

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalog-import/internal/ingest"
	"github.com/JonMunkholm/catalog-import/internal/logging"
)

// Defaults for WorkerConfig fields left at zero.
const (
	DefaultWorkers     = 2
	DefaultMaxAttempts = 1
	DefaultPollTimeout = 5 * time.Second
)

// Runner executes one import job.
type Runner interface {
	Run(ctx context.Context, job ingest.Job) (ingest.Result, error)
}

// WorkerConfig sizes the pool and its retry policy.
type WorkerConfig struct {
	Workers     int
	MaxAttempts int
	PollTimeout time.Duration
}

// Worker claims jobs from a Queue, one at a time per goroutine.
type Worker struct {
	queue  *Queue
	runner Runner
	cfg    WorkerConfig
}

func NewWorker(q *Queue, r Runner, cfg WorkerConfig) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Worker{queue: q, runner: r, cfg: cfg}
}

// Run claims jobs until ctx is cancelled. A job already claimed runs to
// completion even after cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := logging.WithFields(ctx, "worker", id)
	logger.Info("import worker started")
	defer logger.Info("import worker stopped")

	for ctx.Err() == nil {
		m, ok, err := w.queue.Next(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim job failed", "error", err)
			sleep(ctx, 500*time.Millisecond)
			continue
		}
		if !ok {
			continue
		}
		w.Process(context.WithoutCancel(ctx), m)
	}
}

// Process runs one claimed job and applies the retry policy to failures.
func (w *Worker) Process(ctx context.Context, m Message) {
	logger := logging.WithFields(ctx, "job_id", m.ID, "attempt", m.Attempt)

	// A claimed input is no longer listed in the queue; a fresh mtime keeps
	// the upload sweeper away from it while it runs.
	now := time.Now()
	if err := os.Chtimes(m.FilePath, now, now); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Debug("touch input failed", "error", err)
	}

	res, err := w.runner.Run(ctx, m.Job())
	if err == nil {
		logger.Info("job finished",
			"total_csv_rows", res.TotalRows,
			"unique_products", res.UniqueProducts,
		)
		return
	}

	if ingest.Retryable(err) && m.Attempt < w.cfg.MaxAttempts {
		logger.Warn("job failed, retrying", "error", err)
		if qerr := w.queue.Retry(ctx, m); qerr != nil {
			logger.Error("requeue failed", "error", errors.Join(err, qerr))
		}
		return
	}

	logger.Error("job failed", "error", err)
	if qerr := w.queue.Bury(ctx, m, err); qerr != nil {
		logger.Error("dead-letter failed", "error", qerr)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
