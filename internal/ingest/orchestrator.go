package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JonMunkholm/catalog-import/internal/catalog"
	"github.com/JonMunkholm/catalog-import/internal/logging"
	"github.com/JonMunkholm/catalog-import/internal/progress"
)

// Defaults for Config fields left at zero.
const (
	DefaultProgressRows     = 100
	DefaultProgressInterval = 500 * time.Millisecond
)

// Result outcomes.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Job identifies one uploaded file to import.
type Job struct {
	ID       string
	FilePath string
	FileSize int64
}

// Result summarizes a finished job.
type Result struct {
	Status         string `json:"status"`
	TotalRows      int    `json:"total_csv_rows"`
	UniqueProducts int    `json:"unique_products"`
}

// Source opens job input. Each Open starts a fresh pass over the data.
type Source interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}

// Upserter persists a deduplicated batch atomically and reports which
// products were created or updated.
type Upserter interface {
	UpsertBatch(ctx context.Context, batch []catalog.Candidate) ([]catalog.Touched, error)
}

// EventSink accepts product change notifications for asynchronous delivery.
type EventSink interface {
	Enqueue(ctx context.Context, productID int64, kind catalog.EventKind) error
}

// Config tunes batching and progress throttling.
type Config struct {
	BatchSize        int
	ProgressRows     int
	ProgressInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ProgressRows <= 0 {
		c.ProgressRows = DefaultProgressRows
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	return c
}

// Orchestrator drives a job through counting, importing and a terminal
// status, announcing progress along the way.
type Orchestrator struct {
	source   Source
	upserter Upserter
	pub      progress.Publisher
	events   EventSink
	cfg      Config
	now      func() time.Time
}

// NewOrchestrator wires an Orchestrator. events may be nil to disable
// change notifications.
func NewOrchestrator(src Source, up Upserter, pub progress.Publisher, events EventSink, cfg Config) *Orchestrator {
	return &Orchestrator{
		source:   src,
		upserter: up,
		pub:      pub,
		events:   events,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Run imports job. Every failure, including a panic in the pipeline, ends
// with a failed announcement and a non-nil error. The input is removed
// only after a successful run.
func (o *Orchestrator) Run(ctx context.Context, job Job) (res Result, err error) {
	logger := logging.WithFields(ctx,
		"job_id", job.ID,
		"file", filepath.Base(job.FilePath),
	)
	t := newTracker(job.ID, o.pub, o.cfg, o.now)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in import", "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
		if err != nil {
			t.failed(ctx, "Import failed: "+err.Error())
			res = Result{Status: ResultFailed, TotalRows: t.snap.Total}
		}
	}()

	start := time.Now()
	logger.Info("import started", "bytes", job.FileSize)

	t.counting(ctx)
	total, err := o.count(ctx, job.FilePath)
	if err != nil {
		logger.Error("count rows failed", "error", err)
		return Result{}, err
	}

	if total == 0 {
		t.completed(ctx, "No valid rows to import")
		o.removeInput(ctx, logger, job.FilePath)
		logger.Info("import finished", "rows", 0)
		return Result{Status: ResultSuccess}, nil
	}

	t.importing(ctx, total)
	processed, unique, err := o.load(ctx, logger, job.FilePath, t)
	if err != nil {
		logger.Error("import failed",
			"processed", processed,
			"error", err,
		)
		return Result{}, err
	}

	t.completed(ctx, fmt.Sprintf("Successfully imported %d unique products from %d total rows", unique, processed))
	o.removeInput(ctx, logger, job.FilePath)

	logger.Info("import finished",
		"rows", processed,
		"unique_products", unique,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return Result{Status: ResultSuccess, TotalRows: processed, UniqueProducts: unique}, nil
}

func (o *Orchestrator) count(ctx context.Context, path string) (n int, err error) {
	f, err := o.source.Open(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close input: %w", cerr)
		}
	}()
	return CountRows(f)
}

// load streams the input once, flushing full batches to the store as they
// fill. It returns rows processed and distinct keys seen.
func (o *Orchestrator) load(ctx context.Context, logger *slog.Logger, path string, t *tracker) (processed, unique int, err error) {
	f, err := o.source.Open(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("open input: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close input: %w", cerr)
		}
	}()

	rows := NewRowReader(f)
	acc := NewAccumulator(o.cfg.BatchSize)
	seen := make(map[string]struct{})
	saved := 0

	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return processed, len(seen), err
		}

		processed++
		c := row.Candidate()
		seen[c.Key()] = struct{}{}

		if full := acc.Add(c); full != nil {
			if err := o.apply(ctx, logger, full); err != nil {
				return processed, len(seen), err
			}
			saved += full.Len()
		}
		t.step(ctx, processed, len(seen), saved)
	}

	if rest := acc.Flush(); rest != nil {
		if err := o.apply(ctx, logger, rest); err != nil {
			return processed, len(seen), err
		}
	}
	return processed, len(seen), nil
}

func (o *Orchestrator) apply(ctx context.Context, logger *slog.Logger, b *Batch) error {
	touched, err := o.upserter.UpsertBatch(ctx, b.Candidates())
	if err != nil {
		return &StorageError{BatchSize: b.Len(), Err: err}
	}
	logger.Debug("batch saved", "size", b.Len(), "touched", len(touched))

	if o.events == nil {
		return nil
	}
	for _, t := range touched {
		if err := o.events.Enqueue(ctx, t.ID, t.Event()); err != nil {
			logger.Warn("event not queued",
				"product_id", t.ID,
				"event", t.Event(),
				"error", err,
			)
		}
	}
	return nil
}

func (o *Orchestrator) removeInput(ctx context.Context, logger *slog.Logger, path string) {
	if err := o.source.Remove(ctx, path); err != nil {
		logger.Warn("remove input failed", "error", err)
	}
}

// FileSource reads job input from the local filesystem.
type FileSource struct{}

// Open opens path for reading.
func (FileSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(filepath.Clean(path))
}

// Remove deletes path. A file that is already gone is not an error.
func (FileSource) Remove(_ context.Context, path string) error {
	err := os.Remove(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
