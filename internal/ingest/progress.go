package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/catalog-import/internal/progress"
)

// Progress bands: counting owns the first 5%, importing the next 85%,
// finalization the rest.
const (
	countingShare  = 5.0
	importingShare = 85.0
)

// Percent maps processed rows onto the importing band, clamped to [0,100].
func Percent(processed, total int) float64 {
	if total <= 0 {
		return countingShare
	}
	p := countingShare + float64(processed)/float64(total)*importingShare
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// tracker owns a job's running status and decides when an importing
// update is worth announcing. Announced progress and processed counts
// never decrease.
type tracker struct {
	pub       progress.Publisher
	now       func() time.Time
	rowEvery  int
	timeEvery time.Duration

	snap     progress.Snapshot
	lastRows int
	lastAt   time.Time
}

func newTracker(jobID string, pub progress.Publisher, cfg Config, now func() time.Time) *tracker {
	return &tracker{
		pub:       pub,
		now:       now,
		rowEvery:  cfg.ProgressRows,
		timeEvery: cfg.ProgressInterval,
		snap:      progress.Snapshot{JobID: jobID},
	}
}

func (t *tracker) announce(ctx context.Context, status progress.Status, percent float64, msg string) {
	if percent > t.snap.Progress {
		t.snap.Progress = percent
	}
	t.snap.Status = status
	t.snap.Message = msg
	t.lastRows = t.snap.Processed
	t.lastAt = t.now()
	_ = progress.Announce(ctx, t.pub, t.snap)
}

func (t *tracker) counting(ctx context.Context) {
	t.announce(ctx, progress.StatusCounting, 0, "Counting CSV rows...")
}

func (t *tracker) importing(ctx context.Context, total int) {
	t.snap.Total = total
	t.announce(ctx, progress.StatusImporting, countingShare, fmt.Sprintf("Found %d rows to import", total))
}

// step records processed rows and announces when either the row or the
// time interval since the last announcement has been reached.
func (t *tracker) step(ctx context.Context, processed, unique, saved int) {
	if processed > t.snap.Processed {
		t.snap.Processed = processed
	}
	if t.snap.Processed-t.lastRows < t.rowEvery && t.now().Sub(t.lastAt) < t.timeEvery {
		return
	}
	t.announce(ctx, progress.StatusImporting, Percent(t.snap.Processed, t.snap.Total),
		fmt.Sprintf("Processing: %d/%d rows (%d unique, %d saved)", t.snap.Processed, t.snap.Total, unique, saved))
}

func (t *tracker) completed(ctx context.Context, msg string) {
	t.announce(ctx, progress.StatusCompleted, 100, msg)
}

func (t *tracker) failed(ctx context.Context, msg string) {
	t.announce(ctx, progress.StatusFailed, t.snap.Progress, msg)
}
