package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WaitingLister reports jobs still queued for import.
type WaitingLister interface {
	Waiting(ctx context.Context) ([]Message, error)
}

// Sweeper periodically deletes uploads older than a retention window.
// Successful imports remove their own input; the sweeper collects what
// failed or dead-lettered jobs leave behind. Inputs of queued jobs are
// never removed, and workers refresh an input's modification time when
// they claim it.
type Sweeper struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	waiting   WaitingLister
	now       func() time.Time
}

// NewSweeper returns a Sweeper over dir. waiting may be nil when no queue
// shares the directory.
func NewSweeper(dir string, retention, interval time.Duration, waiting WaitingLister) *Sweeper {
	return &Sweeper{dir: dir, retention: retention, interval: interval, waiting: waiting, now: time.Now}
}

// Run sweeps immediately, then every interval until ctx is cancelled.
// A non-positive interval disables sweeping.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	slog.Info("upload sweeper started",
		"dir", s.dir,
		"retention", s.retention,
		"interval", s.interval,
	)

	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("upload sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	removed, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("upload sweep failed", "error", err)
		return
	}
	slog.Debug("upload sweep completed",
		"removed", removed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Sweep removes CSV uploads last modified before the retention window and
// returns how many were deleted. Files that vanish mid-sweep are skipped.
// When the queue cannot be read nothing is removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	queued := make(map[string]struct{})
	if s.waiting != nil {
		msgs, err := s.waiting.Waiting(ctx)
		if err != nil {
			return 0, fmt.Errorf("list queued jobs: %w", err)
		}
		for _, m := range msgs {
			queued[filepath.Clean(m.FilePath)] = struct{}{}
		}
	}

	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.dir, e.Name())
		if _, ok := queued[path]; ok {
			continue
		}
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("remove stale upload failed", "file", e.Name(), "error", err)
			}
			continue
		}
		slog.Info("removed stale upload", "file", e.Name(), "age", s.now().Sub(info.ModTime()).Round(time.Second))
		removed++
	}
	return removed, nil
}
