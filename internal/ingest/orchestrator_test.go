package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/catalog-import/internal/catalog"
	"github.com/JonMunkholm/catalog-import/internal/progress"
)

// memSource serves inputs from memory and records removals.
type memSource struct {
	files   map[string]string
	removed []string
}

func (m *memSource) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (m *memSource) Remove(_ context.Context, path string) error {
	m.removed = append(m.removed, path)
	return nil
}

// memStore emulates the products table with a case-insensitive sku index.
type memStore struct {
	mu      sync.Mutex
	byKey   map[string]*catalog.Entry
	nextID  int64
	batches [][]catalog.Candidate
	err     error
	panic   bool
}

func newMemStore() *memStore {
	return &memStore{byKey: make(map[string]*catalog.Entry)}
}

func (m *memStore) UpsertBatch(_ context.Context, batch []catalog.Candidate) ([]catalog.Touched, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic {
		panic("storage exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	m.batches = append(m.batches, batch)

	touched := make([]catalog.Touched, 0, len(batch))
	for _, c := range batch {
		if e, ok := m.byKey[c.Key()]; ok {
			e.Name = c.Name
			e.Description = c.Description
			touched = append(touched, catalog.Touched{ID: e.ID})
			continue
		}
		m.nextID++
		m.byKey[c.Key()] = &catalog.Entry{ID: m.nextID, SKU: c.SKU, Name: c.Name, Description: c.Description, Active: c.Active}
		touched = append(touched, catalog.Touched{ID: m.nextID, Created: true})
	}
	return touched, nil
}

// recorder captures announcements and events.
type recorder struct {
	mu     sync.Mutex
	snaps  []progress.Snapshot
	cached map[string]progress.Snapshot
	events []catalog.Touched
}

func (r *recorder) Broadcast(_ context.Context, s progress.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recorder) CacheLatest(_ context.Context, s progress.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		r.cached = make(map[string]progress.Snapshot)
	}
	r.cached[s.JobID] = s
	return nil
}

func (r *recorder) Enqueue(_ context.Context, id int64, kind catalog.EventKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, catalog.Touched{ID: id, Created: kind == catalog.EventProductCreated})
	return nil
}

func (r *recorder) last() progress.Snapshot {
	return r.snaps[len(r.snaps)-1]
}

type fixture struct {
	src   *memSource
	store *memStore
	rec   *recorder
	orch  *Orchestrator
}

func newFixture(cfg Config, files map[string]string) *fixture {
	f := &fixture{
		src:   &memSource{files: files},
		store: newMemStore(),
		rec:   &recorder{},
	}
	f.orch = NewOrchestrator(f.src, f.store, f.rec, f.rec, cfg)
	return f
}

func TestRun_ConcreteScenario(t *testing.T) {
	f := newFixture(Config{}, map[string]string{
		"in.csv": "sku,name\nA-1,Widget\na-1,Widget v2\nB-1,Gadget\n",
	})

	res, err := f.orch.Run(context.Background(), Job{ID: "job-1", FilePath: "in.csv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := Result{Status: ResultSuccess, TotalRows: 3, UniqueProducts: 2}
	if res != want {
		t.Errorf("Result = %+v, want %+v", res, want)
	}

	e := f.store.byKey["a-1"]
	if e == nil || e.Name != "Widget v2" || e.SKU != "A-1" {
		t.Errorf("stored a-1 = %+v, want name Widget v2 with sku A-1", e)
	}
	if len(f.store.byKey) != 2 {
		t.Errorf("stored %d products, want 2", len(f.store.byKey))
	}

	last := f.rec.last()
	if last.Status != progress.StatusCompleted || last.Progress != 100 {
		t.Errorf("last snapshot = %+v", last)
	}
	if last.Message != "Successfully imported 2 unique products from 3 total rows" {
		t.Errorf("message = %q", last.Message)
	}
	if last.Processed != last.Total || last.Total != 3 {
		t.Errorf("processed/total = %d/%d, want 3/3", last.Processed, last.Total)
	}
	if f.rec.cached["job-1"] != last {
		t.Errorf("cached snapshot = %+v, want %+v", f.rec.cached["job-1"], last)
	}
	if len(f.src.removed) != 1 || f.src.removed[0] != "in.csv" {
		t.Errorf("removed = %v, want [in.csv]", f.src.removed)
	}
}

func TestRun_AnnouncementSequence(t *testing.T) {
	f := newFixture(Config{}, map[string]string{
		"in.csv": "sku,name\nA-1,Widget\n",
	})

	if _, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []struct {
		status  progress.Status
		message string
	}{
		{progress.StatusCounting, "Counting CSV rows..."},
		{progress.StatusImporting, "Found 1 rows to import"},
		{progress.StatusCompleted, "Successfully imported 1 unique products from 1 total rows"},
	}
	if len(f.rec.snaps) != len(want) {
		t.Fatalf("got %d snapshots %+v, want %d", len(f.rec.snaps), f.rec.snaps, len(want))
	}
	for i, w := range want {
		if got := f.rec.snaps[i]; got.Status != w.status || got.Message != w.message {
			t.Errorf("snapshot %d = %s %q, want %s %q", i, got.Status, got.Message, w.status, w.message)
		}
	}
	if got := f.rec.snaps[1].Progress; got != 5 {
		t.Errorf("importing progress = %v, want 5", got)
	}
}

func TestRun_SchemaFailureBeforeCounting(t *testing.T) {
	f := newFixture(Config{}, map[string]string{
		"in.csv": "id,title\n1,Widget\n",
	})

	res, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"})

	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SchemaError", err)
	}
	if res.Status != ResultFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if len(f.store.batches) != 0 {
		t.Errorf("upserter called %d times, want 0", len(f.store.batches))
	}
	last := f.rec.last()
	if last.Status != progress.StatusFailed || last.Total != 0 || last.Processed != 0 {
		t.Errorf("last snapshot = %+v", last)
	}
	if !strings.HasPrefix(last.Message, "Import failed: CSV must contain 'sku' and 'name' columns") {
		t.Errorf("message = %q", last.Message)
	}
	if len(f.src.removed) != 0 {
		t.Errorf("input removed after failure: %v", f.src.removed)
	}
}

func TestRun_NoValidRows(t *testing.T) {
	f := newFixture(Config{}, map[string]string{
		"in.csv": "sku,name\n,Widget\nA-1,\n",
	})

	res, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res != (Result{Status: ResultSuccess}) {
		t.Errorf("Result = %+v, want success with zero counts", res)
	}
	if len(f.store.batches) != 0 {
		t.Errorf("upserter called %d times, want 0", len(f.store.batches))
	}
	last := f.rec.last()
	if last.Status != progress.StatusCompleted || last.Progress != 100 || last.Message != "No valid rows to import" {
		t.Errorf("last snapshot = %+v", last)
	}
}

func TestRun_IdempotentRerunOnlyUpdates(t *testing.T) {
	input := "sku,name\nA-1,Widget\nB-1,Gadget\nC-1,Doohickey\n"
	f := newFixture(Config{}, map[string]string{"in.csv": input})
	ctx := context.Background()

	if _, err := f.orch.Run(ctx, Job{ID: "first", FilePath: "in.csv"}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	f.rec.events = nil

	res, err := f.orch.Run(ctx, Job{ID: "second", FilePath: "in.csv"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.UniqueProducts != 3 {
		t.Errorf("UniqueProducts = %d, want 3", res.UniqueProducts)
	}
	if len(f.store.byKey) != 3 {
		t.Errorf("stored %d products, want 3", len(f.store.byKey))
	}
	if len(f.rec.events) != 3 {
		t.Fatalf("events = %d, want 3", len(f.rec.events))
	}
	for _, e := range f.rec.events {
		if e.Created {
			t.Errorf("rerun produced created event for %d", e.ID)
		}
	}
}

func TestRun_BatchesAndEvents(t *testing.T) {
	var b strings.Builder
	b.WriteString("sku,name\n")
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "SKU-%d,Item %d\n", i, i)
	}
	f := newFixture(Config{BatchSize: 2}, map[string]string{"in.csv": b.String()})

	if _, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sizes []int
	for _, batch := range f.store.batches {
		sizes = append(sizes, len(batch))
	}
	if fmt.Sprint(sizes) != "[2 2 1]" {
		t.Errorf("batch sizes = %v, want [2 2 1]", sizes)
	}
	if len(f.rec.events) != 5 {
		t.Errorf("events = %d, want 5", len(f.rec.events))
	}
	for _, e := range f.rec.events {
		if !e.Created {
			t.Errorf("event for %d should be created", e.ID)
		}
	}
}

func TestRun_KeySplitAcrossBatchesFiresTwice(t *testing.T) {
	f := newFixture(Config{BatchSize: 1}, map[string]string{
		"in.csv": "sku,name\nA-1,Widget\na-1,Widget v2\n",
	})

	res, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.UniqueProducts != 1 {
		t.Errorf("UniqueProducts = %d, want 1", res.UniqueProducts)
	}
	if len(f.rec.events) != 2 || !f.rec.events[0].Created || f.rec.events[1].Created {
		t.Errorf("events = %+v, want created then updated", f.rec.events)
	}
}

func TestRun_ProgressMonotonic(t *testing.T) {
	var b strings.Builder
	b.WriteString("sku,name\n")
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "K%d,N\n", i%20)
	}
	f := newFixture(Config{BatchSize: 7, ProgressRows: 3}, map[string]string{"in.csv": b.String()})

	if _, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 1; i < len(f.rec.snaps); i++ {
		prev, cur := f.rec.snaps[i-1], f.rec.snaps[i]
		if cur.Progress < prev.Progress {
			t.Errorf("progress dropped %v -> %v at %d", prev.Progress, cur.Progress, i)
		}
		if cur.Processed < prev.Processed {
			t.Errorf("processed dropped %d -> %d at %d", prev.Processed, cur.Processed, i)
		}
		if cur.Progress < 0 || cur.Progress > 100 {
			t.Errorf("progress %v out of range", cur.Progress)
		}
	}
	if last := f.rec.last(); last.Processed != 50 || last.Total != 50 {
		t.Errorf("last = %+v", last)
	}
}

func TestRun_ThrottlesByRowsAndTime(t *testing.T) {
	var b strings.Builder
	b.WriteString("sku,name\n")
	for i := 0; i < 250; i++ {
		fmt.Fprintf(&b, "K%d,N\n", i)
	}

	t.Run("row interval", func(t *testing.T) {
		f := newFixture(Config{ProgressRows: 100, ProgressInterval: time.Hour}, map[string]string{"in.csv": b.String()})
		base := time.Unix(0, 0)
		f.orch.now = func() time.Time { return base }

		if _, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"}); err != nil {
			t.Fatalf("Run: %v", err)
		}

		var processing []string
		for _, s := range f.rec.snaps {
			if strings.HasPrefix(s.Message, "Processing:") {
				processing = append(processing, s.Message)
			}
		}
		want := []string{
			"Processing: 100/250 rows (100 unique, 0 saved)",
			"Processing: 200/250 rows (200 unique, 0 saved)",
		}
		if strings.Join(processing, "|") != strings.Join(want, "|") {
			t.Errorf("processing messages = %q, want %q", processing, want)
		}
	})

	t.Run("time interval", func(t *testing.T) {
		f := newFixture(Config{ProgressRows: 1000, ProgressInterval: 500 * time.Millisecond}, map[string]string{"in.csv": b.String()})
		clock := time.Unix(0, 0)
		f.orch.now = func() time.Time {
			clock = clock.Add(100 * time.Millisecond)
			return clock
		}

		if _, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"}); err != nil {
			t.Fatalf("Run: %v", err)
		}

		n := 0
		for _, s := range f.rec.snaps {
			if strings.HasPrefix(s.Message, "Processing:") {
				n++
			}
		}
		if n == 0 || n >= 250 {
			t.Errorf("time-throttled announcements = %d, want some but far fewer than rows", n)
		}
	})
}

func TestRun_StorageFailure(t *testing.T) {
	var b strings.Builder
	b.WriteString("sku,name\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "K%d,N\n", i)
	}
	f := newFixture(Config{BatchSize: 4, ProgressRows: 1}, map[string]string{"in.csv": b.String()})
	f.store.err = errors.New("deadlock detected")

	res, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"})

	var se *StorageError
	if !errors.As(err, &se) || se.BatchSize != 4 {
		t.Fatalf("err = %v, want *StorageError for batch of 4", err)
	}
	if !Retryable(err) {
		t.Error("storage errors should be retryable")
	}
	if res.Status != ResultFailed || res.TotalRows != 10 {
		t.Errorf("Result = %+v", res)
	}

	n := len(f.rec.snaps)
	last, prev := f.rec.snaps[n-1], f.rec.snaps[n-2]
	if last.Status != progress.StatusFailed {
		t.Fatalf("last status = %s, want failed", last.Status)
	}
	if last.Message != "Import failed: upsert batch of 4: deadlock detected" {
		t.Errorf("message = %q", last.Message)
	}
	if last.Progress < prev.Progress || last.Processed < prev.Processed || last.Total != 10 {
		t.Errorf("failed snapshot %+v regressed from %+v", last, prev)
	}
	if len(f.src.removed) != 0 {
		t.Errorf("input removed after failure: %v", f.src.removed)
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	f := newFixture(Config{}, map[string]string{"in.csv": "sku,name\nA,B\n"})
	f.store.panic = true

	res, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "in.csv"})
	if err == nil || !strings.Contains(err.Error(), "storage exploded") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
	if res.Status != ResultFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
	if f.rec.last().Status != progress.StatusFailed {
		t.Errorf("last status = %s, want failed", f.rec.last().Status)
	}
}

func TestRun_MissingInput(t *testing.T) {
	f := newFixture(Config{}, map[string]string{})

	_, err := f.orch.Run(context.Background(), Job{ID: "j", FilePath: "gone.csv"})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
	if f.rec.last().Status != progress.StatusFailed {
		t.Errorf("last status = %s, want failed", f.rec.last().Status)
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		processed, total int
		want             float64
	}{
		{0, 100, 5},
		{50, 100, 47.5},
		{100, 100, 90},
		{500, 100, 100},
		{0, 0, 5},
	}
	for _, tt := range tests {
		if got := Percent(tt.processed, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %v, want %v", tt.processed, tt.total, got, tt.want)
		}
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.csv")
	if err := os.WriteFile(path, []byte("sku,name\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	src := FileSource{}

	rc, err := src.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "sku,name\n" {
		t.Errorf("read %q", data)
	}

	if err := src.Remove(ctx, path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := src.Remove(ctx, path); err != nil {
		t.Errorf("second Remove = %v, want nil", err)
	}
}
