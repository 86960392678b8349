package ingest

import "github.com/JonMunkholm/catalog-import/internal/catalog"

// DefaultBatchSize is the number of distinct keys applied per transaction.
const DefaultBatchSize = 1000

// Batch maps normalized keys to the latest candidate seen for them,
// remembering the order in which keys first appeared.
type Batch struct {
	order   []string
	entries map[string]catalog.Candidate
}

func newBatch(capacity int) *Batch {
	return &Batch{
		order:   make([]string, 0, capacity),
		entries: make(map[string]catalog.Candidate, capacity),
	}
}

// Put stores c under its normalized key. A later candidate for the same
// key replaces the earlier one's fields but keeps its position and the
// SKU casing first submitted.
func (b *Batch) Put(c catalog.Candidate) {
	key := c.Key()
	if prev, ok := b.entries[key]; ok {
		c.SKU = prev.SKU
	} else {
		b.order = append(b.order, key)
	}
	b.entries[key] = c
}

// Len returns the number of distinct keys.
func (b *Batch) Len() int { return len(b.order) }

// Get returns the current candidate for a normalized key.
func (b *Batch) Get(key string) (catalog.Candidate, bool) {
	c, ok := b.entries[key]
	return c, ok
}

// Candidates returns the winning candidates in first-seen key order.
func (b *Batch) Candidates() []catalog.Candidate {
	out := make([]catalog.Candidate, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.entries[k])
	}
	return out
}

// Accumulator folds rows into batches of at most max distinct keys.
// Deduplication is scoped to the open batch; flushed keys are forgotten.
type Accumulator struct {
	max int
	cur *Batch
}

// NewAccumulator returns an Accumulator emitting batches of size max.
// Non-positive sizes fall back to DefaultBatchSize.
func NewAccumulator(max int) *Accumulator {
	if max <= 0 {
		max = DefaultBatchSize
	}
	return &Accumulator{max: max, cur: newBatch(max)}
}

// Add folds c into the open batch. When that fills the batch, the full
// batch is returned and a new one is started; otherwise Add returns nil.
func (a *Accumulator) Add(c catalog.Candidate) *Batch {
	a.cur.Put(c)
	if a.cur.Len() < a.max {
		return nil
	}
	full := a.cur
	a.cur = newBatch(a.max)
	return full
}

// Flush returns the partial batch, or nil when nothing is pending.
func (a *Accumulator) Flush() *Batch {
	if a.cur.Len() == 0 {
		return nil
	}
	out := a.cur
	a.cur = newBatch(a.max)
	return out
}
