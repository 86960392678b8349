// Package webhook fans product change events out to subscribed HTTP
// endpoints. Deliveries are best-effort: failures are logged and dropped.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/catalog-import/internal/catalog"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("webhook: dispatcher closed")

// Defaults for Options fields left at zero.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 10000
)

// Task is one change event awaiting fan-out.
type Task struct {
	ProductID int64
	Event     catalog.EventKind
}

// Payload is the JSON body sent to subscribers.
type Payload struct {
	Event   catalog.EventKind `json:"event"`
	Product ProductPayload    `json:"product"`
}

// ProductPayload is the product snapshot carried by a Payload.
type ProductPayload struct {
	ID          int64   `json:"id"`
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      bool    `json:"active"`
}

func newPayload(kind catalog.EventKind, e catalog.Entry) Payload {
	p := Payload{
		Event: kind,
		Product: ProductPayload{
			ID:     e.ID,
			SKU:    e.SKU,
			Name:   e.Name,
			Active: e.Active,
		},
	}
	if e.Description != "" {
		desc := e.Description
		p.Product.Description = &desc
	}
	return p
}

// SubscriptionSource lists enabled targets for an event kind.
type SubscriptionSource interface {
	Enabled(ctx context.Context, kind catalog.EventKind) ([]catalog.Subscription, error)
}

// ProductSource re-reads a product at dispatch time.
type ProductSource interface {
	GetProduct(ctx context.Context, id int64) (catalog.Entry, bool, error)
}

// Options tunes the dispatcher.
type Options struct {
	Workers       int
	QueueSize     int
	MaxInFlight   int
	RatePerSecond float64 // Zero disables rate limiting
	Burst         int
}

// Dispatcher queues change events and delivers them from a pool of
// workers so callers never wait on subscriber latency.
type Dispatcher struct {
	subs      SubscriptionSource
	products  ProductSource
	deliverer Deliverer
	inFlight  *Limiter
	rate      *rate.Limiter // nil when unlimited
	workers   int

	queue chan Task
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher builds a Dispatcher. Call Start to begin delivering.
func NewDispatcher(subs SubscriptionSource, products ProductSource, d Deliverer, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	disp := &Dispatcher{
		subs:      subs,
		products:  products,
		deliverer: d,
		inFlight:  NewLimiter(opts.MaxInFlight, 0),
		workers:   opts.Workers,
		queue:     make(chan Task, opts.QueueSize),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		disp.rate = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return disp
}

// Start launches the workers. They exit once the queue is closed and
// drained.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for task := range d.queue {
		d.Dispatch(ctx, task)
	}
}

// Enqueue submits a change event. It blocks only while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, productID int64, kind catalog.EventKind) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- Task{ProductID: productID, Event: kind}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting tasks and waits for queued tasks and in-flight
// deliveries to finish, or for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.inFlight.WaitForDrain(ctx)
}

// Dispatch delivers one task to every enabled subscriber of its event
// kind and waits for the deliveries. It never fails; problems are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) {
	logger := slog.With("product_id", task.ProductID, "event", task.Event)

	targets, err := d.subs.Enabled(ctx, task.Event)
	if err != nil {
		logger.Warn("list subscriptions failed", "error", err)
		return
	}
	if len(targets) == 0 {
		return
	}

	product, ok, err := d.products.GetProduct(ctx, task.ProductID)
	if err != nil {
		logger.Warn("load product failed", "error", err)
		return
	}
	if !ok {
		logger.Debug("product gone, skipping delivery")
		return
	}

	body, err := json.Marshal(newPayload(task.Event, product))
	if err != nil {
		logger.Error("encode payload failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range targets {
		if d.rate != nil {
			if err := d.rate.Wait(ctx); err != nil {
				logger.Debug("rate wait aborted", "error", err)
				break
			}
		}
		if err := d.inFlight.Acquire(ctx); err != nil {
			logger.Warn("delivery dropped", "url", sub.URL, "error", err)
			continue
		}

		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			defer d.inFlight.Release()
			if err := d.deliverer.Deliver(ctx, url, body); err != nil {
				logger.Debug("delivery failed", "url", url, "error", err)
			}
		}(sub.URL)
	}
	wg.Wait()
}
