// Package optimistic overlays in-flight order patches on top of the cached
// remote state. A patch is visible from the moment it is applied until its
// remote write resolves; on failure the overlay is simply removed, so reads
// fall back to the cached document that never saw the patch.
package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/docstore"
)

// Pending is the overlay recorded for one order.
type Pending struct {
	OrderID    string
	Patch      order.Patch
	EnqueuedAt time.Time
	Seq        uint64
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithWriteTimeout bounds each remote write. Defaults to 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Controller owns the pending-updates map.
type Controller struct {
	updater    docstore.Updater
	collection string
	timeout    time.Duration
	logger     zerolog.Logger
	metrics    *metrics
	now        func() time.Time

	wg sync.WaitGroup

	mu        sync.Mutex
	pending   map[string]Pending
	seq       uint64
	listeners map[int]func()
	nextID    int
}

func New(updater docstore.Updater, collection string, opts ...Option) *Controller {
	c := &Controller{
		updater:    updater,
		collection: collection,
		timeout:    10 * time.Second,
		logger:     zerolog.Nop(),
		now:        time.Now,
		pending:    make(map[string]Pending),
		listeners:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newMetrics(c.PendingCount)
	return c
}

// Apply records patch as the pending overlay for orderID, replacing any
// earlier one, and sends it to the remote store in the background. Writes are
// independent: a second Apply for the same order does not wait for the first
// write, and the two may land in either order.
func (c *Controller) Apply(ctx context.Context, orderID string, patch order.Patch) *Handle {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	if prev, ok := c.pending[orderID]; ok {
		c.metrics.superseded.Inc()
		c.logger.Debug().Str("order_id", orderID).Uint64("superseded_seq", prev.Seq).Msg("pending overlay replaced")
	}
	c.pending[orderID] = Pending{OrderID: orderID, Patch: patch, EnqueuedAt: c.now(), Seq: seq}
	h := &Handle{OrderID: orderID, Seq: seq, done: make(chan struct{})}
	c.wg.Add(1)
	c.mu.Unlock()

	c.notify()

	wctx := context.WithoutCancel(ctx)
	go c.write(wctx, h, patch)
	return h
}

func (c *Controller) write(ctx context.Context, h *Handle, patch order.Patch) {
	defer c.wg.Done()

	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.updater.UpdateDocument(wctx, c.collection, h.OrderID, patch.Ops())
	cancel()
	c.metrics.writeDuration.Observe(time.Since(start).Seconds())

	c.resolve(h, err)
}

func (c *Controller) resolve(h *Handle, err error) {
	c.mu.Lock()
	cleared := false
	if p, ok := c.pending[h.OrderID]; ok && p.Seq == h.Seq {
		delete(c.pending, h.OrderID)
		cleared = true
	}
	c.mu.Unlock()

	if err != nil {
		c.metrics.rolledBack.Inc()
		c.logger.Warn().Err(err).
			Str("order_id", h.OrderID).
			Uint64("seq", h.Seq).
			Bool("overlay_removed", cleared).
			Msg("remote write failed, optimistic update rolled back")
	} else {
		c.metrics.committed.Inc()
	}

	// Listeners see the rollback before the handle reports it.
	if cleared {
		c.notify()
	}
	h.err = err
	close(h.done)
}

// Overlay returns o with its pending patch applied, if any.
func (c *Controller) Overlay(o order.Order) order.Order {
	c.mu.Lock()
	p, ok := c.pending[o.ID]
	c.mu.Unlock()
	if !ok {
		return o
	}
	return p.Patch.ApplyTo(o)
}

// OverlayAll applies pending patches to a snapshot. The input is not modified.
func (c *Controller) OverlayAll(orders []order.Order) []order.Order {
	c.mu.Lock()
	pending := make(map[string]Pending, len(c.pending))
	for k, v := range c.pending {
		pending[k] = v
	}
	c.mu.Unlock()

	out := make([]order.Order, len(orders))
	for i, o := range orders {
		if p, ok := pending[o.ID]; ok {
			out[i] = p.Patch.ApplyTo(o)
			continue
		}
		out[i] = o
	}
	return out
}

// Pending returns the overlay recorded for orderID.
func (c *Controller) Pending(orderID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[orderID]
	return p, ok
}

func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OnChange registers fn to run whenever the pending map changes.
func (c *Controller) OnChange(fn func()) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Wait blocks until every in-flight write has resolved or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
