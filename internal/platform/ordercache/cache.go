// Package ordercache keeps a local mirror of the remote orders collection,
// fed by one or more live subscriptions. Reads never block on the network and
// always observe a whole batch or none of it.
package ordercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/docstore"
)

// ErrFrozen is returned by Subscribe after a feed has failed.
var ErrFrozen = errors.New("order cache frozen after feed failure")

// snapshot is immutable once published.
type snapshot struct {
	version uint64
	orders  map[string]order.Order
	ids     []string // arrival order
}

type Option func(*Cache)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is the order store.
type Cache struct {
	sub        docstore.Subscriber
	collection string
	logger     zerolog.Logger
	metrics    *metrics

	snap atomic.Pointer[snapshot]

	mu        sync.Mutex
	owners    map[string]map[*Subscription]struct{}
	subs      map[*Subscription]struct{}
	listeners map[int]func()
	nextID    int
	err       error
}

func New(sub docstore.Subscriber, collection string, opts ...Option) *Cache {
	c := &Cache{
		sub:        sub,
		collection: collection,
		logger:     zerolog.Nop(),
		owners:     make(map[string]map[*Subscription]struct{}),
		subs:       make(map[*Subscription]struct{}),
		listeners:  make(map[int]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&snapshot{orders: map[string]order.Order{}})
	c.metrics = newMetrics(c.Len)
	return c
}

// Collection returns the name of the mirrored collection.
func (c *Cache) Collection() string { return c.collection }

// Query returns a query over the mirrored collection.
func (c *Cache) Query() docstore.Query { return docstore.Query{Collection: c.collection} }

// Subscribe opens a live feed for q and mirrors its documents. Feeds with
// overlapping predicates are not deduplicated; the last batch received for
// an id wins.
func (c *Cache) Subscribe(ctx context.Context, q docstore.Query) (*Subscription, error) {
	if q.Collection == "" {
		q.Collection = c.collection
	}
	if q.Collection != c.collection {
		return nil, fmt.Errorf("subscribe: query targets %q, cache mirrors %q", q.Collection, c.collection)
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrFrozen
	}
	c.mu.Unlock()

	feed, err := c.sub.Subscribe(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", q, err)
	}
	s := &Subscription{
		cache: c,
		query: q,
		feed:  feed,
		ids:   map[string]struct{}{},
		done:  make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	c.logger.Info().Str("query", q.String()).Msg("order subscription opened")
	go s.run()
	return s, nil
}

// Snapshot returns deep copies of every cached order in arrival order.
func (c *Cache) Snapshot() []order.Order {
	snap := c.snap.Load()
	out := make([]order.Order, 0, len(snap.ids))
	for _, id := range snap.ids {
		out = append(out, snap.orders[id].Clone())
	}
	return out
}

// Get returns a copy of one cached order.
func (c *Cache) Get(id string) (order.Order, bool) {
	o, ok := c.snap.Load().orders[id]
	if !ok {
		return order.Order{}, false
	}
	return o.Clone(), true
}

// Len returns the number of cached orders.
func (c *Cache) Len() int { return len(c.snap.Load().ids) }

// Version increases every time a batch is applied.
func (c *Cache) Version() uint64 { return c.snap.Load().version }

// Err returns the terminal feed error that froze the cache, if any.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// OnChange registers fn to run after every applied batch and after the cache
// freezes. The returned func removes the listener.
func (c *Cache) OnChange(fn func()) (remove func()) {
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

// Close ends every subscription. The cached orders are kept.
func (c *Cache) Close() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.stop(false)
	}
}

func (c *Cache) notify() {
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

// apply replaces s's contribution with batch and publishes a new snapshot.
func (c *Cache) apply(s *Subscription, batch []docstore.Document) bool {
	decoded := make([]order.Order, 0, len(batch))
	for _, d := range batch {
		o, err := order.Decode(d.ID, d.Data)
		if err != nil {
			c.metrics.decodeErrors.Inc()
			c.logger.Warn().Err(err).Str("id", d.ID).Msg("skipping malformed order document")
			continue
		}
		decoded = append(decoded, o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}

	cur := c.snap.Load()
	next := &snapshot{
		version: cur.version + 1,
		orders:  make(map[string]order.Order, len(cur.orders)+len(decoded)),
		ids:     make([]string, 0, len(cur.ids)+len(decoded)),
	}
	for k, v := range cur.orders {
		next.orders[k] = v
	}

	incoming := make(map[string]struct{}, len(decoded))
	for _, o := range decoded {
		incoming[o.ID] = struct{}{}
	}
	removed := map[string]bool{}
	for id := range s.ids {
		if _, still := incoming[id]; still {
			continue
		}
		if c.release(s, id) {
			delete(next.orders, id)
			removed[id] = true
		}
	}
	for _, id := range cur.ids {
		if !removed[id] {
			next.ids = append(next.ids, id)
		}
	}
	for _, o := range decoded {
		if _, exists := next.orders[o.ID]; !exists {
			next.ids = append(next.ids, o.ID)
		}
		next.orders[o.ID] = o
		c.claim(s, o.ID)
	}
	s.ids = incoming

	c.snap.Store(next)
	c.metrics.batches.Inc()
	return true
}

// release drops s's claim on id and reports whether nobody holds it anymore.
func (c *Cache) release(s *Subscription, id string) bool {
	set := c.owners[id]
	delete(set, s)
	if len(set) == 0 {
		delete(c.owners, id)
		return true
	}
	return false
}

func (c *Cache) claim(s *Subscription, id string) {
	set, ok := c.owners[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.owners[id] = set
	}
	set[s] = struct{}{}
}

// detach removes everything only s contributed, used when s is closed on purpose.
func (c *Cache) detach(s *Subscription) {
	c.mu.Lock()
	delete(c.subs, s)
	if c.err != nil || len(s.ids) == 0 {
		c.mu.Unlock()
		return
	}
	cur := c.snap.Load()
	next := &snapshot{version: cur.version + 1, orders: make(map[string]order.Order, len(cur.orders))}
	for k, v := range cur.orders {
		next.orders[k] = v
	}
	for id := range s.ids {
		if c.release(s, id) {
			delete(next.orders, id)
		}
	}
	for _, id := range cur.ids {
		if _, ok := next.orders[id]; ok {
			next.ids = append(next.ids, id)
		}
	}
	s.ids = map[string]struct{}{}
	c.snap.Store(next)
	c.mu.Unlock()
	c.notify()
}

// fail freezes the cache at its current contents and stops the other feeds.
func (c *Cache) fail(s *Subscription, err error) {
	c.mu.Lock()
	delete(c.subs, s)
	first := c.err == nil
	if first {
		c.err = err
	}
	others := make([]*Subscription, 0, len(c.subs))
	for o := range c.subs {
		others = append(others, o)
	}
	c.mu.Unlock()

	if !first {
		return
	}
	c.metrics.feedFailures.Inc()
	c.logger.Error().Err(err).Str("query", s.query.String()).Int("orders", c.Len()).
		Msg("order feed failed, cache frozen")
	for _, o := range others {
		o.stop(false)
	}
	c.notify()
}
