// Package auditqueue durably records audit entries to the remote audit
// collection without blocking callers. Entries are buffered in memory, drained
// in FIFO batches by a single background loop, retried with exponential
// backoff, and handed to a diagnostic sink when retries run out.
package auditqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/platform/docstore"
)

var (
	// ErrClosed is recorded for entries that arrive after Close.
	ErrClosed = errors.New("audit queue closed")

	errAborted     = errors.New("batch aborted")
	errAppendPanic = errors.New("append panicked")
)

// Config tunes the drain loop.
type Config struct {
	Collection      string
	BatchSize       int
	MaxAttempts     int
	BaseDelay       time.Duration // backoff before attempt n+1 is BaseDelay * 2^(n-1)
	RescheduleDelay time.Duration // pause after an aborted batch
	AttemptTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Collection:      "auditLogs",
		BatchSize:       10,
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		RescheduleDelay: 100 * time.Millisecond,
		AttemptTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Collection == "" {
		c.Collection = d.Collection
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.RescheduleDelay <= 0 {
		c.RescheduleDelay = d.RescheduleDelay
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.BaseDelay << (attempt - 1)
}

// Option configures a Queue.
type Option func(*Queue)

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithSink sets where exhausted entries go. Defaults to a LogSink.
func WithSink(s Sink) Option {
	return func(q *Queue) { q.sink = s }
}

// WithSleep replaces the backoff timer; tests use it to observe delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(q *Queue) { q.sleep = fn }
}

type pending struct {
	entry    Entry
	attempts int
	lastErr  error
}

// Queue is the audit writer. Construct one per process and share it.
type Queue struct {
	appender docstore.Appender
	cfg      Config
	logger   zerolog.Logger
	sink     Sink
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	items    []*pending
	inflight int
	draining bool
	closed   bool
}

func New(appender docstore.Appender, cfg Config, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		appender: appender,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		sleep:    sleepCtx,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.sink == nil {
		q.sink = NewLogSink(q.logger)
	}
	q.metrics = newMetrics(q.Depth)
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue buffers the entry and returns immediately. It fills in the id and
// client timestamp when they are empty.
func (q *Queue) Enqueue(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.deadLetter(&pending{entry: e, lastErr: ErrClosed})
		return
	}
	q.items = append(q.items, &pending{entry: e})
	start := !q.draining
	if start {
		q.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Depth counts entries not yet resolved: queued plus the batch in flight.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// Close stops the queue. Queued entries keep draining until ctx is done;
// whatever is left then goes to the sink.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()

	q.mu.Lock()
	rest := q.items
	q.items = nil
	q.mu.Unlock()
	for _, p := range rest {
		if p.lastErr == nil {
			p.lastErr = ErrClosed
		}
		q.deadLetter(p)
	}
	if len(rest) > 0 {
		return fmt.Errorf("audit queue closed with %d undelivered entries", len(rest))
	}
	return nil
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		batch := q.takeBatch()
		if batch == nil {
			return
		}
		rest := q.persistBatch(batch)
		q.mu.Lock()
		q.inflight = 0
		if len(rest) > 0 {
			// Unconsumed entries go back to the front, ahead of newer work.
			q.items = append(rest, q.items...)
		}
		q.mu.Unlock()
		if len(rest) == 0 {
			continue
		}

		q.metrics.requeued.Add(float64(len(rest)))
		q.logger.Warn().Int("requeued", len(rest)).Dur("delay", q.cfg.RescheduleDelay).Msg("audit batch aborted, rescheduling")
		if err := q.sleep(q.ctx, q.cfg.RescheduleDelay); err != nil {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) takeBatch() []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.ctx.Err() != nil {
		q.draining = false
		return nil
	}
	n := q.cfg.BatchSize
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]*pending, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.inflight = n
	return batch
}

// persistBatch writes entries in order and returns the unconsumed tail when
// the batch is aborted.
func (q *Queue) persistBatch(batch []*pending) []*pending {
	for i, p := range batch {
		if err := q.persist(p); errors.Is(err, errAborted) {
			return batch[i:]
		}
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}
	return nil
}

func (q *Queue) persist(p *pending) error {
	for p.attempts < q.cfg.MaxAttempts {
		p.attempts++
		err := q.appendOnce(p.entry)
		if err == nil {
			q.metrics.persisted.Inc()
			if p.attempts > 1 {
				q.logger.Info().Str("entry_id", p.entry.ID).Int("attempts", p.attempts).Msg("audit entry persisted after retry")
			}
			return nil
		}
		p.lastErr = err

		q.logger.Warn().Err(err).
			Str("entry_id", p.entry.ID).
			Str("action", string(p.entry.Action)).
			Int("attempt", p.attempts).
			Int("max_attempts", q.cfg.MaxAttempts).
			Msg("audit append failed")

		if p.attempts >= q.cfg.MaxAttempts {
			break
		}
		if errors.Is(err, errAppendPanic) {
			return errAborted
		}
		q.metrics.retried.Inc()
		if err := q.sleep(q.ctx, q.cfg.Backoff(p.attempts)); err != nil {
			return errAborted
		}
	}
	q.deadLetter(p)
	return nil
}

func (q *Queue) appendOnce(e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errAppendPanic, r)
		}
	}()
	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.AttemptTimeout)
	defer cancel()
	_, err = q.appender.AppendDocument(ctx, q.cfg.Collection, e)
	return err
}

func (q *Queue) deadLetter(p *pending) {
	q.metrics.dropped.Inc()
	reason := "unknown"
	if p.lastErr != nil {
		reason = p.lastErr.Error()
	}
	dl := DeadLetter{Entry: p.entry, Attempts: p.attempts, Reason: reason, FailedAt: time.Now().UTC()}
	if err := q.sink.Record(context.Background(), dl); err != nil {
		// Last resort: the entry survives only in the process log.
		q.logger.Error().Err(err).
			Str("entry_id", p.entry.ID).
			Str("action", string(p.entry.Action)).
			Interface("entry", p.entry).
			Msg("audit dead-letter sink failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
