package auditqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ehr/labops/internal/platform/docstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedAppender decides each call's outcome from the entry and the
// number of times that entry has been attempted so far.
type scriptedAppender struct {
	mu      sync.Mutex
	calls   map[string]int
	order   []string
	stored  []string
	outcome func(e Entry, attempt int) error

	// The entry with id "gate" blocks until release is closed, pinning the
	// drain loop so the test can fill the queue behind it.
	started chan struct{}
	release chan struct{}
}

func newScripted(outcome func(e Entry, attempt int) error) *scriptedAppender {
	return &scriptedAppender{
		calls:   map[string]int{},
		outcome: outcome,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

// hold enqueues the gate entry and waits until the drain loop is blocked on it.
func (a *scriptedAppender) hold(t *testing.T, q *Queue) {
	t.Helper()
	q.Enqueue(entry("gate"))
	select {
	case <-a.started:
	case <-time.After(time.Second):
		t.Fatal("drain loop never reached the gate entry")
	}
}

func (a *scriptedAppender) AppendDocument(ctx context.Context, collection string, doc any) (string, error) {
	e := doc.(Entry)
	if e.ID == "gate" {
		close(a.started)
		<-a.release
		return "doc-gate", nil
	}
	a.mu.Lock()
	a.calls[e.ID]++
	attempt := a.calls[e.ID]
	a.order = append(a.order, e.ID)
	a.mu.Unlock()

	var err error
	if a.outcome != nil {
		err = a.outcome(e, attempt)
	}
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.stored = append(a.stored, e.ID)
	a.mu.Unlock()
	return "doc-" + e.ID, nil
}

func (a *scriptedAppender) callsFor(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func (a *scriptedAppender) storedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stored...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type memorySink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func (s *memorySink) Record(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	s.letters = append(s.letters, dl)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) all() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.letters...)
}

func entry(id string) Entry {
	return Entry{ID: id, Action: ActionOrderCancelled, Details: map[string]any{"orderId": "o1"}}
}

func waitDrained(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Depth() == 0 }, 2*time.Second, 2*time.Millisecond)
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestQueue_PersistsInFIFOOrder(t *testing.T) {
	store := docstore.NewMemoryStore()
	q := New(store, Config{})

	var want []string
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("e%02d", i)
		want = append(want, id)
		q.Enqueue(entry(id))
	}
	waitDrained(t, q)
	closeQueue(t, q)

	docs := store.Documents("auditLogs")
	require.Len(t, docs, 25)
	var got []string
	for _, d := range docs {
		var stored Entry
		require.NoError(t, json.Unmarshal(d.Data, &stored))
		require.NotNil(t, stored.CreatedAt, "store fills createdAt")
		assert.Equal(t, ActionOrderCancelled, stored.Action)
		got = append(got, stored.ID)
	}
	assert.Equal(t, want, got)
}

func TestQueue_EnqueueFillsIdentity(t *testing.T) {
	a := newScripted(nil)
	q := New(a, Config{})
	q.Enqueue(Entry{Action: ActionResultEntered})
	waitDrained(t, q)
	closeQueue(t, q)

	ids := a.storedIDs()
	require.Len(t, ids, 1)
	assert.NotEmpty(t, ids[0])
}

func TestQueue_RetriesWithExponentialBackoff(t *testing.T) {
	a := newScripted(func(e Entry, attempt int) error {
		if attempt < 3 {
			return errors.New("service unavailable")
		}
		return nil
	})
	sleeper := &sleepRecorder{}
	sink := &memorySink{}
	q := New(a, Config{}, WithSleep(sleeper.sleep), WithSink(sink))

	q.Enqueue(entry("e1"))
	waitDrained(t, q)
	closeQueue(t, q)

	assert.Equal(t, []string{"e1"}, a.storedIDs(), "persisted exactly once")
	assert.Equal(t, 3, a.callsFor("e1"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.recorded())
	assert.Empty(t, sink.all())
}

func TestQueue_DropsAfterExhaustion(t *testing.T) {
	a := newScripted(func(Entry, int) error { return errors.New("permission denied") })
	sleeper := &sleepRecorder{}
	sink := &memorySink{}
	q := New(a, Config{}, WithSleep(sleeper.sleep), WithSink(sink))
	reg := prometheus.NewRegistry()
	require.NoError(t, q.Register(reg))

	q.Enqueue(entry("e1"))
	q.Enqueue(entry("e2"))
	waitDrained(t, q)

	// No fourth attempt, even given time.
	time.Sleep(20 * time.Millisecond)
	closeQueue(t, q)

	assert.Equal(t, 3, a.callsFor("e1"))
	assert.Equal(t, 3, a.callsFor("e2"))
	letters := sink.all()
	require.Len(t, letters, 2)
	assert.Equal(t, "e1", letters[0].Entry.ID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, "permission denied", letters[0].Reason)
	assert.Equal(t, float64(2), testutil.ToFloat64(q.metrics.dropped))
	assert.Equal(t, float64(4), testutil.ToFloat64(q.metrics.retried))
	assert.Equal(t, float64(0), testutil.ToFloat64(q.metrics.depth))
}

func TestQueue_AbortedBatchGoesBackToFront(t *testing.T) {
	a := newScripted(func(e Entry, attempt int) error {
		if e.ID != "e1" {
			return nil
		}
		switch attempt {
		case 1:
			return errors.New("timeout")
		case 2:
			panic("transport torn down")
		default:
			return errors.New("timeout")
		}
	})
	sleeper := &sleepRecorder{}
	sink := &memorySink{}
	q := New(a, Config{}, WithSleep(sleeper.sleep), WithSink(sink))

	a.hold(t, q)
	for _, id := range []string{"e0", "e1", "e2", "e3"} {
		q.Enqueue(entry(id))
	}
	close(a.release)
	waitDrained(t, q)
	closeQueue(t, q)

	assert.Equal(t, []string{"e0", "e2", "e3"}, a.storedIDs())
	// e1 keeps its attempt count across the requeue: 3 calls total, never 4.
	assert.Equal(t, 3, a.callsFor("e1"))
	assert.Equal(t, 1, a.callsFor("e2"))
	assert.Equal(t, []time.Duration{time.Second, 100 * time.Millisecond}, sleeper.recorded())

	letters := sink.all()
	require.Len(t, letters, 1)
	assert.Equal(t, "e1", letters[0].Entry.ID)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, float64(3), testutil.ToFloat64(q.metrics.requeued))
}

func TestQueue_SingleDrainAndBatchSize(t *testing.T) {
	var (
		mu             sync.Mutex
		active, peak   int
		queuedAtSecond = -1
	)
	var q *Queue
	a := newScripted(func(e Entry, _ int) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		if e.ID == "e00" {
			q.mu.Lock()
			n := len(q.items)
			q.mu.Unlock()
			mu.Lock()
			queuedAtSecond = n
			mu.Unlock()
		}
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	q = New(a, Config{})

	// Work enqueued while a batch is in flight must not start a second loop.
	a.hold(t, q)
	for i := 0; i < 25; i++ {
		q.Enqueue(entry(fmt.Sprintf("e%02d", i)))
	}
	assert.Equal(t, 26, q.Depth(), "gate in flight plus 25 queued")
	close(a.release)
	waitDrained(t, q)
	closeQueue(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 15, queuedAtSecond, "second batch takes 10 of 25")
	assert.Equal(t, 1, peak)
	assert.Len(t, a.storedIDs(), 25)
}

type appenderFunc func(ctx context.Context, collection string, doc any) (string, error)

func (f appenderFunc) AppendDocument(ctx context.Context, collection string, doc any) (string, error) {
	return f(ctx, collection, doc)
}

func TestQueue_CloseFlushesUndelivered(t *testing.T) {
	blocking := appenderFunc(func(ctx context.Context, collection string, doc any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	sink := &memorySink{}
	q := New(blocking, Config{}, WithSink(sink))

	q.Enqueue(entry("e1"))
	q.Enqueue(entry("e2"))
	q.Enqueue(entry("e3"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	require.Error(t, err)

	letters := sink.all()
	require.Len(t, letters, 3)
	assert.Equal(t, "e1", letters[0].Entry.ID)
	assert.Contains(t, letters[0].Reason, "context canceled")
	assert.Equal(t, ErrClosed.Error(), letters[1].Reason)

	// Entries after close go straight to the sink.
	q.Enqueue(entry("late"))
	assert.Len(t, sink.all(), 4)
	assert.Zero(t, q.Depth())
}

func TestQueue_SinkFailureIsLogged(t *testing.T) {
	a := newScripted(func(Entry, int) error { return errors.New("down") })
	sleeper := &sleepRecorder{}
	failing := SinkFunc(func(context.Context, DeadLetter) error { return errors.New("disk full") })
	q := New(a, Config{MaxAttempts: 1}, WithSleep(sleeper.sleep), WithSink(failing))

	q.Enqueue(entry("e1"))
	waitDrained(t, q)
	closeQueue(t, q)
	assert.Equal(t, 1, a.callsFor("e1"))
	assert.Empty(t, sleeper.recorded())
}

func TestConfig_Backoff(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, time.Second, c.Backoff(1))
	assert.Equal(t, 2*time.Second, c.Backoff(2))
	assert.Equal(t, 4*time.Second, c.Backoff(3))
	assert.Equal(t, time.Second, c.Backoff(0))
}

func TestMultiSink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	failing := SinkFunc(func(context.Context, DeadLetter) error { return errors.New("nope") })

	err := MultiSink{a, failing, b}.Record(context.Background(), DeadLetter{Entry: entry("x")})
	assert.EqualError(t, err, "nope")
	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}
