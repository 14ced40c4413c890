package ordercache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/docstore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func put(t *testing.T, s *docstore.MemoryStore, id string, status order.Status) {
	t.Helper()
	require.NoError(t, s.Put("orders", id, order.Order{
		OrderID:  "LAB-" + id,
		Status:   status,
		Priority: order.PriorityNormal,
		Tests:    []order.TestRef{{Name: "CBC"}},
	}))
}

func byStatus(s order.Status) docstore.Query {
	return docstore.Query{Collection: "orders"}.And("status", string(s))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 2*time.Millisecond)
}

func snapshotIDs(c *Cache) []string {
	var ids []string
	for _, o := range c.Snapshot() {
		ids = append(ids, o.ID)
	}
	return ids
}

func TestCache_MirrorsSubscriptions(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusSampleCollected)
	put(t, store, "o2", order.StatusInProgress)
	put(t, store, "o3", order.StatusCompleted)

	c := New(store, "orders")
	defer c.Close()
	_, err := c.Subscribe(context.Background(), byStatus(order.StatusSampleCollected))
	require.NoError(t, err)
	_, err = c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	require.NoError(t, err)

	eventually(t, func() bool { return c.Len() == 2 })
	assert.ElementsMatch(t, []string{"o1", "o2"}, snapshotIDs(c))

	got, ok := c.Get("o2")
	require.True(t, ok)
	assert.Equal(t, "LAB-o2", got.OrderID)
	assert.Equal(t, order.StatusInProgress, got.Status)
}

func TestCache_OrderMovesBetweenPredicates(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusInProgress)

	c := New(store, "orders")
	defer c.Close()
	for _, s := range []order.Status{order.StatusInProgress, order.StatusCompleted} {
		_, err := c.Subscribe(context.Background(), byStatus(s))
		require.NoError(t, err)
	}
	eventually(t, func() bool { return c.Len() == 1 })

	require.NoError(t, store.UpdateDocument(context.Background(), "orders", "o1",
		docstore.Patch{docstore.Field("status").Set(order.StatusCompleted)}))

	eventually(t, func() bool {
		o, ok := c.Get("o1")
		return ok && o.Status == order.StatusCompleted && c.Len() == 1
	})
}

func TestCache_RemovesDocumentsLeavingPredicate(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusInProgress)
	put(t, store, "o2", order.StatusInProgress)

	c := New(store, "orders")
	defer c.Close()
	_, err := c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	require.NoError(t, err)
	eventually(t, func() bool { return c.Len() == 2 })

	require.NoError(t, store.UpdateDocument(context.Background(), "orders", "o1",
		docstore.Patch{docstore.Field("status").Set(order.StatusCancelled)}))
	eventually(t, func() bool { return c.Len() == 1 })
	assert.Equal(t, []string{"o2"}, snapshotIDs(c))
}

func TestCache_SnapshotIsolation(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusInProgress)
	c := New(store, "orders")
	defer c.Close()
	_, err := c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	require.NoError(t, err)
	eventually(t, func() bool { return c.Len() == 1 })

	snap := c.Snapshot()
	snap[0].Status = order.StatusCancelled
	snap[0].Tests[0].Name = "mutated"

	o, _ := c.Get("o1")
	assert.Equal(t, order.StatusInProgress, o.Status)
	assert.Equal(t, "CBC", o.Tests[0].Name)
}

func TestCache_SkipsMalformedDocuments(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusInProgress)
	require.NoError(t, store.Put("orders", "bad", map[string]any{"status": "InProgress", "tests": 7}))

	c := New(store, "orders")
	defer c.Close()
	_, err := c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	require.NoError(t, err)

	eventually(t, func() bool { return c.Version() > 0 })
	assert.Equal(t, []string{"o1"}, snapshotIDs(c))
}

func TestCache_FeedFailureFreezes(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusInProgress)
	put(t, store, "o2", order.StatusCompleted)

	c := New(store, "orders")
	defer c.Close()
	s1, err := c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	require.NoError(t, err)
	s2, err := c.Subscribe(context.Background(), byStatus(order.StatusCompleted))
	require.NoError(t, err)
	eventually(t, func() bool { return c.Len() == 2 })

	var changes atomic.Int32
	c.OnChange(func() { changes.Add(1) })

	lost := errors.New("permission denied")
	store.FailFeeds(lost)

	for _, s := range []*Subscription{s1, s2} {
		select {
		case <-s.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription did not end")
		}
	}
	assert.ErrorIs(t, c.Err(), lost)
	assert.ErrorIs(t, s1.Err(), lost)
	assert.Positive(t, changes.Load())

	// Frozen: the last known state survives and later writes are not mirrored.
	assert.ElementsMatch(t, []string{"o1", "o2"}, snapshotIDs(c))
	put(t, store, "o3", order.StatusInProgress)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, c.Len())

	_, err = c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestCache_CloseDropsOnlyExclusiveOrders(t *testing.T) {
	store := docstore.NewMemoryStore()
	put(t, store, "o1", order.StatusInProgress)
	put(t, store, "o2", order.StatusCompleted)

	c := New(store, "orders")
	defer c.Close()
	all, err := c.Subscribe(context.Background(), docstore.Query{Collection: "orders"})
	require.NoError(t, err)
	inProgress, err := c.Subscribe(context.Background(), byStatus(order.StatusInProgress))
	require.NoError(t, err)
	eventually(t, func() bool { return c.Len() == 2 })

	// o1 is still held by the unfiltered feed.
	inProgress.Close()
	assert.Equal(t, 2, c.Len())
	assert.NoError(t, inProgress.Err())

	all.Close()
	assert.Zero(t, c.Len())
	assert.NoError(t, c.Err())
}

func TestCache_RejectsForeignCollection(t *testing.T) {
	c := New(docstore.NewMemoryStore(), "orders")
	_, err := c.Subscribe(context.Background(), docstore.Query{Collection: "auditLogs"})
	assert.Error(t, err)
}

func TestCache_OnChangeRemove(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := New(store, "orders")
	defer c.Close()

	var calls atomic.Int32
	remove := c.OnChange(func() { calls.Add(1) })
	_, err := c.Subscribe(context.Background(), docstore.Query{Collection: "orders"})
	require.NoError(t, err)
	eventually(t, func() bool { return calls.Load() >= 1 })

	remove()
	before := calls.Load()
	put(t, store, "o1", order.StatusInProgress)
	eventually(t, func() bool { return c.Len() == 1 })
	assert.Equal(t, before, calls.Load())
}
