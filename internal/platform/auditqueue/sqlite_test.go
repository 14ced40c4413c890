package auditqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSink_RecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dead.db")
	sink, err := OpenSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	failedAt := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	e := Entry{
		ID:        "e1",
		Action:    ActionTestCancelled,
		Details:   map[string]any{"orderId": "o1", "test": "CBC"},
		UserID:    "tech-7",
		Timestamp: failedAt.Add(-time.Minute),
		Origin:    Origin{UserAgent: "kiosk", View: "worklist"},
	}
	require.NoError(t, sink.Record(ctx, DeadLetter{Entry: e, Attempts: 3, Reason: "unavailable", FailedAt: failedAt}))
	require.NoError(t, sink.Record(ctx, DeadLetter{Entry: entry("e2"), Attempts: 1, Reason: "closed", FailedAt: failedAt}))

	n, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	letters, err := sink.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "e1", letters[0].Entry.ID)
	assert.Equal(t, ActionTestCancelled, letters[0].Entry.Action)
	assert.Equal(t, "CBC", letters[0].Entry.Details["test"])
	assert.Equal(t, "kiosk", letters[0].Entry.Origin.UserAgent)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.True(t, failedAt.Equal(letters[0].FailedAt))
	assert.Equal(t, "e2", letters[1].Entry.ID)

	limited, err := sink.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLiteSink_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dead.db")
	sink, err := OpenSQLiteSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Record(context.Background(), DeadLetter{Entry: entry("e1"), FailedAt: time.Now()}))
	require.NoError(t, sink.Close())

	reopened, err := OpenSQLiteSink(path)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, path, reopened.Path())
}

func TestQueue_DeadLettersToSQLite(t *testing.T) {
	sink, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "dead.db"))
	require.NoError(t, err)
	defer sink.Close()

	a := newScripted(func(Entry, int) error { return errors.New("unavailable") })
	sleeper := &sleepRecorder{}
	q := New(a, Config{}, WithSleep(sleeper.sleep), WithSink(sink))
	q.Enqueue(entry("e1"))
	waitDrained(t, q)
	closeQueue(t, q)

	letters, err := sink.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "e1", letters[0].Entry.ID)
	assert.Equal(t, 3, letters[0].Attempts)
}
