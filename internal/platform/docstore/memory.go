package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UpdateHook intercepts UpdateDocument before it is applied. A non-nil error
// fails the write without touching the document.
type UpdateHook func(ctx context.Context, collection, id string, patch Patch) error

// AppendHook intercepts AppendDocument before the document is stored.
type AppendHook func(ctx context.Context, collection string, doc any) error

type memCollection struct {
	docs  map[string]map[string]any
	order []string
}

// MemoryStore is an in-process Store. It backs development runs and tests and
// behaves like the remote store: replace-batch feeds, server-assigned ids and a
// server-observed createdAt on append.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	feeds       map[*memFeed]struct{}
	onUpdate    UpdateHook
	onAppend    AppendHook
	now         func() time.Time
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memCollection),
		feeds:       make(map[*memFeed]struct{}),
		now:         time.Now,
	}
}

// SetUpdateHook installs or clears (nil) the update interceptor.
func (s *MemoryStore) SetUpdateHook(h UpdateHook) {
	s.mu.Lock()
	s.onUpdate = h
	s.mu.Unlock()
}

// SetAppendHook installs or clears (nil) the append interceptor.
func (s *MemoryStore) SetAppendHook(h AppendHook) {
	s.mu.Lock()
	s.onAppend = h
	s.mu.Unlock()
}

func (s *MemoryStore) collection(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{docs: make(map[string]map[string]any)}
		s.collections[name] = c
	}
	return c
}

// Put stores doc under id, replacing any existing body, and notifies feeds.
func (s *MemoryStore) Put(collection, id string, doc any) error {
	body, err := Encode(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c := s.collection(collection)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = body
	s.notifyLocked(collection)
	return nil
}

// Get returns the stored body for id.
func (s *MemoryStore) Get(collection, id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collection]
	if !ok {
		return nil, false
	}
	body, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Documents returns every document of the collection in insertion order.
func (s *MemoryStore) Documents(collection string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchingLocked(Query{Collection: collection})
}

func (s *MemoryStore) AppendDocument(ctx context.Context, collection string, doc any) (string, error) {
	s.mu.Lock()
	hook := s.onAppend
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, collection, doc); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	body, err := Encode(doc)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if _, ok := body["createdAt"]; !ok {
		body["createdAt"] = s.now().UTC().Format(time.RFC3339Nano)
	}
	id := uuid.New().String()
	c := s.collection(collection)
	c.docs[id] = body
	c.order = append(c.order, id)
	s.notifyLocked(collection)
	return id, nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, collection, id string, patch Patch) error {
	s.mu.Lock()
	hook := s.onUpdate
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, collection, id, patch); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c, ok := s.collections[collection]
	if !ok {
		return ErrNotFound
	}
	current, ok := c.docs[id]
	if !ok {
		return ErrNotFound
	}
	// Apply to a copy so a failing op leaves the stored body untouched.
	next, err := cloneBody(current)
	if err != nil {
		return err
	}
	if err := Apply(next, patch); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	c.docs[id] = next
	s.notifyLocked(collection)
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, q Query) (Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	f := &memFeed{store: s, query: q, ch: make(chan []Document, 1)}
	s.feeds[f] = struct{}{}
	f.deliver(s.matchingLocked(q))
	return f, nil
}

// FailFeeds terminates every open feed with err, as a dropped connection would.
func (s *MemoryStore) FailFeeds(err error) {
	s.mu.Lock()
	feeds := s.feeds
	s.feeds = make(map[*memFeed]struct{})
	s.mu.Unlock()
	for f := range feeds {
		f.terminate(err)
	}
}

// FeedCount returns the number of open feeds.
func (s *MemoryStore) FeedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

// Close ends all feeds and rejects further operations.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	s.closed = true
	feeds := s.feeds
	s.feeds = make(map[*memFeed]struct{})
	s.mu.Unlock()
	for f := range feeds {
		f.terminate(nil)
	}
}

func (s *MemoryStore) notifyLocked(collection string) {
	for f := range s.feeds {
		if f.query.Collection == collection {
			f.deliver(s.matchingLocked(f.query))
		}
	}
}

func (s *MemoryStore) matchingLocked(q Query) []Document {
	c, ok := s.collections[q.Collection]
	if !ok {
		return []Document{}
	}
	out := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		body := c.docs[id]
		if !q.Matches(body) {
			continue
		}
		b, err := json.Marshal(body)
		if err != nil {
			continue
		}
		out = append(out, Document{ID: id, Data: b})
	}
	return out
}

func (s *MemoryStore) removeFeed(f *memFeed) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
}

func cloneBody(body map[string]any) (map[string]any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// memFeed keeps only the latest undelivered batch; a slow reader skips
// intermediate states but always sees the newest one.
type memFeed struct {
	store  *MemoryStore
	query  Query
	ch     chan []Document
	mu     sync.Mutex
	err    error
	closed bool
}

func (f *memFeed) deliver(batch []Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case <-f.ch:
	default:
	}
	f.ch <- batch
}

func (f *memFeed) terminate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.ch)
}

func (f *memFeed) Batches() <-chan []Document { return f.ch }

func (f *memFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *memFeed) Close() {
	f.store.removeFeed(f)
	f.terminate(nil)
}
