package ordercache

import (
	"sync"

	"github.com/ehr/labops/internal/platform/docstore"
)

// Subscription is one live feed into the cache.
type Subscription struct {
	cache *Cache
	query docstore.Query
	feed  docstore.Feed
	ids   map[string]struct{} // guarded by cache.mu
	done  chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
	detach  bool
}

func (s *Subscription) Query() docstore.Query { return s.query }

// Done is closed when the subscription has ended for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports the terminal error once Done is closed. It is nil when the
// subscription was closed by the caller.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and drops the orders only it was mirroring.
func (s *Subscription) Close() {
	s.stop(true)
}

func (s *Subscription) stop(detach bool) {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.detach = detach
	}
	s.mu.Unlock()
	s.feed.Close()
	<-s.done
}

func (s *Subscription) run() {
	defer close(s.done)
	for batch := range s.feed.Batches() {
		if s.cache.apply(s, batch) {
			s.cache.notify()
		}
	}

	s.mu.Lock()
	stopped, detach := s.stopped, s.detach
	s.mu.Unlock()

	err := s.feed.Err()
	if stopped || err == nil {
		if detach {
			s.cache.detach(s)
			return
		}
		s.cache.mu.Lock()
		delete(s.cache.subs, s)
		s.cache.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cache.fail(s, err)
}
