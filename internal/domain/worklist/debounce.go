package worklist

import (
	"strings"
	"sync"
	"time"

	"github.com/ehr/labops/internal/domain/order"
)

// DefaultSearchDebounce is the quiet period before a search term is applied.
const DefaultSearchDebounce = 300 * time.Millisecond

// Debouncer runs only the last of a burst of calls, once the burst has been
// quiet for the delay.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules fn, cancelling whatever was scheduled before.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		current := gen == d.gen && !d.stopped
		d.mu.Unlock()
		if current {
			fn()
		}
	})
}

// Cancel drops the pending call, if any. Later triggers still run.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
}

// Stop cancels the pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
	}
}

// LiveView keeps one session's filtered view current. Filter fields apply
// at once; the search term is debounced. Every recomputation is pushed.
type LiveView struct {
	view     *View
	debounce *Debouncer
	push     func(FilterState, []order.Order)
	onClose  []func()

	// pushMu serializes compute+push so pushes arrive in computation order.
	pushMu sync.Mutex

	mu sync.Mutex
	// filter.Search is the applied term; requested is the latest input.
	filter    FilterState
	requested string
	last      []order.Order
	closed    bool
}

func NewLiveView(view *View, delay time.Duration, push func(FilterState, []order.Order)) *LiveView {
	return &LiveView{
		view:     view,
		debounce: NewDebouncer(delay),
		push:     push,
		filter:   FilterState{}.Normalize(),
	}
}

// SetFilter replaces the filter. A changed search term only takes effect
// once it has been stable for the debounce delay.
func (lv *LiveView) SetFilter(f FilterState) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f = f.Normalize()

	lv.mu.Lock()
	if lv.closed {
		lv.mu.Unlock()
		return nil
	}
	search := f.Search
	f.Search = lv.filter.Search
	lv.filter = f
	searchChanged := search != lv.requested
	lv.mu.Unlock()

	lv.Refresh()
	if searchChanged {
		lv.SetSearch(search)
	}
	return nil
}

// SetSearch debounces a new search term. Going back to the applied term
// drops whatever term was still waiting.
func (lv *LiveView) SetSearch(term string) {
	term = strings.TrimSpace(term)
	lv.mu.Lock()
	lv.requested = term
	applied := term == lv.filter.Search
	lv.mu.Unlock()
	if applied {
		lv.debounce.Cancel()
		return
	}
	lv.debounce.Trigger(func() {
		lv.mu.Lock()
		if lv.closed {
			lv.mu.Unlock()
			return
		}
		lv.filter.Search = term
		lv.mu.Unlock()
		lv.Refresh()
	})
}

// Refresh recomputes the view and pushes it.
func (lv *LiveView) Refresh() {
	lv.pushMu.Lock()
	defer lv.pushMu.Unlock()

	lv.mu.Lock()
	if lv.closed {
		lv.mu.Unlock()
		return
	}
	f := lv.filter
	lv.mu.Unlock()

	orders := lv.view.Visible(f)

	lv.mu.Lock()
	lv.last = orders
	lv.mu.Unlock()
	lv.push(f, orders)
}

// Filter returns the applied filter.
func (lv *LiveView) Filter() FilterState {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.filter
}

// Current returns the last computed view.
func (lv *LiveView) Current() []order.Order {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	return lv.last
}

// Close stops pushes. It is safe to call more than once.
func (lv *LiveView) Close() {
	lv.debounce.Stop()
	lv.pushMu.Lock()
	lv.mu.Lock()
	already := lv.closed
	lv.closed = true
	hooks := lv.onClose
	lv.onClose = nil
	lv.mu.Unlock()
	lv.pushMu.Unlock()
	if already {
		return
	}
	for _, fn := range hooks {
		fn()
	}
}

func (lv *LiveView) addCloseHook(fn func()) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.onClose = append(lv.onClose, fn)
}
