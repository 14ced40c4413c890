package worklist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/auditqueue"
	"github.com/ehr/labops/internal/platform/docstore"
	"github.com/ehr/labops/internal/platform/optimistic"
	"github.com/ehr/labops/internal/platform/websocket"
)

// AuditQueue is the audit log queue as seen by the work queue.
type AuditQueue interface {
	Enqueue(e auditqueue.Entry)
	Depth() int
}

// PendingOverlayer is an Overlayer that can also report pending orders.
type PendingOverlayer interface {
	Overlayer
	Pending(orderID string) (optimistic.Pending, bool)
}

// ChangeNotifier calls back when its state changes.
type ChangeNotifier interface {
	OnChange(fn func()) (remove func())
}

// Event types published on the orders topic.
const (
	EventOrderChanged    = "order.changed"
	EventOrderCreated    = "order.created"
	EventOrderRolledBack = "order.rolled_back"
	EventView            = "view"
)

// OrderView is an order as served to dashboards.
type OrderView struct {
	ID string `json:"id"`
	order.Order
	ReadyForCompletion     bool `json:"readyForCompletion"`
	UnacknowledgedCritical bool `json:"unacknowledgedCritical"`
	Pending                bool `json:"pending"`
}

type ServiceOption func(*Service)

func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
		s.machineOpts = append(s.machineOpts, WithMachineLogger(l))
	}
}

func WithMachineOptions(opts ...MachineOption) ServiceOption {
	return func(s *Service) { s.machineOpts = append(s.machineOpts, opts...) }
}

// WithPublisher sends order change events to p.
func WithPublisher(p websocket.EventPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithChangeSources wires the notifiers that trigger live view refreshes.
func WithChangeSources(sources ...ChangeNotifier) ServiceOption {
	return func(s *Service) { s.sources = append(s.sources, sources...) }
}

func WithSearchDebounce(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// Service is the façade the HTTP and WebSocket layers use.
type Service struct {
	machine   *Machine
	view      *View
	overlay   PendingOverlayer
	audit     AuditQueue
	sources   []ChangeNotifier
	publisher websocket.EventPublisher
	debounce  time.Duration
	logger    zerolog.Logger

	machineOpts []MachineOption
	watchers    sync.WaitGroup
}

func NewService(orders OrderReader, overlay PendingOverlayer, audit AuditQueue, creator docstore.Appender, collection string, opts ...ServiceOption) *Service {
	s := &Service{
		overlay:  overlay,
		audit:    audit,
		debounce: DefaultSearchDebounce,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = NewMachine(orders, overlay, audit, creator, collection, s.machineOpts...)
	s.view = NewView(orders, overlay)
	return s
}

// Orders returns the visible orders for f.
func (s *Service) Orders(f FilterState) ([]order.Order, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return s.view.Visible(f), nil
}

// Order returns the effective state of one order.
func (s *Service) Order(id string) (order.Order, error) {
	o, ok := s.view.Order(id)
	if !ok {
		return order.Order{}, reject(CodeNotFound, id, "order not found")
	}
	return o, nil
}

// Present decorates an order for display.
func (s *Service) Present(o order.Order) OrderView {
	_, pending := s.overlay.Pending(o.ID)
	return OrderView{
		ID:                     o.ID,
		Order:                  o,
		ReadyForCompletion:     o.ReadyForCompletion(),
		UnacknowledgedCritical: o.HasUnacknowledgedCritical(),
		Pending:                pending,
	}
}

func (s *Service) PresentAll(orders []order.Order) []OrderView {
	out := make([]OrderView, len(orders))
	for i, o := range orders {
		out[i] = s.Present(o)
	}
	return out
}

func (s *Service) RequestStatusTransition(ctx context.Context, orderID string, target order.Status, reason string, actor Actor) (*Outcome, error) {
	return s.accepted(s.machine.RequestTransition(ctx, orderID, target, reason, actor))
}

func (s *Service) CancelOrder(ctx context.Context, orderID, reason string, actor Actor) (*Outcome, error) {
	return s.accepted(s.machine.CancelOrder(ctx, orderID, reason, actor))
}

func (s *Service) CancelTest(ctx context.Context, orderID, testName, reason string, actor Actor) (*Outcome, error) {
	return s.accepted(s.machine.CancelTest(ctx, orderID, testName, reason, actor))
}

func (s *Service) EnterResult(ctx context.Context, orderID, testName string, in ResultInput, actor Actor) (*Outcome, error) {
	return s.accepted(s.machine.EnterResult(ctx, orderID, testName, in, actor))
}

func (s *Service) AcknowledgeCriticalValue(ctx context.Context, orderID, testName string, actor Actor) (*Outcome, error) {
	return s.accepted(s.machine.AcknowledgeCriticalValue(ctx, orderID, testName, actor))
}

func (s *Service) CreateOrder(ctx context.Context, in NewOrder, actor Actor) (order.Order, error) {
	o, err := s.machine.CreateOrder(ctx, in, actor)
	if err != nil {
		return order.Order{}, err
	}
	s.publish(EventOrderCreated, o.ID, s.Present(o))
	return o, nil
}

// AuditQueueDepth reports audit entries not yet persisted.
func (s *Service) AuditQueueDepth() int { return s.audit.Depth() }

// accepted publishes the optimistic state of an accepted mutation and, once
// the remote write resolves, a rollback event if it failed.
func (s *Service) accepted(out *Outcome, err error) (*Outcome, error) {
	if err != nil || !out.Changed() {
		return out, err
	}
	s.publish(EventOrderChanged, out.Order.ID, s.Present(out.Order))

	s.watchers.Add(1)
	go func(h *optimistic.Handle) {
		defer s.watchers.Done()
		<-h.Done()
		if werr := h.Err(); werr != nil {
			s.publish(EventOrderRolledBack, h.OrderID, map[string]any{"error": werr.Error(), "seq": h.Seq})
		}
	}(out.Handle)
	return out, nil
}

func (s *Service) publish(typ, orderID string, data any) {
	if s.publisher == nil {
		return
	}
	ev, err := websocket.NewEvent(typ, websocket.TopicOrders, orderID, data)
	if err != nil {
		s.logger.Error().Err(err).Str("type", typ).Msg("build order event")
		return
	}
	if err := s.publisher.Publish(context.Background(), ev); err != nil {
		s.logger.Warn().Err(err).Str("type", typ).Msg("publish order event")
	}
}

// OpenLiveView starts a live view that refreshes whenever the cache or the
// overlay changes. push must not call Close on the view.
func (s *Service) OpenLiveView(push func(FilterState, []order.Order)) *LiveView {
	lv := NewLiveView(s.view, s.debounce, push)
	for _, src := range s.sources {
		lv.addCloseHook(src.OnChange(lv.Refresh))
	}
	lv.Refresh()
	return lv
}

// Wait blocks until rollback watchers have finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
