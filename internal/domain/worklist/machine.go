package worklist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/auditqueue"
	"github.com/ehr/labops/internal/platform/docstore"
	"github.com/ehr/labops/internal/platform/optimistic"
)

// OrderReader is the read side of the order store.
type OrderReader interface {
	Get(id string) (order.Order, bool)
	Snapshot() []order.Order
}

// Overlayer applies and reads optimistic patches.
type Overlayer interface {
	Apply(ctx context.Context, orderID string, patch order.Patch) *optimistic.Handle
	Overlay(o order.Order) order.Order
	OverlayAll(orders []order.Order) []order.Order
}

// Auditor accepts audit entries without blocking.
type Auditor interface {
	Enqueue(e auditqueue.Entry)
}

// Actor identifies who asked for a mutation and from where.
type Actor struct {
	UserID string
	Roles  []string
	Origin auditqueue.Origin
}

// Outcome describes an accepted request.
type Outcome struct {
	Order         order.Order
	Handle        *optimistic.Handle
	AutoCancelled bool
}

// Changed reports whether the request produced a write.
func (o *Outcome) Changed() bool { return o.Handle != nil }

// NewOrder is the input for CreateOrder.
type NewOrder struct {
	OrderID     string          `json:"orderId"`
	PatientID   string          `json:"patientId"`
	PatientName string          `json:"patientName"`
	Priority    order.Priority  `json:"priority"`
	Tests       []order.TestRef `json:"tests"`
}

// ResultInput is the input for EnterResult.
type ResultInput struct {
	Value    string `json:"value"`
	Unit     string `json:"unit"`
	Comments string `json:"comments"`
	Critical bool   `json:"critical"`
}

type MachineOption func(*Machine)

func WithMachineLogger(l zerolog.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// Machine validates and applies order mutations. Every decision is made
// against the effective order (cached state plus any pending overlay), and
// validation, overlay and audit enqueue happen under one lock so concurrent
// requests observe each other in order.
type Machine struct {
	orders     OrderReader
	overlay    Overlayer
	audit      Auditor
	creator    docstore.Appender
	collection string
	logger     zerolog.Logger
	now        func() time.Time

	mu sync.Mutex
}

func NewMachine(orders OrderReader, overlay Overlayer, audit Auditor, creator docstore.Appender, collection string, opts ...MachineOption) *Machine {
	m := &Machine{
		orders:     orders,
		overlay:    overlay,
		audit:      audit,
		creator:    creator,
		collection: collection,
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) effective(orderID string) (order.Order, error) {
	o, ok := m.orders.Get(orderID)
	if !ok {
		return order.Order{}, reject(CodeNotFound, orderID, "order not found")
	}
	return m.overlay.Overlay(o), nil
}

// RequestTransition moves an order to target. Dropping an order on its own
// bucket is accepted without a write. A Cancelled target takes the
// order-level cancellation path and needs reason.
func (m *Machine) RequestTransition(ctx context.Context, orderID string, target order.Status, reason string, actor Actor) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.effective(orderID)
	if err != nil {
		return nil, err
	}
	if target == order.StatusCancelled {
		return m.cancelOrder(ctx, o, reason, actor)
	}
	if o.Status.Terminal() {
		return nil, reject(CodeAlreadyTerminal, orderID, "order is %s", o.Status)
	}
	if o.Status == target {
		return &Outcome{Order: o}, nil
	}
	if err := order.ValidateTransition(o.Status, target); err != nil {
		return nil, reject(CodeInvalidTransition, orderID, "%v", err)
	}

	now := m.now()
	patch := order.Patch{
		History:   []order.HistoryEvent{{Event: order.EventStatusChanged, Timestamp: now, Actor: actor.UserID}},
		UpdatedAt: now,
	}.WithStatus(target)

	out := m.commit(ctx, o, patch)
	m.record(auditqueue.ActionOrderStatusChanged, actor, now, map[string]any{
		"orderId":    o.ID,
		"orderCode":  o.OrderID,
		"fromStatus": string(o.Status),
		"toStatus":   string(target),
	})
	m.logger.Info().Str("order_id", o.ID).Str("from", string(o.Status)).Str("to", string(target)).Msg("status transition accepted")
	return out, nil
}

// CancelOrder cancels the whole order.
func (m *Machine) CancelOrder(ctx context.Context, orderID, reason string, actor Actor) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.effective(orderID)
	if err != nil {
		return nil, err
	}
	return m.cancelOrder(ctx, o, reason, actor)
}

func (m *Machine) cancelOrder(ctx context.Context, o order.Order, reason string, actor Actor) (*Outcome, error) {
	if o.Status.Terminal() {
		return nil, reject(CodeAlreadyTerminal, o.ID, "order is %s", o.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, reject(CodeReasonRequired, o.ID, "cancelling an order needs a reason")
	}

	now := m.now()
	patch := order.Patch{
		History:   []order.HistoryEvent{{Event: order.EventCancelled, Timestamp: now, Reason: reason, Actor: actor.UserID}},
		UpdatedAt: now,
	}.WithStatus(order.StatusCancelled)

	out := m.commit(ctx, o, patch)
	m.record(auditqueue.ActionOrderCancelled, actor, now, map[string]any{
		"orderId":        o.ID,
		"orderCode":      o.OrderID,
		"previousStatus": string(o.Status),
		"reason":         reason,
	})
	m.logger.Info().Str("order_id", o.ID).Str("reason", reason).Msg("order cancelled")
	return out, nil
}

// CancelTest removes one test from an order. When it was the last active
// test the order is cancelled in the same patch. The remote write removes
// the test by name, so a concurrent failed cancellation of another test
// leaves that test active rather than lost.
func (m *Machine) CancelTest(ctx context.Context, orderID, testName, reason string, actor Actor) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.effective(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, reject(CodeAlreadyTerminal, orderID, "order is %s", o.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, reject(CodeReasonRequired, orderID, "cancelling a test needs a reason")
	}
	switch {
	case o.IsTestCancelled(testName):
		return nil, reject(CodeTestAlreadyCancelled, orderID, "test %s already cancelled", testName)
	case !o.HasTest(testName):
		return nil, reject(CodeTestNotFound, orderID, "test %s not on order", testName)
	case o.IsTestCompleted(testName):
		return nil, reject(CodeTestCompleted, orderID, "test %s already has a result", testName)
	}

	now := m.now()
	patch := order.Patch{
		RemoveTests: []string{testName},
		Cancelled:   map[string]order.CancellationRecord{testName: order.NewCancellation(reason, actor.UserID, now)},
		History:     []order.HistoryEvent{{Event: order.EventTestCancelled, Timestamp: now, Reason: reason, Actor: actor.UserID}},
		UpdatedAt:   now,
	}
	remaining := len(o.Tests) - 1
	auto := remaining == 0
	if auto {
		patch = patch.WithStatus(order.StatusCancelled)
		patch.History = append(patch.History, order.HistoryEvent{
			Event:     order.EventAutoCancelled,
			Timestamp: now,
			Reason:    "all tests cancelled",
			Actor:     actor.UserID,
		})
	}

	out := m.commit(ctx, o, patch)
	out.AutoCancelled = auto
	m.record(auditqueue.ActionTestCancelled, actor, now, map[string]any{
		"orderId":        o.ID,
		"orderCode":      o.OrderID,
		"testName":       testName,
		"reason":         reason,
		"remainingTests": remaining,
		"autoCancelled":  auto,
	})
	m.logger.Info().Str("order_id", o.ID).Str("test", testName).Bool("auto_cancelled", auto).Msg("test cancelled")
	return out, nil
}

// EnterResult records or corrects the value for one test. The first result
// on a SampleCollected order starts processing.
func (m *Machine) EnterResult(ctx context.Context, orderID, testName string, in ResultInput, actor Actor) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.effective(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, reject(CodeAlreadyTerminal, orderID, "order is %s", o.Status)
	}
	if o.IsTestCancelled(testName) {
		return nil, reject(CodeTestCancelled, orderID, "test %s was cancelled", testName)
	}
	if !o.HasTest(testName) {
		return nil, reject(CodeTestNotFound, orderID, "test %s not on order", testName)
	}
	value := strings.TrimSpace(in.Value)
	if value == "" {
		return nil, reject(CodeInvalidOrder, orderID, "result value is required")
	}

	now := m.now()
	status := order.ResultFinal
	if in.Critical {
		status = order.ResultCritical
	}
	patch := order.Patch{
		Results: map[string]order.Result{testName: {
			Value:     value,
			Unit:      in.Unit,
			Comments:  in.Comments,
			EnteredAt: now,
			EnteredBy: actor.UserID,
			Status:    status,
		}},
		History:   []order.HistoryEvent{{Event: order.EventResultEntered, Timestamp: now, Actor: actor.UserID}},
		UpdatedAt: now,
	}
	started := o.Status == order.StatusSampleCollected
	if started {
		patch = patch.WithStatus(order.StatusInProgress)
	}

	out := m.commit(ctx, o, patch)
	m.record(auditqueue.ActionResultEntered, actor, now, map[string]any{
		"orderId":       o.ID,
		"orderCode":     o.OrderID,
		"testName":      testName,
		"critical":      in.Critical,
		"correction":    o.IsTestCompleted(testName),
		"statusChanged": started,
	})
	return out, nil
}

// AcknowledgeCriticalValue marks a critical result as seen. It is allowed on
// completed orders since acknowledgement often trails sign-off.
func (m *Machine) AcknowledgeCriticalValue(ctx context.Context, orderID, testName string, actor Actor) (*Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.effective(orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == order.StatusCancelled {
		return nil, reject(CodeAlreadyTerminal, orderID, "order is %s", o.Status)
	}
	r, ok := o.Results[testName]
	if !ok {
		return nil, reject(CodeResultNotFound, orderID, "no result for test %s", testName)
	}
	if r.Status != order.ResultCritical {
		return nil, reject(CodeNotCritical, orderID, "result for %s is %s", testName, r.Status)
	}

	now := m.now()
	r.Status = order.ResultAcknowledged
	r.AcknowledgedAt = &now
	r.AcknowledgedBy = actor.UserID
	patch := order.Patch{
		Results:   map[string]order.Result{testName: r},
		History:   []order.HistoryEvent{{Event: order.EventCriticalAcked, Timestamp: now, Actor: actor.UserID}},
		UpdatedAt: now,
	}

	out := m.commit(ctx, o, patch)
	m.record(auditqueue.ActionCriticalValueAcknowledged, actor, now, map[string]any{
		"orderId":   o.ID,
		"orderCode": o.OrderID,
		"testName":  testName,
		"value":     r.Value,
	})
	return out, nil
}

// CreateOrder validates in and appends a new order document. The order
// reaches the cache through the subscription feed, not through the overlay.
func (m *Machine) CreateOrder(ctx context.Context, in NewOrder, actor Actor) (order.Order, error) {
	if err := validateNewOrder(in); err != nil {
		return order.Order{}, err
	}

	now := m.now()
	o := order.Order{
		OrderID:        strings.TrimSpace(in.OrderID),
		PatientID:      strings.TrimSpace(in.PatientID),
		PatientName:    strings.TrimSpace(in.PatientName),
		Status:         order.StatusSampleCollected,
		Priority:       in.Priority,
		Tests:          append([]order.TestRef(nil), in.Tests...),
		Results:        map[string]order.Result{},
		CancelledTests: map[string]order.CancellationRecord{},
		History:        []order.HistoryEvent{{Event: order.EventCreated, Timestamp: now, Actor: actor.UserID}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.Priority == "" {
		o.Priority = order.PriorityNormal
	}
	if o.OrderID == "" {
		o.OrderID = "LAB-" + strings.ToUpper(uuid.New().String()[:8])
	}

	id, err := m.creator.AppendDocument(ctx, m.collection, o)
	if err != nil {
		return order.Order{}, fmt.Errorf("create order: %w", err)
	}
	o.ID = id

	m.mu.Lock()
	m.record(auditqueue.ActionOrderCreated, actor, now, map[string]any{
		"orderId":   id,
		"orderCode": o.OrderID,
		"patientId": o.PatientID,
		"priority":  string(o.Priority),
		"testCount": len(o.Tests),
	})
	m.mu.Unlock()
	m.logger.Info().Str("order_id", id).Str("order_code", o.OrderID).Msg("order created")
	return o, nil
}

func validateNewOrder(in NewOrder) error {
	if strings.TrimSpace(in.PatientID) == "" {
		return reject(CodeInvalidOrder, "", "patientId is required")
	}
	if strings.TrimSpace(in.PatientName) == "" {
		return reject(CodeInvalidOrder, "", "patientName is required")
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return reject(CodeInvalidOrder, "", "invalid priority: %s", in.Priority)
	}
	if len(in.Tests) == 0 {
		return reject(CodeInvalidOrder, "", "at least one test is required")
	}
	seen := map[string]bool{}
	for _, t := range in.Tests {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return reject(CodeInvalidOrder, "", "test name is required")
		}
		if seen[name] {
			return reject(CodeInvalidOrder, "", "duplicate test: %s", name)
		}
		seen[name] = true
	}
	return nil
}

func (m *Machine) commit(ctx context.Context, o order.Order, patch order.Patch) *Outcome {
	h := m.overlay.Apply(ctx, o.ID, patch)
	return &Outcome{Order: patch.ApplyTo(o), Handle: h}
}

func (m *Machine) record(action auditqueue.Action, actor Actor, at time.Time, details map[string]any) {
	m.audit.Enqueue(auditqueue.Entry{
		Action:    action,
		Details:   details,
		UserID:    actor.UserID,
		Timestamp: at,
		Origin:    actor.Origin,
	})
}
