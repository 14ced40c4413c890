package order

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a lab order.
type Status string

const (
	StatusSampleCollected Status = "SampleCollected"
	StatusInProgress      Status = "InProgress"
	StatusCompleted       Status = "Completed"
	StatusCancelled       Status = "Cancelled"
)

// Statuses lists every status in board order.
var Statuses = []Status{StatusSampleCollected, StatusInProgress, StatusCompleted, StatusCancelled}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSampleCollected, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityNormal   Priority = "Normal"
	PriorityUrgent   Priority = "Urgent"
	PriorityCritical Priority = "Critical"
)

// Rank orders priorities from least to most pressing. Unknown values rank lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityNormal:
		return 1
	case PriorityUrgent:
		return 2
	case PriorityCritical:
		return 3
	}
	return 0
}

func (p Priority) Valid() bool { return p.Rank() > 0 }

// Result status values.
const (
	ResultFinal        = "final"
	ResultCritical     = "critical"
	ResultAcknowledged = "acknowledged"
)

// TestRef identifies one test on an order. Documents may carry either a bare
// test name or a structured descriptor; both decode into TestRef.
type TestRef struct {
	Name       string `json:"name"`
	Code       string `json:"code,omitempty"`
	Department string `json:"department,omitempty"`
}

func (t *TestRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*t = TestRef{Name: name}
		return nil
	}
	type plain TestRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode test reference: %w", err)
	}
	*t = TestRef(p)
	return nil
}

// Result is the entered value for one test.
type Result struct {
	Value     string    `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Comments  string    `json:"comments,omitempty"`
	EnteredAt time.Time `json:"enteredAt"`
	EnteredBy string    `json:"enteredBy,omitempty"`
	Status    string    `json:"status"`

	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
}

// CancellationRecord documents why a test was removed from an order.
type CancellationRecord struct {
	CancelledAt time.Time `json:"cancelledAt"`
	CancelledBy string    `json:"cancelledBy,omitempty"`
	Reason      string    `json:"reason"`
	Status      string    `json:"status"`
}

// HistoryEvent is the denormalized slice of the audit trail kept on the order.
type HistoryEvent struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// Order maps to one document in the orders collection.
type Order struct {
	ID             string                        `json:"-"`
	OrderID        string                        `json:"orderId"`
	PatientID      string                        `json:"patientId"`
	PatientName    string                        `json:"patientName"`
	Status         Status                        `json:"status"`
	Priority       Priority                      `json:"priority"`
	Tests          []TestRef                     `json:"tests"`
	Results        map[string]Result             `json:"results"`
	CancelledTests map[string]CancellationRecord `json:"cancelledTests"`
	History        []HistoryEvent                `json:"history"`
	CreatedAt      time.Time                     `json:"createdAt"`
	UpdatedAt      time.Time                     `json:"updatedAt"`
}

// Decode builds an Order from a stored document body. The id lives outside the body.
func Decode(id string, data []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return Order{}, fmt.Errorf("decode order %s: %w", id, err)
	}
	o.ID = id
	o.normalize()
	return o, nil
}

func (o *Order) normalize() {
	if o.Results == nil {
		o.Results = map[string]Result{}
	}
	if o.CancelledTests == nil {
		o.CancelledTests = map[string]CancellationRecord{}
	}
	if o.Tests == nil {
		o.Tests = []TestRef{}
	}
	if o.History == nil {
		o.History = []HistoryEvent{}
	}
}

// Clone returns a deep copy so callers can never alias cached state.
func (o Order) Clone() Order {
	c := o
	c.Tests = append([]TestRef(nil), o.Tests...)
	c.History = append([]HistoryEvent(nil), o.History...)
	c.Results = make(map[string]Result, len(o.Results))
	for k, v := range o.Results {
		c.Results[k] = v
	}
	c.CancelledTests = make(map[string]CancellationRecord, len(o.CancelledTests))
	for k, v := range o.CancelledTests {
		c.CancelledTests[k] = v
	}
	c.normalize()
	return c
}

// TestIndex returns the position of the named active test, or -1.
func (o Order) TestIndex(name string) int {
	for i, t := range o.Tests {
		if t.Name == name {
			return i
		}
	}
	return -1
}

func (o Order) HasTest(name string) bool { return o.TestIndex(name) >= 0 }

// IsTestCompleted reports whether a result exists for the test.
func (o Order) IsTestCompleted(name string) bool {
	_, ok := o.Results[name]
	return ok
}

func (o Order) IsTestCancelled(name string) bool {
	_, ok := o.CancelledTests[name]
	return ok
}

// ReadyForCompletion reports whether every active test has a result. It is a
// display signal only; completion is never gated on it.
func (o Order) ReadyForCompletion() bool {
	if len(o.Tests) == 0 {
		return false
	}
	for _, t := range o.Tests {
		if !o.IsTestCompleted(t.Name) {
			return false
		}
	}
	return true
}

// HasUnacknowledgedCritical reports whether any result still awaits acknowledgement.
func (o Order) HasUnacknowledgedCritical() bool {
	for _, r := range o.Results {
		if r.Status == ResultCritical {
			return true
		}
	}
	return false
}

// Departments returns the distinct departments of the active tests in order.
func (o Order) Departments() []string {
	var out []string
	seen := map[string]bool{}
	for _, t := range o.Tests {
		if t.Department == "" || seen[t.Department] {
			continue
		}
		seen[t.Department] = true
		out = append(out, t.Department)
	}
	return out
}

// Validate checks the structural invariants of a stored order.
func (o Order) Validate() error {
	if !o.Status.Valid() {
		return fmt.Errorf("invalid status: %q", o.Status)
	}
	var both []string
	for _, t := range o.Tests {
		if o.IsTestCancelled(t.Name) {
			both = append(both, t.Name)
		}
	}
	if len(both) > 0 {
		return fmt.Errorf("tests both active and cancelled: %s", strings.Join(both, ", "))
	}
	for name := range o.CancelledTests {
		if o.IsTestCompleted(name) {
			return fmt.Errorf("test %s has a result and cannot be cancelled", name)
		}
	}
	return nil
}
