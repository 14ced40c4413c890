package worklist

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/labops/internal/domain/order"
)

type SortKey string

const (
	SortCreatedAt   SortKey = "createdAt"
	SortPatientName SortKey = "patientName"
	SortOrderID     SortKey = "orderId"
	SortPriority    SortKey = "priority"
)

type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// FilterState is the per-session view configuration. Zero fields do not filter.
type FilterState struct {
	Search     string         `json:"search,omitempty"`
	Status     order.Status   `json:"status,omitempty"`
	Priority   order.Priority `json:"priority,omitempty"`
	Department string         `json:"department,omitempty"`
	From       *time.Time     `json:"from,omitempty"`
	To         *time.Time     `json:"to,omitempty"`
	SortKey    SortKey        `json:"sortKey,omitempty"`
	SortDir    SortDir        `json:"sortDir,omitempty"`
}

// Normalize fills the default sort (newest first).
func (f FilterState) Normalize() FilterState {
	if f.SortKey == "" {
		f.SortKey = SortCreatedAt
	}
	if f.SortDir == "" {
		f.SortDir = SortDesc
	}
	f.Search = strings.TrimSpace(f.Search)
	return f
}

func (f FilterState) Validate() error {
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("invalid status filter: %s", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return fmt.Errorf("invalid priority filter: %s", f.Priority)
	}
	switch f.SortKey {
	case "", SortCreatedAt, SortPatientName, SortOrderID, SortPriority:
	default:
		return fmt.Errorf("invalid sort key: %s", f.SortKey)
	}
	switch f.SortDir {
	case "", SortAsc, SortDesc:
	default:
		return fmt.Errorf("invalid sort direction: %s", f.SortDir)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return fmt.Errorf("date range ends before it starts")
	}
	return nil
}

// Select filters and sorts orders. The input is not modified, and orders
// that compare equal keep their input order.
func Select(orders []order.Order, f FilterState) []order.Order {
	f = f.Normalize()
	needle := strings.ToLower(f.Search)

	out := make([]order.Order, 0, len(orders))
	for _, o := range orders {
		if f.Department != "" && !inDepartment(o, f.Department) {
			continue
		}
		if needle != "" && !matchesSearch(o, needle) {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Priority != "" && o.Priority != f.Priority {
			continue
		}
		if f.From != nil && o.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && o.CreatedAt.After(*f.To) {
			continue
		}
		out = append(out, o)
	}

	less := lessFunc(f.SortKey)
	desc := f.SortDir == SortDesc
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out
}

func lessFunc(key SortKey) func(a, b order.Order) bool {
	switch key {
	case SortPatientName:
		return func(a, b order.Order) bool {
			return strings.ToLower(a.PatientName) < strings.ToLower(b.PatientName)
		}
	case SortOrderID:
		return func(a, b order.Order) bool { return a.OrderID < b.OrderID }
	case SortPriority:
		return func(a, b order.Order) bool { return a.Priority.Rank() < b.Priority.Rank() }
	default:
		return func(a, b order.Order) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
}

func inDepartment(o order.Order, dept string) bool {
	for _, d := range o.Departments() {
		if strings.EqualFold(d, dept) {
			return true
		}
	}
	return false
}

// matchesSearch does a case-insensitive substring match over the order code,
// patient and test departments.
func matchesSearch(o order.Order, needle string) bool {
	fields := append([]string{o.OrderID, o.PatientName, o.PatientID}, o.Departments()...)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// View composes the cached snapshot with pending overlays.
type View struct {
	orders  OrderReader
	overlay Overlayer
}

func NewView(orders OrderReader, overlay Overlayer) *View {
	return &View{orders: orders, overlay: overlay}
}

// Visible returns the effective orders that pass f, sorted.
func (v *View) Visible(f FilterState) []order.Order {
	return Select(v.overlay.OverlayAll(v.orders.Snapshot()), f)
}

// Order returns the effective state of one order.
func (v *View) Order(id string) (order.Order, bool) {
	o, ok := v.orders.Get(id)
	if !ok {
		return order.Order{}, false
	}
	return v.overlay.Overlay(o), true
}
