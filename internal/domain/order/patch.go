package order

import (
	"slices"
	"sort"
	"time"

	"github.com/ehr/labops/internal/platform/docstore"
)

// Patch is a partial update to one order. It is applied locally as an
// optimistic overlay and sent remotely as field-level operations, so results
// and cancellations only ever touch their own test's key. Tests are removed
// by name against whatever array the store holds at write time, never by
// resending the whole list.
type Patch struct {
	Status      *Status
	RemoveTests []string
	Results     map[string]Result
	Cancelled   map[string]CancellationRecord
	History     []HistoryEvent
	UpdatedAt   time.Time
}

// WithStatus sets the target status.
func (p Patch) WithStatus(s Status) Patch {
	p.Status = &s
	return p
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && len(p.RemoveTests) == 0 && len(p.Results) == 0 &&
		len(p.Cancelled) == 0 && len(p.History) == 0 && p.UpdatedAt.IsZero()
}

// ApplyTo returns o with the patch applied. o is not modified.
func (p Patch) ApplyTo(o Order) Order {
	out := o.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if len(p.RemoveTests) > 0 {
		kept := make([]TestRef, 0, len(out.Tests))
		for _, t := range out.Tests {
			if !slices.Contains(p.RemoveTests, t.Name) {
				kept = append(kept, t)
			}
		}
		out.Tests = kept
	}
	for name, r := range p.Results {
		out.Results[name] = r
	}
	for name, c := range p.Cancelled {
		out.CancelledTests[name] = c
	}
	out.History = append(out.History, p.History...)
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = p.UpdatedAt
	}
	return out
}

// Ops renders the patch as remote field operations in a stable order.
func (p Patch) Ops() docstore.Patch {
	var ops docstore.Patch
	if p.Status != nil {
		ops = append(ops, docstore.Field("status").Set(*p.Status))
	}
	if len(p.RemoveTests) > 0 {
		ops = append(ops, docstore.Field("tests").RemoveWhere("name", p.RemoveTests...))
	}
	for _, name := range sortedKeys(p.Results) {
		ops = append(ops, docstore.Field("results", name).Set(p.Results[name]))
	}
	for _, name := range sortedKeys(p.Cancelled) {
		ops = append(ops, docstore.Field("cancelledTests", name).Set(p.Cancelled[name]))
	}
	if len(p.History) > 0 {
		events := make([]any, 0, len(p.History))
		for _, h := range p.History {
			events = append(events, h)
		}
		ops = append(ops, docstore.Field("history").Append(events...))
	}
	if !p.UpdatedAt.IsZero() {
		ops = append(ops, docstore.Field("updatedAt").Set(p.UpdatedAt))
	}
	return ops
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
