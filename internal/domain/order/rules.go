package order

import (
	"fmt"
	"time"
)

// transitions defines the forward edges of the order workflow. Terminal
// statuses have no outgoing edges.
var transitions = map[Status][]Status{
	StatusSampleCollected: {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
	StatusCompleted:       {},
	StatusCancelled:       {},
}

// CanTransition reports whether from -> to is a modeled edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to Status) error {
	if _, ok := transitions[from]; !ok {
		return fmt.Errorf("unknown from-status: %s", from)
	}
	if !to.Valid() {
		return fmt.Errorf("unknown target status: %s", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Event names recorded on the order history.
const (
	EventCreated          = "created"
	EventStatusChanged    = "status_changed"
	EventCancelled        = "cancelled"
	EventTestCancelled    = "test_cancelled"
	EventResultEntered    = "result_entered"
	EventCriticalAcked    = "critical_acknowledged"
	EventAutoCancelled    = "auto_cancelled"
	cancellationRecStatus = "cancelled"
)

// NewCancellation builds the record stored under cancelledTests.
func NewCancellation(reason, by string, at time.Time) CancellationRecord {
	return CancellationRecord{
		CancelledAt: at,
		CancelledBy: by,
		Reason:      reason,
		Status:      cancellationRecStatus,
	}
}
