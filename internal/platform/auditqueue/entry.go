package auditqueue

import "time"

// Action names the kind of mutating operation an entry records.
type Action string

const (
	ActionOrderCreated              Action = "OrderCreated"
	ActionOrderStatusChanged        Action = "OrderStatusChanged"
	ActionOrderCancelled            Action = "OrderCancelled"
	ActionTestCancelled             Action = "TestCancelled"
	ActionResultEntered             Action = "ResultEntered"
	ActionCriticalValueAcknowledged Action = "CriticalValueAcknowledged"
)

// Origin is the client context captured for forensic review.
type Origin struct {
	UserAgent string `json:"userAgent,omitempty"`
	View      string `json:"view,omitempty"`
	RemoteIP  string `json:"remoteIp,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Entry is one audit log document. Entries are immutable once enqueued.
// CreatedAt is left empty by clients and filled in by the store.
type Entry struct {
	ID        string         `json:"entryId"`
	Action    Action         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
	Origin    Origin         `json:"origin"`
}

// DeadLetter is an entry the queue gave up on.
type DeadLetter struct {
	Entry    Entry     `json:"entry"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}
