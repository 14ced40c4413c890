package worklist

import "fmt"

// Code classifies why a mutation was refused.
type Code string

const (
	CodeNotFound             Code = "NotFound"
	CodeAlreadyTerminal      Code = "AlreadyTerminal"
	CodeInvalidTransition    Code = "InvalidTransition"
	CodeReasonRequired       Code = "ReasonRequired"
	CodeTestNotFound         Code = "TestNotFound"
	CodeTestCompleted        Code = "TestCompleted"
	CodeTestAlreadyCancelled Code = "TestAlreadyCancelled"
	CodeTestCancelled        Code = "TestCancelled"
	CodeResultNotFound       Code = "ResultNotFound"
	CodeNotCritical          Code = "NotCritical"
	CodeInvalidOrder         Code = "InvalidOrder"
)

// Rejection is returned for a request the state machine refused. A rejected
// request performs no write and emits no audit entry.
type Rejection struct {
	Code    Code
	OrderID string
	Message string
}

func (r *Rejection) Error() string {
	if r.OrderID == "" {
		return fmt.Sprintf("%s: %s", r.Code, r.Message)
	}
	return fmt.Sprintf("%s: order %s: %s", r.Code, r.OrderID, r.Message)
}

// Is matches any rejection with the same code, so callers can write
// errors.Is(err, worklist.ErrAlreadyTerminal).
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Code == r.Code
}

var (
	ErrNotFound             = &Rejection{Code: CodeNotFound, Message: "order not found"}
	ErrAlreadyTerminal      = &Rejection{Code: CodeAlreadyTerminal, Message: "order is already completed or cancelled"}
	ErrInvalidTransition    = &Rejection{Code: CodeInvalidTransition, Message: "transition not allowed"}
	ErrReasonRequired       = &Rejection{Code: CodeReasonRequired, Message: "a cancellation reason is required"}
	ErrTestNotFound         = &Rejection{Code: CodeTestNotFound, Message: "test not on order"}
	ErrTestCompleted        = &Rejection{Code: CodeTestCompleted, Message: "test already has a result"}
	ErrTestAlreadyCancelled = &Rejection{Code: CodeTestAlreadyCancelled, Message: "test already cancelled"}
	ErrTestCancelled        = &Rejection{Code: CodeTestCancelled, Message: "test was cancelled"}
	ErrResultNotFound       = &Rejection{Code: CodeResultNotFound, Message: "no result entered for test"}
	ErrNotCritical          = &Rejection{Code: CodeNotCritical, Message: "result is not awaiting acknowledgement"}
	ErrInvalidOrder         = &Rejection{Code: CodeInvalidOrder, Message: "invalid order"}
)

func reject(code Code, orderID, format string, args ...any) *Rejection {
	return &Rejection{Code: code, OrderID: orderID, Message: fmt.Sprintf(format, args...)}
}
