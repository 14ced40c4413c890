package optimistic

import "context"

// Handle tracks one applied patch until its remote write resolves.
type Handle struct {
	OrderID string
	Seq     uint64

	done chan struct{}
	err  error
}

// Done is closed once the remote write has succeeded or failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the remote write's outcome. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the write resolves and returns its outcome.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
