package auditqueue

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Sink receives entries the queue could not persist remotely.
type Sink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, dl DeadLetter) error

func (f SinkFunc) Record(ctx context.Context, dl DeadLetter) error { return f(ctx, dl) }

// LogSink writes dead letters to the process log with the full entry.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, dl DeadLetter) error {
	s.logger.Error().
		Str("type", "audit_dead_letter").
		Str("entry_id", dl.Entry.ID).
		Str("action", string(dl.Entry.Action)).
		Str("user_id", dl.Entry.UserID).
		Int("attempts", dl.Attempts).
		Str("reason", dl.Reason).
		Interface("details", dl.Entry.Details).
		Time("timestamp", dl.Entry.Timestamp).
		Msg("audit entry dropped")
	return nil
}

// MultiSink records to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
