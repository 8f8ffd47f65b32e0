// Package notify delivers session events to downstream consumers.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

// Notifier receives every committed session event.
type Notifier interface {
	Notify(ctx context.Context, evt domain.Event) error
}

// Nop discards events.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, domain.Event) error { return nil }

// Log writes a line per event.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a notifier that logs at info level.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, evt domain.Event) error {
	l.logger.Info("session event",
		zap.String("session_id", evt.SessionID),
		zap.Int64("version", evt.Version),
		zap.String("status", string(evt.Status)),
		zap.String("type", string(evt.Type)),
		zap.Int("participants", len(evt.Payload.ActiveParticipants())),
		zap.Stringer("total", evt.Payload.Totals.Total),
	)
	return nil
}

// Multi fans an event out to every notifier, joining their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, evt domain.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
