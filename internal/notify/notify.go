// Package notify delivers operator notifications. Delivery is best effort:
// callers log a returned error and carry on.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// Severities understood by every notifier.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Notifier sends one message.
type Notifier interface {
	Notify(ctx context.Context, message, severity string) error
}

// Log writes notifications to a zerolog logger at the matching level.
type Log struct {
	log zerolog.Logger
}

// NewLog creates a log notifier.
func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log.With().Str("component", "notify").Logger()}
}

// Notify implements Notifier. It never fails.
func (l *Log) Notify(_ context.Context, message, severity string) error {
	var ev *zerolog.Event
	switch severity {
	case SeverityError:
		ev = l.log.Error()
	case SeverityWarning:
		ev = l.log.Warn()
	default:
		ev = l.log.Info()
	}
	ev.Str("severity", severity).Msg(message)
	return nil
}

// Multi fans a notification out to every notifier.
type Multi []Notifier

// Notify implements Notifier. All notifiers are attempted; their errors are joined.
func (m Multi) Notify(ctx context.Context, message, severity string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message, severity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
