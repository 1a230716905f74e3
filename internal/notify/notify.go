// Package notify posts terminal session summaries to chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Notification is a terminal session summary.
type Notification struct {
	SessionID string
	Status    string
	Title     string
	Body      string
}

// Text renders n as a single chat message.
func (n Notification) Text() string {
	msg := fmt.Sprintf("[%s] %s (session %s)", n.Status, n.Title, n.SessionID)
	if n.Body != "" {
		msg += "\n" + n.Body
	}
	return msg
}

// Notifier delivers notifications.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier. Individual failures are
// logged and joined; one failing platform does not stop the others.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

// NewMulti creates a fan-out notifier. Nil entries are ignored.
func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of configured notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Platform() string { return "multi" }

func (m *Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			m.logger.Warn("notification failed",
				zap.String("platform", nt.Platform()),
				zap.String("session", n.SessionID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nt.Platform(), err))
		}
	}
	return errors.Join(errs...)
}
