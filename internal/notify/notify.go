// Package notify delivers operator reports such as the daily statistics.
package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Notifier sends a plain-text report to a list of recipients.
type Notifier interface {
	Send(ctx context.Context, subject, body string, to []string) error
}

// Log writes reports to the logger instead of sending them.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("notify")}
}

func (l *Log) Send(_ context.Context, subject, body string, to []string) error {
	l.log.Info(subject,
		zap.Strings("to", to),
		zap.Int("lines", strings.Count(body, "\n")),
		zap.String("body", body),
	)
	return nil
}
