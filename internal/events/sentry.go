package events

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryReporter forwards error-level log entries to Sentry.
type SentryReporter struct {
	hub *sentry.Hub
}

// InitSentry configures the global Sentry client. An empty DSN disables reporting.
func InitSentry(dsn, environment string) (*SentryReporter, error) {
	if dsn == "" {
		return nil, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	return &SentryReporter{hub: sentry.CurrentHub()}, nil
}

// Report implements Reporter.
func (r *SentryReporter) Report(msg string, fields map[string]interface{}) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range fields {
			// Never ship secrets even if a caller logged one by mistake
			if k == "password" || k == "token" || k == "refresh_token" {
				continue
			}
			scope.SetExtra(k, v)
		}
		scope.SetLevel(sentry.LevelError)
		r.hub.CaptureMessage(msg)
	})
}

// FlushSentry waits for buffered events to be delivered.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}
