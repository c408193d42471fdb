package utils

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter is the fire-and-forget error sink. Report must not block on
// delivery and must not fail.
type Reporter interface {
	Report(err error, context string)
}

// ErrorReporter logs every error and, when a Sentry DSN is configured,
// forwards it to Sentry tagged with the context and cluster.
type ErrorReporter struct {
	logger  *slog.Logger
	cluster string
	sentry  bool
}

// NewErrorReporter creates a reporter. An empty dsn keeps reports local.
func NewErrorReporter(logger *slog.Logger, dsn, cluster string) (*ErrorReporter, error) {
	r := &ErrorReporter{logger: logger, cluster: cluster}
	if dsn == "" {
		return r, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: cluster,
	}); err != nil {
		return r, fmt.Errorf("failed to init sentry: %w", err)
	}
	r.sentry = true
	return r, nil
}

func (r *ErrorReporter) Report(err error, context string) {
	r.logger.Error(context, "err", err, "cluster", r.cluster)
	if !r.sentry {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("context", context)
		scope.SetTag("cluster", r.cluster)
		sentry.CaptureException(err)
	})
}

// Flush waits for queued Sentry events, at most timeout.
func (r *ErrorReporter) Flush(timeout time.Duration) {
	if r.sentry {
		sentry.Flush(timeout)
	}
}
