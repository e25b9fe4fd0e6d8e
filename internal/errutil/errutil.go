package errutil

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/zgpcy/github-billing-exporter/internal/config"
	"github.com/zgpcy/github-billing-exporter/internal/logger"
	"github.com/zgpcy/github-billing-exporter/internal/version"
)

// InitSentry configures error reporting. An empty DSN leaves reporting off.
func InitSentry(cfg config.Sentry) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         string(cfg.DSN),
		Environment: cfg.Environment,
		Release:     version.Version,
	}); err != nil {
		return false, goerr.Wrap(err, "failed to initialize sentry")
	}

	return true, nil
}

// Flush waits for buffered events to be delivered
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// Handle logs err and sends it to Sentry when reporting is configured.
// The goerr values attached to err become Sentry extras.
func Handle(ctx context.Context, log *logger.Logger, msg string, err error) {
	if err == nil {
		return
	}

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		if goErr := goerr.Unwrap(err); goErr != nil {
			for k, v := range goErr.Values() {
				scope.SetExtra(fmt.Sprintf("%v", k), v)
			}
		}
	})

	attrs := []any{"error", err}
	if hub.Client() != nil {
		if evID := hub.CaptureException(err); evID != nil {
			attrs = append(attrs, "sentry.EventID", *evID)
		}
	}

	if goErr := goerr.Unwrap(err); goErr != nil {
		for k, v := range goErr.Values() {
			attrs = append(attrs, fmt.Sprintf("%v", k), v)
		}
	}

	log.ErrorContext(ctx, msg, attrs...)
}
