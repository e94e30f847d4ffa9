package errreport

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards errors to Sentry. The zero value and a Reporter built from an empty
// DSN drop everything.
type Reporter struct {
	enabled bool
}

// New initializes the Sentry SDK when dsn is non-empty.
func New(dsn, environment, release string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return &Reporter{enabled: true}, nil
}

// Capture reports err tagged with the component that raised it.
func (r *Reporter) Capture(component string, err error) {
	if r == nil || !r.enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		sentry.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value.
func (r *Reporter) CapturePanic(component string, recovered any) {
	if r == nil || !r.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureException(fmt.Errorf("panic: %v", recovered))
	})
}

// Flush waits for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	sentry.Flush(timeout)
}
