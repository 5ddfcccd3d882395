package errors

import (
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryOnce sync.Once
var sentryReady bool

func initSentry() {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return
	}
	err := sentry.Init(sentry.ClientOptions{Dsn: dsn})
	sentryReady = err == nil
}

// Fatal reports an InvariantViolationError (or any unexpected error) to
// Sentry, if SENTRY_DSN is configured, then returns it unchanged so the
// caller can panic or propagate. It never blocks startup on a missing DSN.
func Fatal(err error) error {
	sentryOnce.Do(initSentry)
	if sentryReady {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
	}
	return err
}
