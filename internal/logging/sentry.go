package logging

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	envSentry      = "FRIEDN_AGENT_SENTRY"
	envSentryDSN   = "FRIEDN_AGENT_SENTRY_DSN"
	envEnvironment = "FRIEDN_AGENT_ENVIRONMENT"
)

var sentryEnabled atomic.Bool

// InitSentry starts error reporting when the user opted in, through the
// crash-reporting setting or FRIEDN_AGENT_SENTRY=1, and a DSN is known.
// FRIEDN_AGENT_SENTRY=0 always wins. It reports whether reporting is on.
func InitSentry(version, dsn string, optedIn bool) bool {
	if !reportingWanted(optedIn) {
		return false
	}
	if env := os.Getenv(envSentryDSN); env != "" {
		dsn = env
	}
	if dsn == "" {
		return false
	}

	if err := sentry.Init(clientOptions(version, dsn)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}
	sentryEnabled.Store(true)
	return true
}

// reportingWanted applies the environment override to the user's choice.
func reportingWanted(optedIn bool) bool {
	switch os.Getenv(envSentry) {
	case "1":
		return true
	case "0":
		return false
	}
	return optedIn
}

func clientOptions(version, dsn string) sentry.ClientOptions {
	env := os.Getenv(envEnvironment)
	if env == "" {
		env = "production"
	}
	return sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "friedn-agent@" + version,
		Environment:      env,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
		BeforeSend:       scrubEvent,
	}
}

// scrubEvent drops what identifies the user's machine.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.ServerName = ""
	event.User = sentry.User{}
	return event
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled.Load()
}

// FlushSentry delivers buffered events. Call it before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled.Load() {
		sentry.Flush(timeout)
	}
}

// withAttempt runs fn with a scope tagged with attempt a.
func withAttempt(a Attempt, fn func(scope *sentry.Scope)) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range a.tags() {
			scope.SetTag(k, v)
		}
		if f := a.fields(); f != nil {
			scope.SetContext("provisioning", f)
		}
		fn(scope)
	})
}

// CapturePanic reports a recovered panic and flushes right away, since the
// process may be about to exit.
func CapturePanic(panicValue interface{}, stack []byte, where string) {
	if !sentryEnabled.Load() {
		return
	}

	withAttempt(CurrentAttempt(), func(scope *sentry.Scope) {
		scope.SetTag("panic_context", where)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
			return
		}
		sentry.CaptureMessage(fmt.Sprint(panicValue))
	})
	sentry.Flush(2 * time.Second)
}

// CaptureError reports err. where names the failing operation and groups
// events with the same cause.
func CaptureError(err error, where string, data map[string]interface{}) {
	if !sentryEnabled.Load() || err == nil {
		return
	}

	captureError(err, where, CurrentAttempt(), data)
}

// CaptureAttemptError reports err for an attempt that has already ended.
func CaptureAttemptError(err error, where string, a Attempt, data map[string]interface{}) {
	if !sentryEnabled.Load() || err == nil {
		return
	}
	captureError(err, where, a, data)
}

func captureError(err error, where string, a Attempt, data map[string]interface{}) {
	withAttempt(a, func(scope *sentry.Scope) {
		scope.SetTag("error_context", where)
		scope.SetFingerprint([]string{"{{ default }}", where})
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
