package logger

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

// SentryConfig holds Sentry integration configuration.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// InitSentry initialises the global Sentry client. It returns false without
// error when the DSN is empty so local runs need no Sentry project.
func InitSentry(cfg SentryConfig) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	}); err != nil {
		return false, fmt.Errorf("sentry init: %w", err)
	}
	return true, nil
}

// FlushSentry waits up to timeout for buffered Sentry events to be sent.
func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}

// SentryHook forwards error-level (and above) log entries to Sentry as
// messages. Lower levels are ignored.
type SentryHook struct {
	hub *sentry.Hub
}

// NewSentryHook creates a hook bound to the given hub. A nil hub uses the
// current global hub.
func NewSentryHook(hub *sentry.Hub) SentryHook {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return SentryHook{hub: hub}
}

// Run implements zerolog.Hook.
func (h SentryHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.ErrorLevel || msg == "" {
		return
	}
	h.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(level))
		h.hub.CaptureMessage(msg)
	})
}

// CapturePanic reports a recovered panic value to Sentry and reports whether
// a client took it. It is a no-op returning false when Sentry has not been
// initialised.
func CapturePanic(recovered any, tags map[string]string) bool {
	return capturePanic(sentry.CurrentHub(), recovered, tags)
}

func capturePanic(hub *sentry.Hub, recovered any, tags map[string]string) bool {
	if hub.Client() == nil {
		return false
	}
	hub = hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.Recover(recovered)
	})
	return true
}

// LogPanic reports a recovered panic to Sentry and logs it with the stack.
// The entry is written at warn once Sentry holds the panic event, so the
// SentryHook does not send a second, stackless message for it.
func LogPanic(log zerolog.Logger, recovered any, tags map[string]string, msg string) {
	logPanic(sentry.CurrentHub(), log, recovered, tags, msg)
}

func logPanic(hub *sentry.Hub, log zerolog.Logger, recovered any, tags map[string]string, msg string) {
	var ev *zerolog.Event
	if capturePanic(hub, recovered, tags) {
		ev = log.Warn().Bool("sentry_reported", true)
	} else {
		ev = log.Error()
	}
	for k, v := range tags {
		ev = ev.Str(k, v)
	}
	ev.Interface("panic", recovered).
		Bytes("stack", debug.Stack()).
		Msg(msg)
}

// CaptureError reports an unexpected error to Sentry with the given tags.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}

func sentryLevel(level zerolog.Level) sentry.Level {
	switch level {
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}
