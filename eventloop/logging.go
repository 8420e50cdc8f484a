package eventloop

import (
	"sync"

	"github.com/rs/zerolog"
)

// globalLogger is the package default, used by loops created without
// WithLogger. It starts as a no-op so importing this package never writes
// to stdout on its own.
var globalLogger struct {
	sync.RWMutex
	logger zerolog.Logger
}

func init() {
	globalLogger.logger = zerolog.Nop()
}

// SetGlobalLogger overrides the package-wide default logger used by loops
// that were not given an explicit WithLogger option.
func SetGlobalLogger(logger zerolog.Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

func getGlobalLogger() zerolog.Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	return globalLogger.logger
}

// loopLogger returns l's configured logger, or the package default if none
// was set via WithLogger. No loop-identity field is added.
func (l *Loop) loopLogger() zerolog.Logger {
	if l.opts.logger != nil {
		return *l.opts.logger
	}
	return getGlobalLogger()
}

// logTimerScheduled logs a timer being armed.
func (l *Loop) logTimerScheduled(timerID uint64, deadline int64) {
	l.loopLogger().Debug().
		Str("category", "timer").
		Uint64("timer_id", timerID).
		Int64("deadline_unix_ns", deadline).
		Msg("timer scheduled")
}

// logTimerFired logs a timer callback being invoked.
func (l *Loop) logTimerFired(timerID uint64) {
	l.loopLogger().Debug().
		Str("category", "timer").
		Uint64("timer_id", timerID).
		Msg("timer fired")
}

// logTimerCanceled logs a timer being dropped before it fired.
func (l *Loop) logTimerCanceled(timerID uint64) {
	l.loopLogger().Debug().
		Str("category", "timer").
		Uint64("timer_id", timerID).
		Msg("timer canceled")
}

// logCommandPanicked logs a recovered command panic.
func (l *Loop) logCommandPanicked(err *PanicError) {
	l.loopLogger().Error().
		Str("category", "command").
		Bytes("stack", err.Stack).
		Interface("panic", err.Value).
		Msg("command panicked")
}

// logPollError logs a readiness-poller error.
func (l *Loop) logPollError(err error, critical bool) {
	ev := l.loopLogger().Warn()
	if critical {
		ev = l.loopLogger().Error()
	}
	ev.Str("category", "poll").Err(err).Bool("critical", critical).Msg("poll error")
}

// logFdWatch logs fd registration changes.
func (l *Loop) logFdWatch(category string, fd int) {
	l.loopLogger().Debug().
		Str("category", "fd").
		Str("op", category).
		Int("fd", fd).
		Msg("fd watch changed")
}
