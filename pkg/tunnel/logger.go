package tunnel

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// LogLevel specifies the level of spew that should go to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel. Its behavior is undefined.
	LogLevelUnknown LogLevel = iota
	LogLevelError
	LogLevelWarning
	LogLevelInfo
	LogLevelDebug
	LogLevelTrace
)

var logLevelNames = [...]string{"unknown", "error", "warning", "info", "debug", "trace"}

var zerologLevels = [...]zerolog.Level{
	zerolog.Disabled,
	zerolog.ErrorLevel,
	zerolog.WarnLevel,
	zerolog.InfoLevel,
	zerolog.DebugLevel,
	zerolog.TraceLevel,
}

// StringToLogLevel converts a string to a LogLevel, returning LogLevelUnknown
// if the string does not name a known level.
func StringToLogLevel(s string) LogLevel {
	for i, name := range logLevelNames {
		if strings.EqualFold(name, s) {
			return LogLevel(i)
		}
	}
	return LogLevelUnknown
}

func (l LogLevel) String() string {
	if l < LogLevelUnknown || int(l) >= len(logLevelNames) {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[l]
}

// Logger is a leveled, prefix-forking logging interface. Every proxy,
// client socket and registry entry is handed a Logger forked from its
// owner's, so log lines read as a breadcrumb trail ("tunnel#t1: client#7:
// read error").
type Logger interface {
	// Logf outputs to the Logger iff logLevel is enabled.
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ILogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})
	TLogf(f string, args ...interface{})

	// Errorf returns an error whose message has the Logger's prefix, and
	// logs it at LogLevelError.
	Errorf(f string, args ...interface{}) error

	// Sprintf returns a string with the Logger's prefix prepended.
	Sprintf(f string, args ...interface{}) string

	// Fork creates a new Logger with an additional prefix component appended
	// to this Logger's prefix.
	Fork(prefix string, args ...interface{}) Logger

	// Prefix returns the Logger's prefix string.
	Prefix() string

	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)
}

// BasicLogger is the reference Logger implementation. It carries a
// zerolog.Logger as its output sink so that log lines are structured
// (leveled, fielded, machine-parseable) rather than raw text, while
// preserving the prefix/Fork/level-gate API the rest of this package is
// written against.
type BasicLogger struct {
	prefix   string
	zl       zerolog.Logger
	logLevel LogLevel
}

// NewLogger creates a new Logger with the given prefix and level, writing
// structured JSON lines to os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return NewLoggerWithSink(zl, prefix, logLevel)
}

// NewLoggerWithSink creates a new Logger wrapping an existing zerolog.Logger,
// for callers that want console-pretty output, a test buffer, or a shared
// sink across multiple Logger trees.
func NewLoggerWithSink(zl zerolog.Logger, prefix string, logLevel LogLevel) Logger {
	if prefix != "" {
		zl = zl.With().Str("component", prefix).Logger()
	}
	return &BasicLogger{prefix: prefix, zl: zl, logLevel: logLevel}
}

func (l *BasicLogger) event(logLevel LogLevel) *zerolog.Event {
	idx := logLevel
	if idx < LogLevelUnknown || int(idx) >= len(zerologLevels) {
		idx = LogLevelUnknown
	}
	return l.zl.WithLevel(zerologLevels[idx])
}

// Logf outputs to the Logger iff logLevel is enabled.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	if logLevel <= l.logLevel {
		l.event(logLevel).Msg(fmt.Sprintf(f, args...))
	}
}

func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }
func (l *BasicLogger) TLogf(f string, args ...interface{}) { l.Logf(LogLevelTrace, f, args...) }

// Errorf returns an error with this Logger's prefix, and logs it at
// LogLevelError.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	l.event(LogLevelError).Msg(msg)
	return fmt.Errorf("%s", msg)
}

// Sprintf returns a string that has the Logger's prefix.
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	if l.prefix == "" {
		return fmt.Sprintf(f, args...)
	}
	return l.prefix + ": " + fmt.Sprintf(f, args...)
}

// Fork creates a new Logger with an additional prefix component.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	suffix := fmt.Sprintf(prefix, args...)
	newPrefix := suffix
	if l.prefix != "" {
		newPrefix = l.prefix + ": " + suffix
	}
	return NewLoggerWithSink(l.zl, newPrefix, l.logLevel)
}

// Prefix returns the Logger's prefix string (without the ": " trailer).
func (l *BasicLogger) Prefix() string { return l.prefix }

// GetLogLevel returns the log level.
func (l *BasicLogger) GetLogLevel() LogLevel { return l.logLevel }

// SetLogLevel sets the log level.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) { l.logLevel = logLevel }
