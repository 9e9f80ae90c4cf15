// Package logging provides the logging interface and default implementations
// used by the record layer and its engines.
//
// The interface has five levels (Error, Warn, Info, Debug, Fatal). Callers can
// wrap their own structured loggers behind it.
//
// Fatalf logs at FATAL level and calls the configured FatalHandler. The
// default handler is a no-op; an Environment wires it to mark itself
// panicked so later operations are rejected. Fatalf never exits the process.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/03/02 10:12:55 WARN [table] Get: key (len=4) 07 00 00 00 = 7: deadlock, retrying (attempt 1 of 3)
//
// Component namespace prefixes:
//   - [env]    environment open/close and fatal conditions
//   - [table]  table operations and the deadlock-retry loop
//   - [cursor] cursor positioning and lifetime
//   - [txn]    transaction begin/commit/rollback
//   - [engine] engine adapters
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
// Use errors.Is(err, ErrFatal) to detect fatal errors in returned errors.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must be safe for concurrent use and must not call
// Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything including debug messages.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name as printed by Level.String. Matching is
// case-sensitive on the canonical upper-case names and also accepts the
// lower-case forms used in configuration files.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "ERROR", "error":
		return LevelError, nil
	case "WARN", "warn":
		return LevelWarn, nil
	case "INFO", "info":
		return LevelInfo, nil
	case "DEBUG", "debug":
		return LevelDebug, nil
	default:
		return LevelWarn, fmt.Errorf("logging: unknown level %q", s)
	}
}

// Logger defines the interface for record-layer logging.
//
// Implementations MUST be safe for concurrent use; table handles log from
// whichever goroutine issued the call.
type Logger interface {
	// Errorf logs a formatted error message.
	Errorf(format string, args ...any)

	// Warnf logs a formatted warning message.
	Warnf(format string, args ...any)

	// Infof logs a formatted informational message.
	Infof(format string, args ...any)

	// Debugf logs a formatted debug message.
	Debugf(format string, args ...any)

	// Fatalf logs a fatal error and triggers the fatal handler.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes to an io.Writer through log.Logger.
// Level is read-only after construction.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a new logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	if l.level >= LevelError {
		_ = l.logger.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	if l.level >= LevelWarn {
		_ = l.logger.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		_ = l.logger.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		_ = l.logger.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Fatalf logs a fatal error and triggers the fatal handler.
// Fatal messages are never filtered by level.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// FatalHandlerSetter is implemented by loggers that accept a FatalHandler.
type FatalHandlerSetter interface {
	SetFatalHandler(h FatalHandler)
}

// Namespace prefixes for log messages.
const (
	// NSEnv is the namespace for environment operations.
	NSEnv = "[env] "
	// NSTable is the namespace for table operations and retries.
	NSTable = "[table] "
	// NSCursor is the namespace for cursor operations.
	NSCursor = "[cursor] "
	// NSTxn is the namespace for transaction operations.
	NSTxn = "[txn] "
	// NSEngine is the namespace for engine adapters.
	NSEngine = "[engine] "
)

// IsNil returns true if the logger is nil or a typed-nil.
// A typed-nil occurs when a nil pointer is assigned to an interface:
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if it is usable, otherwise a WARN-level logger on stderr.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
