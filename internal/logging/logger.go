// Package logging provides the logging interface and default implementations for tabletkv.
//
// Design: Five-level interface (Error, Warn, Info, Debug, Fatal). The default
// implementation is backed by zerolog; callers can wrap their own structured
// loggers if needed.
//
// Fatalf behavior: logs at FATAL level and calls the configured FatalHandler.
// It never exits the process. tabletd wires the handler to cancel the serve
// command, which stops the compaction manager and closes every tablet.
//
// Component namespace prefixes are used for filtering:
//   - [compact] compaction policy and task execution
//   - [manager] compaction scheduling and admission
//   - [tablet] tablet lifecycle and rowset registration
//   - [meta] tablet meta persistence
//   - [rowset] rowset segment reading and writing
//   - [admin] admin HTTP surface
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrFatal is the sentinel error wrapped by fatal conditions.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must be safe for concurrent use and must not call Fatalf.
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

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO", "":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelDebug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger defines the interface for subsystem logging.
//
// Implementations MUST be safe for concurrent use: compaction workers log
// from many goroutines at once.
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

// DefaultLogger writes leveled records through zerolog.
// Level is read-only after construction.
type DefaultLogger struct {
	zl           zerolog.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a console logger on stderr with the given level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewConsoleLogger(os.Stderr, level)
}

// NewLogger creates a JSON logger writing to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	zl := zerolog.New(w).With().Timestamp().Logger().Level(level.zerolog())
	return &DefaultLogger{zl: zl, level: level}
}

// NewConsoleLogger creates a human-readable logger writing to w.
// Output format: <time> <LVL> [component] message
func NewConsoleLogger(w io.Writer, level Level) *DefaultLogger {
	cw := zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "2006/01/02 15:04:05"}
	zl := zerolog.New(cw).With().Timestamp().Logger().Level(level.zerolog())
	return &DefaultLogger{zl: zl, level: level}
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
	l.zl.Error().Msgf(format, args...)
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

// Fatalf logs at fatal level and calls the fatal handler.
// zerolog's Fatal() would exit the process, so the event is built with WithLevel.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.zl.WithLevel(zerolog.FatalLevel).Msg(msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes for log messages.
const (
	// NSCompact is the namespace for compaction policy and task execution.
	NSCompact = "[compact] "
	// NSManager is the namespace for compaction scheduling.
	NSManager = "[manager] "
	// NSTablet is the namespace for tablet operations.
	NSTablet = "[tablet] "
	// NSMeta is the namespace for tablet meta persistence.
	NSMeta = "[meta] "
	// NSRowset is the namespace for rowset segment I/O.
	NSRowset = "[rowset] "
	// NSAdmin is the namespace for the admin HTTP surface.
	NSAdmin = "[admin] "
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

// OrDefault returns l if it is usable, otherwise a WARN-level console logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
