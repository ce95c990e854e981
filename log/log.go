// Package log implements support for structured logging.
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// log.DefaultCaller + 1 for this module's leveling wrapper.
const defaultCallerUnwind = 4

// Logger is a structured logger.
type Logger struct {
	logger log.Logger
	base   log.Logger
	level  Level
	module string
	unwind int
	with   []interface{}
}

// NewDefaultLogger initializes a new logger instance with default settings.
// For usage outside tests, prefer RootLogger() from package `cmd/common`.
func NewDefaultLogger(module string) *Logger {
	logger, err := NewLogger(module, os.Stdout, FmtJSON, LevelInfo)
	if err != nil {
		// Shouldn't happen as NewLogger can only fail if an invalid format is provided.
		panic(err)
	}
	return logger
}

// NewDiscardLogger returns a logger that drops everything. Used in tests.
func NewDiscardLogger() *Logger {
	logger, _ := NewLogger("", io.Discard, FmtLogfmt, LevelError)
	return logger
}

// NewLogger initializes a new logger instance.
func NewLogger(module string, w io.Writer, format Format, lvl Level) (*Logger, error) {
	var base log.Logger
	switch format {
	case FmtLogfmt:
		base = log.NewLogfmtLogger(log.NewSyncWriter(w))
	case FmtJSON:
		base = log.NewJSONLogger(log.NewSyncWriter(w))
	default:
		return nil, fmt.Errorf("log: unsupported log format: %v", format)
	}

	l := &Logger{
		base:   base,
		level:  lvl,
		module: module,
		unwind: defaultCallerUnwind,
	}
	l.logger = l.build()
	return l, nil
}

// build assembles the go-kit logger from the base writer, the caller
// depth and the accumulated context.
func (l *Logger) build() log.Logger {
	logger := log.WithPrefix(l.base,
		"ts", log.DefaultTimestampUTC,
		"caller", log.Caller(l.unwind),
	)
	if len(l.with) > 0 {
		logger = log.With(logger, l.with...)
	}
	return logger
}

func (l *Logger) clone() *Logger {
	c := *l
	c.with = append([]interface{}{}, l.with...)
	return &c
}

// Debug logs the message and key value pairs at the Debug log level.
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if l.level > LevelDebug {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	_ = level.Debug(l.logger).Log(keyvals...)
}

// Info logs the message and key value pairs at the Info log level.
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if l.level > LevelInfo {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	_ = level.Info(l.logger).Log(keyvals...)
}

// Warn logs the message and key value pairs at the Warn log level.
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if l.level > LevelWarn {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	_ = level.Warn(l.logger).Log(keyvals...)
}

// Error logs the message and key value pairs at the Error log level.
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if l.level > LevelError {
		return
	}
	keyvals = append([]interface{}{"module", l.module, "msg", msg}, keyvals...)
	_ = level.Error(l.logger).Log(keyvals...)
}

// With returns a clone of the logger with the provided key/value pairs
// added as context for all subsequent logs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	c := l.clone()
	c.with = append(c.with, keyvals...)
	c.logger = c.build()
	return c
}

// WithModule returns a clone of the logger with the provided module
// added as context for all subsequent logs.
func (l *Logger) WithModule(module string) *Logger {
	c := l.clone()
	c.module = module
	return c
}

// WithCallerUnwind returns a clone of the logger that reports the caller
// `unwind` frames up the stack. Used when the logger is wrapped by a
// third-party logging shim.
func (l *Logger) WithCallerUnwind(unwind int) *Logger {
	c := l.clone()
	c.unwind = unwind
	c.logger = c.build()
	return c
}

// Level is the logging level.
func (l *Logger) Level() Level {
	return l.level
}

// writerIntoLogger adapts a Logger into an io.Writer. Every Write is logged
// as one Info message with trailing newlines stripped.
type writerIntoLogger struct {
	logger Logger
}

func (w writerIntoLogger) Write(p []byte) (int, error) {
	w.logger.Info(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

// WriterIntoLogger returns an io.Writer that logs everything written to it.
// Useful for libraries that log via the standard library logger.
func WriterIntoLogger(logger Logger) io.Writer {
	return writerIntoLogger{logger: logger}
}
