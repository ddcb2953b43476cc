// Package logger provides the process-wide structured logger.
package logger

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	globalLogger = zerolog.Nop()
	logFile      *os.File
	mu           sync.RWMutex
)

// Options configures Init.
type Options struct {
	// Console, when set, receives human-readable output in addition to the file.
	Console io.Writer
	// Level is a zerolog level name; empty means debug.
	Level string
	// Fields are attached to every entry, e.g. correlation_id.
	Fields map[string]interface{}
}

// Init initializes the global logger with the specified log file path.
func Init(logPath string) error {
	return InitWithOptions(logPath, Options{})
}

// InitWithOptions initializes the global logger writing JSON lines to logPath.
func InitWithOptions(logPath string, opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create log file")
	}
	logFile = f

	var out io.Writer = f
	if opts.Console != nil {
		console := zerolog.ConsoleWriter{Out: opts.Console, TimeFormat: "15:04:05.000"}
		out = zerolog.MultiLevelWriter(f, console)
	}

	level := zerolog.DebugLevel
	if opts.Level != "" {
		if parsed, err := zerolog.ParseLevel(opts.Level); err == nil {
			level = parsed
		}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if len(opts.Fields) > 0 {
		ctx = ctx.Fields(opts.Fields)
	}
	globalLogger = ctx.Logger()
	return nil
}

// SetOutput replaces the logger with one writing JSON lines to w. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	globalLogger = zerolog.New(w).With().Timestamp().Logger()
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	globalLogger = zerolog.Nop()
}

// L returns the current logger for structured use.
func L() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return globalLogger
}

// With returns a child logger carrying the given fields.
func With(fields map[string]interface{}) zerolog.Logger {
	l := L()
	return l.With().Fields(fields).Logger()
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	l := L()
	l.Info().Msgf(format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	l := L()
	l.Debug().Msgf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	l := L()
	l.Error().Msgf(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	l := L()
	l.Warn().Msgf(format, v...)
}

// GetWriter returns the underlying file for subprocesses that write raw output.
func GetWriter() io.Writer {
	mu.RLock()
	defer mu.RUnlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}

// LineWriter turns a byte stream (e.g. subprocess stderr) into one log entry
// per non-empty line.
type LineWriter struct {
	msg    string
	fields map[string]interface{}

	mu     sync.Mutex
	buffer []byte
}

// NewLineWriter returns a LineWriter logging each line with msg and fields.
func NewLineWriter(msg string, fields map[string]interface{}) *LineWriter {
	return &LineWriter{msg: msg, fields: fields}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = append(w.buffer, p...)
	for {
		i := bytes.IndexByte(w.buffer, '\n')
		if i == -1 {
			break
		}
		line := strings.TrimSpace(string(w.buffer[:i]))
		w.buffer = w.buffer[i+1:]
		if line != "" {
			l := With(w.fields)
			l.Debug().Str("line", line).Int64("timestamp_ns", time.Now().UTC().UnixNano()).Msg(w.msg)
		}
	}
	return len(p), nil
}
