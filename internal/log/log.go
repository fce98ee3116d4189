// Package log provides structured logging for pearlywhite.
// It wraps slog and fans records out to the terminal and, while a
// recording session runs, to a JSON log file next to the dataset.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

var (
	mu     sync.Mutex
	level  = new(slog.LevelVar)
	out    io.Writer = os.Stderr
	file   *fileSink
	logger *slog.Logger
)

// fileSink is the log file writer. Loggers derived before CloseFile keep
// a reference to it, so once closed it drops records instead of writing to
// a closed file.
type fileSink struct {
	mu sync.Mutex
	f  *os.File
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return len(p), nil
	}
	return s.f.Write(p)
}

func (s *fileSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init sets the level and the terminal writer and rebuilds the logger.
func Init(lvl string, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	level.Set(ParseLevel(lvl))
	if w != nil {
		out = w
	}
	rebuild()
}

// SetOutput redirects terminal output, e.g. to io.Discard while a
// full-screen UI owns the terminal.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	rebuild()
}

// OpenFile starts appending JSON records to path in addition to the terminal.
// Any previously opened file is closed.
func OpenFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	prev := file
	file = &fileSink{f: f}
	rebuild()
	if prev != nil {
		prev.close()
	}
	return nil
}

// CloseFile stops writing to the log file. The handler is swapped before
// the file is closed; records still sent through older loggers are dropped.
func CloseFile() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	prev := file
	file = nil
	rebuild()
	return prev.close()
}

func rebuild() {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(out, opts)}
	if file != nil {
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}
	logger = slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
}

// L returns the global logger instance.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		rebuild()
	}
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
