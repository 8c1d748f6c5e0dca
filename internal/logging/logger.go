// Package logging builds the slog loggers used by every runtime component.
// Output goes to the console, to a size-rotated file, or both.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Output formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

const bytesPerMB = 1 << 20

// Config selects level, format and destinations
type Config struct {
	Level      slog.Level
	Format     string // FormatJSON unless FormatText
	FilePath   string // empty disables the file sink
	MaxSize    int64  // MB before the file rotates, 0 never rotates
	MaxBackups int
	Console    bool
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger builds a logger for cfg. The closer releases the log file and
// is a no-op when cfg has no file sink. The console is used when no sink is
// selected at all.
func NewLogger(cfg Config) (*slog.Logger, io.Closer, error) {
	out, closer, err := openOutput(cfg)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(newHandler(out, cfg)), closer, nil
}

// SetDefault installs NewLogger(cfg) as the slog default
func SetDefault(cfg Config) (io.Closer, error) {
	logger, closer, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

// Component tags logger with the component name. A nil logger means the
// slog default.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func openOutput(cfg Config) (io.Writer, io.Closer, error) {
	if cfg.FilePath == "" {
		return os.Stdout, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, nil, err
	}
	file, err := NewRotatingFileWriter(cfg.FilePath, cfg.MaxSize*bytesPerMB, cfg.MaxBackups)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Console {
		return io.MultiWriter(os.Stdout, file), file, nil
	}
	return file, file, nil
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if strings.EqualFold(cfg.Format, FormatText) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
