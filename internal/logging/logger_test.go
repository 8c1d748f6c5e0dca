package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"trace":   slog.LevelInfo,
		"":        slog.LevelInfo,
	} {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNewLoggerFileFormats(t *testing.T) {
	tests := []struct {
		name   string
		format string
		want   string
	}{
		{"json by default", "", `"item_id":"42"`},
		{"json", FormatJSON, `"item_id":"42"`},
		{"text", "TEXT", "item_id=42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logs", "run.log")
			logger, closer, err := NewLogger(Config{Level: slog.LevelDebug, Format: tt.format, FilePath: path, MaxSize: 1, MaxBackups: 2})
			require.NoError(t, err)

			logger.Debug("Review added", "source", "shop", "item_id", "42")
			require.NoError(t, closer.Close())

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Contains(t, string(data), tt.want)
			assert.Contains(t, string(data), "Review added")
		})
	}
}

func TestNewLoggerLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	logger, closer, err := NewLogger(Config{Level: slog.LevelWarn, FilePath: path})
	require.NoError(t, err)

	logger.Info("Queue depth")
	logger.Warn("Task failed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Queue depth")
	assert.Contains(t, string(data), "Task failed")
}

func TestNewLoggerConsoleOnly(t *testing.T) {
	logger, closer, err := NewLogger(Config{Console: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}

func TestSetDefault(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	path := filepath.Join(t.TempDir(), "default.log")
	closer, err := SetDefault(Config{Level: slog.LevelInfo, FilePath: path})
	require.NoError(t, err)

	slog.Info("Run completed", "mode", "items")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mode":"items"`)
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Component(base, "scheduler").Info("Queue depth")
	assert.Contains(t, buf.String(), "component=scheduler")

	assert.NotNil(t, Component(nil, "store"))
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Enabled(t.Context(), slog.LevelError))
}
