package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"TRACE":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelWarn,
		"verbose": slog.LevelWarn,
	}
	for in, exp := range tests {
		assert.Equal(t, exp, ParseLevel(in), in)
	}
}

func TestOpenFileDestination(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "run.log")

	w, err := Open("file", logPath)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestOpenUnknownDestination(t *testing.T) {
	_, err := Open("syslog", "")
	assert.Error(t, err)
}
