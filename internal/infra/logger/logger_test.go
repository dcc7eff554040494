package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"athena/internal/infra/config"
)

func TestNewFileJSONLoggerCarriesService(t *testing.T) {
	path := filepath.Join(t.TempDir(), "athena.log")
	log, closer, err := New(
		config.LoggerConfig{Level: "info", Format: "json", Output: path},
		config.ServiceConfig{Name: "athena", Environment: "test"},
	)
	require.NoError(t, err)

	log.Info("run admitted", "run_id", "r1")
	log.Debug("suppressed")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "run admitted", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "athena", entry["service"])
	assert.Equal(t, "test", entry["env"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputBadPath(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")}, config.ServiceConfig{})
	assert.Error(t, err)
}
