package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	logger, err := NewLogger(Config{Level: "info", Format: FormatJSON, OutputPaths: []string{path}})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("node transition", zap.String("node", "cluster"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"node":"cluster"`)
	assert.Contains(t, out, `"logger":"clusterboot"`)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	grid := map[string]zapcore.Level{
		"":      zapcore.WarnLevel,
		"DEBUG": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"Error": zapcore.ErrorLevel,
	}
	for in, want := range grid {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, FormatConsole, cfg.Format)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)

	_, err := NewLogger(cfg)
	require.NoError(t, err)
}
