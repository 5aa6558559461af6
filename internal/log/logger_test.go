package log

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"schwab-gateway/internal/config"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := NewLogger(config.LoggingConfig{
		Level:       "debug",
		Encoding:    "json",
		OutputPaths: []string{out},
	})
	require.NoError(t, err)
	logger.Debug("hello")
	require.NoError(t, logger.Sync())
	require.FileExists(t, out)
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "console"})
	require.Error(t, err)
}
