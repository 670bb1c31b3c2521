package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailindex/backend/internal/config"
)

func TestNewLogger_WritesToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "app.log")
	log, err := NewLogger(FromConfig(config.LogConfig{Level: "debug", File: file, MaxSizeMB: 1}))
	require.NoError(t, err)

	log.Info("hello")
	_ = log.Sync()
	assert.FileExists(t, file)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := NewLogger(Config{Level: "verbose"})
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
	assert.True(t, log.Core().Enabled(zap.InfoLevel))
}

func TestForTask_AddsFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ForTask(zap.New(core), "t-1", "full-reindexing").Info("started")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "t-1", fields["task_id"])
	assert.Equal(t, "full-reindexing", fields["task_type"])
}

func TestForTask_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { ForTask(nil, "id", "type").Info("x") })
}
