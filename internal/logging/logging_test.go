package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/peerlink/internal/config"
)

func TestNew_Levels(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	defer zap.ReplaceGlobals(zap.NewNop())

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
	assert.Same(t, logger, zap.L())
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestSession_TagsEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Session(zap.New(core), "S1").Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "S1", logs.All()[0].ContextMap()["session"])
}
