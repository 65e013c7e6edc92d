package logging

import (
	"testing"

	"Go2NetLabel/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LoggerConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = New(config.LoggerConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = New(config.LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
