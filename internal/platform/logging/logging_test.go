package logging

import (
	"testing"

	"TileServer/internal/platform/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"

	log, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	cfg.LogFormat = "xml"
	_, err = NewLogger(cfg)
	assert.Error(t, err)

	cfg.LogFormat = "text"
	cfg.LogLevel = "chatty"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}
