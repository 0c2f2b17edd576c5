package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/matchlink/internal/config"
)

func TestNewLogger_JSON(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "json"}
	logger, err := NewLogger(cfg, "matchbot")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Console(t *testing.T) {
	cfg := config.LoggingConfig{Level: "debug", Format: "console"}
	logger, err := NewLogger(cfg, "")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := config.LoggingConfig{Level: "trace", Format: "json"}
	_, err := NewLogger(cfg, "matchbot")
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := config.LoggingConfig{Level: "info", Format: "xml"}
	_, err := NewLogger(cfg, "matchbot")
	assert.Error(t, err)
}

func TestNewLogger_AllLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := config.LoggingConfig{Level: level, Format: "json"}
		logger, err := NewLogger(cfg, "rooms")
		require.NoError(t, err, "level %q should be valid", level)
		assert.True(t, logger.Core().Enabled(mustLevel(t, level)))
	}
}

func TestMatchFields(t *testing.T) {
	assert.Len(t, MatchFields("m1", "u1"), 2)
	assert.Len(t, MatchFields("", "u1"), 1)
	assert.Empty(t, MatchFields("", ""))
}

func TestPropertyMatchFieldsCount(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		matchID := rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "match")
		userID := rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "user")
		want := 0
		if matchID != "" {
			want++
		}
		if userID != "" {
			want++
		}
		assert.Len(t, MatchFields(matchID, userID), want)
	})
}

func mustLevel(t *testing.T, s string) zapcore.Level {
	t.Helper()
	l, err := zapcore.ParseLevel(s)
	require.NoError(t, err)
	return l
}
