// Package observability provides the structured logger shared by every component.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/matchlink/internal/config"
)

// NewLogger creates a structured logger from the given logging configuration.
// Every entry carries the binary name under the "app" key.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig, app string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if app != "" {
		zapCfg.InitialFields = map[string]interface{}{"app": app}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// MatchFields returns the fields identifying a match and the local user.
// Empty values are omitted.
func MatchFields(matchID, userID string) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if matchID != "" {
		fields = append(fields, zap.String("match_id", matchID))
	}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	return fields
}
