package logger

import (
	"context"

	"toolcall-proxy/config"
)

// ConfigAdapter adapts config.Config's features.log_level setting to the
// LoggerConfig interface the ContextLogger depends on.
type ConfigAdapter struct {
	config *config.Config
}

// NewConfigAdapter creates a new ConfigAdapter.
func NewConfigAdapter(cfg *config.Config) LoggerConfig {
	return &ConfigAdapter{config: cfg}
}

// ShouldLogForModel always returns true: this proxy has no per-model
// logging suppression.
func (c *ConfigAdapter) ShouldLogForModel(model string) bool {
	return true
}

// GetMinLogLevel resolves features.log_level into a Level, defaulting to
// INFO when unset or unrecognized.
func (c *ConfigAdapter) GetMinLogLevel() Level {
	switch c.config.Features.LogLevel {
	case "DEBUG", "debug":
		return DEBUG
	case "WARN", "warn":
		return WARN
	case "ERROR", "error":
		return ERROR
	default:
		return INFO
	}
}

// ShouldMaskAPIKeys always masks channel API keys in log output.
func (c *ConfigAdapter) ShouldMaskAPIKeys() bool {
	return true
}

// NewFromConfig creates a new logger bound to the current config snapshot.
func NewFromConfig(ctx context.Context, cfg *config.Config) Logger {
	return New(ctx, NewConfigAdapter(cfg))
}

// ContextLoggerFromConfig creates a logger and stores it in context for
// later retrieval via FromContext.
func ContextLoggerFromConfig(ctx context.Context, cfg *config.Config) (context.Context, Logger) {
	l := NewFromConfig(ctx, cfg)
	return context.WithValue(ctx, loggerContextKey, l), l
}
