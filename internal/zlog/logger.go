// Package zlog builds the zap logger shared by all three zuri binaries,
// centralized here once since all three want identical behavior.
package zlog

import "go.uber.org/zap"

// Build constructs a *zap.Logger for the given level string
// (debug|info|warn|error), defaulting to info for anything else.
// debug selects zap's development config (human-readable, caller info);
// everything else uses the production JSON config.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
