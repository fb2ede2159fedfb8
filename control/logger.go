// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// zap logger construction with a runtime-adjustable level.

package control

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production (JSON) or development (console) logger.
// The returned level can be changed while the logger is in use.
func NewLogger(cfg LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var zc zap.Config
	if cfg.JSON {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, zc.Level, nil
}

// LevelReloader applies logging.level changes from hot reload.
func LevelReloader(level zap.AtomicLevel, logger *zap.Logger) func(old, cur *Config) {
	return func(old, cur *Config) {
		if old.Logging.Level == cur.Logging.Level {
			return
		}
		lvl, err := zapcore.ParseLevel(cur.Logging.Level)
		if err != nil {
			logger.Warn("ignoring invalid log level", zap.String("level", cur.Logging.Level), zap.Error(err))
			return
		}
		level.SetLevel(lvl)
		logger.Info("log level changed", zap.Stringer("level", lvl))
	}
}
