// Package logging builds the zap logger shared by every component of a binary.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mini-rmi/config"
)

// New builds a logger from cfg. RMI_LOG_LEVEL overrides the configured level.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	levelName := cfg.Level
	if v := os.Getenv("RMI_LOG_LEVEL"); v != "" {
		levelName = v
	}
	level := zapcore.InfoLevel
	if levelName != "" {
		if err := level.UnmarshalText([]byte(levelName)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", levelName, err)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	switch cfg.Encoding {
	case "", "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "json":
		zc.Encoding = "json"
	default:
		return nil, fmt.Errorf("log encoding %q: want json or console", cfg.Encoding)
	}
	return zc.Build()
}
