package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/canopy-network/chatindex/pkg/utils"
)

// New builds the process logger from LOG_LEVEL (debug|info|warn|error, default info)
// and LOG_ENCODING (json|console, default json).
func New() (*zap.Logger, error) {
	return Build(utils.Env("LOG_LEVEL", "info"), utils.Env("LOG_ENCODING", "json"))
}

// Build returns a logger for the given level and encoding.
func Build(level, encoding string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	switch encoding = strings.ToLower(encoding); encoding {
	case "json", "console":
		cfg.Encoding = encoding
	default:
		return nil, fmt.Errorf("unsupported log encoding %q", encoding)
	}

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build(zap.Fields(zap.String("service", "chatindex")))
}
