package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Backend is either "slog" or "zap", defaults to "slog".
	Backend string `json:"backend"`
	Level   string `json:"level"`
	// Format is either "json" or "console".
	Format string `json:"format"`
}

// NewZapLogger builds a zap logger from the log config.
func NewZapLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	switch cfg.Format {
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}

// ZapAPI implements API using go.uber.org/zap.
type ZapAPI struct {
	logger *zap.Logger
}

func NewZapAPI(logger *zap.Logger) ZapAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return ZapAPI{logger: logger}
}

func (ZapAPI) fields(params []any) []zap.Field {
	fields := make([]zap.Field, len(params))
	for i, p := range params {
		key := fmt.Sprintf("params.%d", i)
		if err, ok := p.(error); ok {
			fields[i] = zap.NamedError(key, err)
			continue
		}
		fields[i] = zap.Any(key, p)
	}
	return fields
}

func (z ZapAPI) ReportBroken(id string, params ...any) {
	z.logger.Error("broken component", append([]zap.Field{zap.String("id", id)}, z.fields(params)...)...)
}

func (z ZapAPI) ReportWarning(id string, params ...any) {
	z.logger.Warn("warning", append([]zap.Field{zap.String("id", id)}, z.fields(params)...)...)
}

func (z ZapAPI) ReportDebug(message string, params ...any) {
	z.logger.Debug(message, z.fields(params)...)
}

func (z ZapAPI) ReportCount(id string, count int64) {
	z.logger.Info("count", zap.String("id", id), zap.Int64("n", count))
}

// Sync flushes any buffered log entries.
func (z ZapAPI) Sync() error {
	return z.logger.Sync()
}
