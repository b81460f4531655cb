package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger.
type Options struct {
	Level       string
	Service     string
	Version     string
	Environment string
	// OutputPaths defaults to stdout.
	OutputPaths []string
}

// New constructs a zap.Logger configured for structured JSON logging. Every
// entry carries the service, version and environment fields. Outside of
// development, repeated entries are sampled so that a flapping source cannot
// flood the log.
func New(opts Options) (*zap.Logger, error) {
	zapLevel := zapcore.InfoLevel
	if opts.Level != "" {
		if err := zapLevel.Set(strings.ToLower(opts.Level)); err != nil {
			return nil, err
		}
	}
	if len(opts.OutputPaths) == 0 {
		opts.OutputPaths = []string{"stdout"}
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: opts.Environment == "development",
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      opts.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{},
	}
	if !cfg.Development {
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	if opts.Service != "" {
		cfg.InitialFields["service"] = opts.Service
	}
	if opts.Version != "" {
		cfg.InitialFields["version"] = opts.Version
	}
	if opts.Environment != "" {
		cfg.InitialFields["env"] = opts.Environment
	}

	return cfg.Build()
}
