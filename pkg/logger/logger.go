// Package logger builds the zap logger shared by the foliocache components.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry. Defaults to "foliocache".
	Service string `yaml:"service"`
	// SamplePerSecond keeps the first N identical entries per second and one
	// in N after that. Zero logs everything. Lookup tracing at debug level
	// needs it under load.
	SamplePerSecond int `yaml:"sample_per_second"`
}

// New creates a logger from config. An unknown level falls back to info.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	if n := config.SamplePerSecond; n > 0 {
		core = zapcore.NewSamplerWithOptions(core, time.Second, n, n)
	}

	service := config.Service
	if service == "" {
		service = "foliocache"
	}
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

// Must is New for the command line, where a broken logger config is fatal.
func Must(config Config) *zap.Logger {
	logger, err := New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	return logger
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

// openSink resolves the output destination. Files are appended to.
func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(file), nil
}
