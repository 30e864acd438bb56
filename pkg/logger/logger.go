// Package logger builds the zap logger of the hybridkv binaries. Every entry
// carries a service field; components derive named children from it.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultService = "hybridkv"

// Config is the `logger` section of the configuration file.
type Config struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// OutputFile is stdout, stderr or a path opened for append.
	OutputFile string `yaml:"output_file"`
	// Service is attached to every entry.
	Service string `yaml:"service"`
}

func New(config Config) (*zap.Logger, error) {
	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoderFor(config.Format), sink, levelOf(config.Level))

	service := config.Service
	if service == "" {
		service = defaultService
	}
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", service))), nil
}

func levelOf(name string) zap.AtomicLevel {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if err := level.UnmarshalText([]byte(name)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

func encoderFor(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(f), nil
}
