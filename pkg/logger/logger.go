package logger

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dominodatalab/vulcan/pkg/config"
)

// New returns a logr.Logger backed by the zap logger described by cfg, along with that zap logger for
// integrations that need it directly.
func New(cfg config.Logging) (logr.Logger, *zap.Logger, error) {
	zl, err := NewZap(cfg)
	if err != nil {
		return logr.Logger{}, nil, err
	}

	return zapr.NewLogger(zl), zl, nil
}

// NewZap builds a zap logger that writes to stderr and, when enabled, to a rotated logfile.
func NewZap(cfg config.Logging) (*zap.Logger, error) {
	containerCore, err := newContainerCore(cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("invalid container log config: %w", err)
	}
	cores := []zapcore.Core{containerCore}

	if cfg.Logfile.Enabled {
		logfileCore, err := newLogfileCore(cfg.Logfile)
		if err != nil {
			return nil, err
		}
		cores = append(cores, logfileCore)
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.StacktraceLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.StacktraceLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid stacktrace log config: %w", err)
		}
		opts = append(opts, zap.AddStacktrace(lvl))
	}

	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func newContainerCore(cfg config.ContainerLogging) (zapcore.Core, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(cfg.Encoder) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("%q is an invalid encoder", cfg.Encoder)
	}

	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl), nil
}

func newLogfileCore(cfg config.LogfileLogging) (zapcore.Core, error) {
	lvl, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid logfile log config: %w", err)
	}
	if cfg.Filepath == "" {
		return nil, errors.New("cannot create logfile logger: filepath cannot be blank")
	}

	// lumberjack opens lazily, so surface permission and path problems now
	f, err := os.OpenFile(cfg.Filepath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot create logfile logger: %w", err)
	}
	_ = f.Close()

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filepath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})

	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, lvl), nil
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level == "" {
		return lvl, nil
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, err
	}

	return lvl, nil
}
