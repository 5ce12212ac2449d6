package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edgecomet/scrape-worker/internal/common/configtypes"
)

// DynamicLogger is a zap.Logger whose per-output levels can be changed after construction.
// The worker starts at INFO so the startup sequence is always visible, then drops to the
// configured level once the loop is running.
type DynamicLogger struct {
	*zap.Logger
	levels     []outputLevel
	configured configtypes.LogConfig
}

type outputLevel struct {
	level      zap.AtomicLevel
	configured string // per-output override, empty means global
}

// NewLogger builds a logger with a core per enabled output (console and/or rotated file).
func NewLogger(config configtypes.LogConfig) (*DynamicLogger, error) {
	global := parseLogLevel(config.Level)
	dl := &DynamicLogger{configured: config}

	var cores []zapcore.Core

	if config.Console.Enabled {
		level := zap.NewAtomicLevelAt(resolveLogLevel(config.Console.Level, global))
		dl.levels = append(dl.levels, outputLevel{level: level, configured: config.Console.Level})
		cores = append(cores, zapcore.NewCore(createEncoder(config.Console.Format), zapcore.Lock(os.Stdout), level))
	}

	if config.File.Enabled {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file.path must be specified when file logging is enabled")
		}
		level := zap.NewAtomicLevelAt(resolveLogLevel(config.File.Level, global))
		dl.levels = append(dl.levels, outputLevel{level: level, configured: config.File.Level})
		cores = append(cores, zapcore.NewCore(createEncoder(config.File.Format), createFileWriter(config.File), level))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	dl.Logger = zap.New(zapcore.NewTee(cores...))
	return dl, nil
}

// NewLoggerWithStartupOverride creates the logger at INFO when the configured level is
// quieter than that. Call SwitchToConfiguredLevel once startup has finished.
func NewLoggerWithStartupOverride(config configtypes.LogConfig) (*DynamicLogger, error) {
	dl, err := NewLogger(config)
	if err != nil {
		return nil, err
	}

	for _, out := range dl.levels {
		if out.level.Level() > zap.InfoLevel {
			out.level.SetLevel(zap.InfoLevel)
		}
	}
	return dl, nil
}

// SwitchToConfiguredLevel restores every output to its configured level
func (dl *DynamicLogger) SwitchToConfiguredLevel() {
	global := parseLogLevel(dl.configured.Level)

	dl.Info("Switching logger to configured level", zap.String("level", global.String()))

	for _, out := range dl.levels {
		out.level.SetLevel(resolveLogLevel(out.configured, global))
	}
}

// EnsureInfoLevelForShutdown lowers any output above INFO so the shutdown sequence is logged
func (dl *DynamicLogger) EnsureInfoLevelForShutdown() {
	changed := false
	for _, out := range dl.levels {
		if out.level.Level() > zap.InfoLevel {
			out.level.SetLevel(zap.InfoLevel)
			changed = true
		}
	}

	if changed {
		dl.Info("Switched to INFO level for shutdown visibility")
	}
}

// NewDefaultLogger is the bootstrap logger used before configuration is loaded
func NewDefaultLogger() (*DynamicLogger, error) {
	return NewLogger(configtypes.LogConfig{
		Level: configtypes.LogLevelDebug,
		Console: configtypes.ConsoleLogConfig{
			Enabled: true,
			Format:  configtypes.LogFormatConsole,
		},
	})
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case configtypes.LogLevelDebug:
		return zap.DebugLevel
	case configtypes.LogLevelWarn:
		return zap.WarnLevel
	case configtypes.LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func resolveLogLevel(outputLevel string, global zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLogLevel(outputLevel)
	}
	return global
}

func createEncoder(format string) zapcore.Encoder {
	switch format {
	case configtypes.LogFormatJSON:
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case configtypes.LogFormatText:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	default:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
}

func createFileWriter(file configtypes.FileLogConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.Rotation.MaxSize,
		MaxAge:     file.Rotation.MaxAge,
		MaxBackups: file.Rotation.MaxBackups,
		Compress:   file.Rotation.Compress,
	})
}
