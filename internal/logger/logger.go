package logger

import (
	"os"
	"path/filepath"

	"github.com/pkgfoundry/depot/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger initializes the logger. An empty filename logs to stdout
// only; otherwise output goes to stdout and a rotated file.
func InitLogger(cfg *config.Config) (*zap.Logger, error) {
	syncers := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if cfg.Log.Filename != "" {
		logDir := filepath.Dir(cfg.Log.Filename)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		// Configure log rotation
		writer := &lumberjack.Logger{
			Filename:   cfg.Log.Filename,
			MaxSize:    cfg.Log.MaxSize, // megabytes
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge, // days
			Compress:   cfg.Log.Compress,
		}
		syncers = append(syncers, zapcore.AddSync(writer))
	}

	// Create encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Create core
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(syncers...),
		getLogLevel(cfg.Log.Level),
	)

	// Create logger
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, nil
}

// getLogLevel converts string level to zapcore.Level
func getLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
