package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how much the application logs
type Options struct {
	Level string
	// File, when set, receives a JSON copy of every entry
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// New builds the application logger. Console output goes to stderr so that
// stdout stays free for the report when it is written there.
func New(opts Options) *zap.Logger {
	level := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	core := zapcore.NewCore(newEncoder(false), zapcore.Lock(os.Stderr), level)
	if opts.File != "" {
		fileCore := zapcore.NewCore(newEncoder(true), zapcore.AddSync(newRotatingFile(opts)), level)
		core = zapcore.NewTee(core, fileCore)
	}

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.DPanicLevel))
}

func newEncoder(jsonFormat bool) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	if jsonFormat {
		return zapcore.NewJSONEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func newRotatingFile(opts Options) *lumberjack.Logger {
	maxBackups := opts.MaxBackups
	if maxBackups == 0 {
		maxBackups = 10
	}
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSize,
		MaxBackups: maxBackups,
		MaxAge:     opts.MaxAge,
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
