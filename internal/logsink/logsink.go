// Package logsink accepts structured events from the supervisor and emits
// them with optional level tagging, plus a raw passthrough for
// containment-phase bytes forwarded from the log pipe. Thread-unsafe use is
// acceptable because only the supervisor goroutine ever writes.
package logsink

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls sink construction.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // file path, or "" / "stderr" for stderr
}

// Sink wraps a zap logger for the supervisor's single-writer use.
type Sink struct {
	zap *zap.Logger
}

// New builds a Sink from Config.
func New(cfg Config) (*Sink, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     rfc3339TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	outputPath := cfg.OutputPath
	if outputPath == "" {
		outputPath = "stderr"
	}

	var writeSyncer zapcore.WriteSyncer
	switch outputPath {
	case "stderr":
		writeSyncer = zapcore.AddSync(os.Stderr)
	case "stdout":
		writeSyncer = zapcore.AddSync(os.Stdout)
	default:
		file, err := os.OpenFile(outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Sink{zap: logger}, nil
}

func rfc3339TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format(time.RFC3339))
}

func (s *Sink) Debug(msg string, fields ...zap.Field) { s.zap.Debug(msg, fields...) }
func (s *Sink) Info(msg string, fields ...zap.Field)  { s.zap.Info(msg, fields...) }
func (s *Sink) Warn(msg string, fields ...zap.Field)  { s.zap.Warn(msg, fields...) }
func (s *Sink) Error(msg string, fields ...zap.Field) { s.zap.Error(msg, fields...) }

// WriteContainment forwards one verbatim chunk read from a child's log
// pipe. No framing is applied; the chunk is logged at debug level tagged
// with the source pid.
func (s *Sink) WriteContainment(pid int, chunk []byte) {
	s.zap.Debug(string(chunk), zap.Int("child_pid", pid))
}

// Sync flushes buffered entries.
func (s *Sink) Sync() error {
	return s.zap.Sync()
}
