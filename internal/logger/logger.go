package logger

import (
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how a Logger is built.
type Options struct {
	JSON  bool
	Level string
	// File, when set, receives a copy of every entry. Rotated by size.
	File string
}

type Logger struct {
	json bool
	zl   *zap.Logger
}

// NewWithOptions builds a Logger writing to stderr, plus opts.File when set.
// Stdout is left to the wrapped program.
func NewWithOptions(opts Options) *Logger {
	level := parseLevel(opts.Level)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder(opts.JSON), zapcore.Lock(os.Stderr), level),
	}
	if opts.File != "" {
		w := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
			Compress:   true,
		}
		// files are always JSON so they can be shipped as-is
		cores = append(cores, zapcore.NewCore(encoder(true), zapcore.AddSync(w), level))
	}
	zl := zap.New(zapcore.NewTee(cores...)).With(zap.String("run_id", uuid.NewString()))
	return &Logger{json: opts.JSON, zl: zl}
}

// FromZap wraps an existing zap logger, mostly for tests using zaptest/observer.
func FromZap(zl *zap.Logger, jsonOutput bool) *Logger {
	return &Logger{json: jsonOutput, zl: zl}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

func encoder(jsonOutput bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.MessageKey = "msg"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	if jsonOutput {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) log(level zapcore.Level, msg string, fields map[string]any) {
	if ce := l.zl.Check(level, msg); ce != nil {
		ce.Write(toFields(fields)...)
	}
}

// toFields sorts keys so console output is stable between runs.
func toFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(zapcore.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.log(zapcore.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.log(zapcore.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.log(zapcore.ErrorLevel, msg, fields) }

// With returns a child logger that always carries the given fields.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{json: l.json, zl: l.zl.With(toFields(fields)...)}
}

// JSONEnabled reports whether this logger is configured to emit JSON output.
func (l *Logger) JSONEnabled() bool { return l.json }

// Sync flushes buffered entries. Must be called before exec replaces the process.
func (l *Logger) Sync() error { return l.zl.Sync() }
