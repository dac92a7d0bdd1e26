// Package logging builds the zap loggers handed to every component.
//
// Components never log raw clinical content. As a second line, fields whose
// key names sensitive material are replaced before encoding.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and encoding
type Config struct {
	Level  string // debug, info, warn, error; default info
	Format string // json (default) or console
	// Output defaults to stderr
	Output io.Writer
}

// SensitiveKeys are field names that are always redacted
var SensitiveKeys = []string{
	"transcript", "evidence", "quotes", "summary", "prompt", "response",
	"api_key", "encryption_key", "password", "database_url", "authorization",
}

// New creates a logger from cfg
func New(cfg Config) (*zap.Logger, error) {
	level, err := LevelFromString(cfg.Level)
	if err != nil {
		return nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(out), level)
	return zap.New(NewRedactingCore(core, SensitiveKeys), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// LevelFromString parses a level name; empty means info
func LevelFromString(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes the logger, ignoring the harmless errors stdout and stderr
// return on Linux.
func Sync(logger *zap.Logger) error {
	err := logger.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}

type redactingCore struct {
	zapcore.Core
	keys map[string]bool
}

// NewRedactingCore wraps core so fields named by keys are never encoded
func NewRedactingCore(core zapcore.Core, keys []string) zapcore.Core {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return &redactingCore{Core: core, keys: set}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redact(fields)), keys: c.keys}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, c.redact(fields))
}

func (c *redactingCore) redact(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !c.keys[strings.ToLower(f.Key)] {
			if out != nil {
				out = append(out, f)
			}
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, i, len(fields))
			copy(out, fields[:i])
		}
		out = append(out, zap.String(f.Key, "[REDACTED]"))
	}
	if out == nil {
		return fields
	}
	return out
}
