package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	Service string
	Env     string
	Level   slog.Level

	// File, when set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Output replaces stdout. Tests use it to capture lines.
	Output io.Writer
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	logger, _ := SetupWithOptions(Options{Service: service, Env: env})
	return logger
}

// SetupWithOptions is Setup with a minimum level and optional rotated file
// output. The returned function closes the log file.
func SetupWithOptions(opts Options) (*slog.Logger, func() error) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	closeFn := func() error { return nil }
	if path := strings.TrimSpace(opts.File); path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(out, rotator)
		closeFn = rotator.Close
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(opts.Service))}
	if env := strings.TrimSpace(opts.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withAttrs := handler.WithAttrs(attrs)

	base := slog.New(withAttrs)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(withAttrs, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closeFn
}
