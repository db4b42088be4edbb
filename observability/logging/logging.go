package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup configures the standard library logger to emit structured JSON on
// stdout and returns the slog.Logger. Every line carries the service name
// and, when set, the environment.
func Setup(service, env string) *slog.Logger {
	return setup(os.Stdout, service, env, slog.LevelInfo)
}

// SetupWithFile is Setup filtered at level, with a second, rotated copy of
// every line written to cfg.Path when a path is set.
func SetupWithFile(service, env string, level slog.Level, cfg FileConfig) (*slog.Logger, io.Closer) {
	if strings.TrimSpace(cfg.Path) == "" {
		return setup(os.Stdout, service, env, level), io.NopCloser(nil)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    defaultInt(cfg.MaxSizeMB, 100),
		MaxBackups: defaultInt(cfg.MaxBackups, 5),
		MaxAge:     defaultInt(cfg.MaxAgeDays, 28),
		Compress:   cfg.Compress,
	}
	return setup(io.MultiWriter(os.Stdout, rotator), service, env, level), rotator
}

// ParseLevel maps a textual level onto slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setup(w io.Writer, service, env string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
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

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	args := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	base := slog.New(handler).With(args...)
	slog.SetDefault(base)

	// packages still using the std logger end up in the same stream
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")
	return base
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
