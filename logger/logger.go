// Package logger builds the process logger from config.LoggingConfig.
//
// "text" renders through charmbracelet/log for terminals; "json" writes one
// entry per line for collectors.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	charmLog "github.com/charmbracelet/log"

	"hiphop-rpc/config"
)

const (
	envFormat    = "HIPHOP_LOG_FORMAT"
	envLevel     = "HIPHOP_LOG_LEVEL"
	envAddSource = "HIPHOP_LOG_ADD_SOURCE"
)

// Entry is one JSON log line.
type Entry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Setup builds the logger and installs it as slog's default.
func Setup(cfg config.LoggingConfig) (*slog.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l)
	return l, nil
}

func newWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	format := envOr(envFormat, cfg.Format, "text")
	level, err := ParseLevel(envOr(envLevel, cfg.Level, "info"))
	if err != nil {
		return nil, err
	}
	addSource := cfg.AddSource
	if v := strings.TrimSpace(os.Getenv(envAddSource)); v != "" {
		addSource = parseBool(v)
	}

	switch format {
	case "text":
		return slog.New(charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			ReportCaller:    addSource,
			Formatter:       charmLog.TextFormatter,
		})), nil
	case "json":
		return slog.New(&jsonHandler{level: level, addSource: addSource, w: w, mu: &sync.Mutex{}}), nil
	default:
		return nil, fmt.Errorf("logger: unsupported format %q", format)
	}
}

func envOr(key, value, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		value = v
	}
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logger: unsupported level %q", s)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

type jsonHandler struct {
	level     slog.Level
	addSource bool
	w         io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := Entry{
		Level:     strings.ToLower(r.Level.String()),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Message:   r.Message,
	}

	fields := make(map[string]any)
	for _, a := range h.attrs {
		h.apply(fields, &entry, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.apply(fields, &entry, a)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}
	if h.addSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := sonic.Marshal(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(append(line, '\n'))
	return err
}

// apply lifts "component" into the entry and files everything else under
// its dotted group path.
func (h *jsonHandler) apply(fields map[string]any, entry *Entry, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + a.Key
	}
	if key == "component" && a.Value.Kind() == slog.KindString {
		entry.Component = a.Value.String()
		return
	}
	fields[key] = value(a.Value)
}

func value(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := v.Group()
		out := make(map[string]any, len(group))
		for _, a := range group {
			out[a.Key] = value(a.Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
