package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	globalLevel = new(slog.LevelVar)
	writeMu     sync.Mutex
)

func init() {
	globalLevel.Set(slog.LevelInfo)
}

// JSONParsingWriter rewrites JSON log lines (sipgo's) into the bridge's
// line format. Anything else passes through.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps w.
func NewJSONParsingWriter(w io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: w}
}

// Write implements io.Writer.
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := "unknown"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	} else if msg, ok := entry["msg"]; ok {
		message = fmt.Sprint(msg)
	}
	ts := time.Now()
	if t, ok := entry["time"]; ok {
		if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			ts = parsed
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "msg", "time", "caller":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	if _, err := w.base.Write([]byte(formatLine(ts, strings.ToUpper(level), message, attrs))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func formatLine(ts time.Time, level, message string, attrs []string) string {
	line := "[" + ts.Format("15:04:05") + "] [" + level + "] " + message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	return line + "\n"
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	globalLevel.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch globalLevel.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown strings are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Output is one log destination with its own minimum level.
type Output struct {
	W     io.Writer
	Level slog.Level
}

// Handler renders records as "[15:04:05] [LEVEL] message k=v ..." to every
// output whose level admits them. Attributes bound with With are kept.
type Handler struct {
	outputs []Output
	attrs   []string
	group   string
}

// NewHandler creates a handler writing to outputs.
func NewHandler(outputs ...Output) *Handler {
	return &Handler{outputs: outputs}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if level < globalLevel.Level() {
		return false
	}
	for _, out := range h.outputs {
		if level >= out.Level {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler
func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	attrs := append([]string(nil), h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.group, a)
		return true
	})

	line := []byte(formatLine(record.Time, strings.ToUpper(record.Level.String()), record.Message, attrs))

	writeMu.Lock()
	defer writeMu.Unlock()
	for _, out := range h.outputs {
		if record.Level >= out.Level && out.W != nil {
			_, _ = out.W.Write(line)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.group, a)
	}
	return &next
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if next.group != "" {
		next.group += "."
	}
	next.group += name
	return &next
}

func appendAttr(dst []string, group string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, key, ga)
		}
		return dst
	}
	return append(dst, key+"="+a.Value.String())
}

// New returns a logger writing to w at level, independent of the default
// logger.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewHandler(Output{W: w, Level: level}))
}

// InitLogger installs the default logger writing to outputs. JSON lines
// written through the returned outputs by third-party libraries are
// reformatted.
func InitLogger(outputs ...io.Writer) {
	outs := make([]Output, len(outputs))
	for i, w := range outputs {
		outs[i] = Output{W: NewJSONParsingWriter(w), Level: slog.LevelDebug}
	}
	slog.SetDefault(slog.New(NewHandler(outs...)))
}

// InitLoggerWithLevels installs the default logger with a level per output.
func InitLoggerWithLevels(outputs ...Output) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}

// Convenience functions that use the default logger
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}
