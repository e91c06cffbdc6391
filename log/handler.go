package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// formatterHandler is a slog.Handler that renders every record through a
// LogFormatter instead of slog's built-in text/JSON encoders. This is what
// lets callers pick TextFormatter, JSONFormatter, or ColorFormatter as the
// Logger's actual output shape while keeping the rest of the package built
// on log/slog.
type formatterHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	formatter LogFormatter
	attrs     []slog.Attr
	groups    []string
}

func newFormatterHandler(w io.Writer, level slog.Leveler, formatter LogFormatter) *formatterHandler {
	return &formatterHandler{
		mu:        &sync.Mutex{},
		w:         w,
		level:     level,
		formatter: formatter,
	}
}

// Enabled reports whether level is at or above the handler's configured
// level.
func (h *formatterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle converts r into a LogEntry, folding in any attributes accumulated
// via WithAttrs/WithGroup, and writes the formatter's rendering of it.
func (h *formatterHandler) Handle(_ context.Context, r slog.Record) error {
	prefix := groupPrefix(h.groups)
	fields := make(map[string]interface{}, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[prefix+a.Key] = a.Value.Any()
		return true
	})

	entry := LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Fields:    fields,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, h.formatter.Format(entry))
	return err
}

// WithAttrs returns a handler carrying the additional attrs alongside any
// already accumulated.
func (h *formatterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

// WithGroup returns a handler that prefixes subsequent attribute keys with
// name.
func (h *formatterHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var b []byte
	for _, g := range groups {
		b = append(b, g...)
		b = append(b, '.')
	}
	return string(b)
}

// levelFromSlog maps a slog.Level onto the package's own LogLevel enum, as
// used by LogFormatter implementations.
func levelFromSlog(l slog.Level) LogLevel {
	switch {
	case l < slog.LevelInfo:
		return DEBUG
	case l < slog.LevelWarn:
		return INFO
	case l < slog.LevelError:
		return WARN
	default:
		return ERROR
	}
}
