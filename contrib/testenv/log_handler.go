package testenv

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/collabdoc/docsync/pkg/logger"
)

// LogHandler is a slog.Handler that prints a running index, the level, the
// message and the attributes, without a timestamp, so that test output is
// deterministic. Handlers derived with WithAttrs and WithGroup share the
// index and the writer.
type LogHandler struct {
	out    *output
	attrs  []string
	prefix string

	minLevel       slog.Level
	ignorePrefixes []string
}

type output struct {
	mu    sync.Mutex
	w     io.Writer
	index int
}

type LogHandlerOption func(*LogHandler)

// WithWriter sends output to w instead of stdout.
func WithWriter(w io.Writer) LogHandlerOption {
	return func(h *LogHandler) {
		h.out.w = w
	}
}

// WithMinLevel drops records below level.
func WithMinLevel(level slog.Level) LogHandlerOption {
	return func(h *LogHandler) {
		h.minLevel = level
	}
}

// WithIgnorePrefixes drops records whose message starts with any prefix.
// Useful for silencing expected reconnect noise.
func WithIgnorePrefixes(prefixes ...string) LogHandlerOption {
	return func(h *LogHandler) {
		h.ignorePrefixes = append(h.ignorePrefixes, prefixes...)
	}
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{
		out:      &output{w: os.Stdout},
		minLevel: slog.LevelDebug,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewLogger returns a logger.Logger backed by a LogHandler.
func NewLogger(opts ...LogHandlerOption) logger.Logger {
	return logger.New(NewLogHandler(opts...))
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	for _, prefix := range h.ignorePrefixes {
		if strings.HasPrefix(r.Message, prefix) {
			return nil
		}
	}

	parts := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		parts = appendAttr(parts, h.prefix, a)
		return true
	})

	line := fmt.Sprintf("%s: %s", r.Level, r.Message)
	if len(parts) > 0 {
		line += " " + strings.Join(parts, ", ")
	}

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	_, err := fmt.Fprintf(h.out.w, "[%d] %s\n", h.out.index, line)
	h.out.index++
	return err
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		c.attrs = appendAttr(c.attrs, h.prefix, a)
	}
	return c
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *LogHandler) clone() *LogHandler {
	c := *h
	c.attrs = append([]string(nil), h.attrs...)
	return &c
}

// appendAttr flattens groups into dotted keys.
func appendAttr(parts []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			parts = appendAttr(parts, prefix, ga)
		}
		return parts
	}
	return append(parts, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value))
}
