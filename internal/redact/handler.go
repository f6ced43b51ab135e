package redact

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and scrubs secret-shaped substrings from the
// message and every string attribute before the record is emitted.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps the given handler with secret scrubbing.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

// Enabled reports whether the wrapped handler handles records at the given level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle scrubs the record and forwards it to the wrapped handler.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, Scrub(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(scrubAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs returns a new Handler whose wrapped handler carries the scrubbed attrs.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		scrubbed[i] = scrubAttr(attr)
	}
	return &Handler{inner: h.inner.WithAttrs(scrubbed)}
}

// WithGroup returns a new Handler wrapping the grouped handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

func scrubAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, Scrub(attr.Value.String()))
	case slog.KindGroup:
		members := attr.Value.Group()
		scrubbed := make([]any, 0, len(members))
		for _, member := range members {
			scrubbed = append(scrubbed, scrubAttr(member))
		}
		return slog.Group(attr.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, Scrub(err.Error()))
		}
		return attr
	default:
		return attr
	}
}
