// Package logger configures the process-wide slog logger and carries the
// ingestion and document a message belongs to through context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{ name string }

var (
	ingestionKey = ctxKey{"ingestion_id"}
	documentKey  = ctxKey{"doc_id"}
)

// Setup installs the default logger writing to stdout. format is "json" or
// "text"; unknown levels mean info.
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger whose records also carry the identifiers stored in
// the context passed to the *Context logging methods.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(contextHandler{h})
}

func WithIngestion(ctx context.Context, ingestionID string) context.Context {
	return context.WithValue(ctx, ingestionKey, ingestionID)
}

func WithDocument(ctx context.Context, docID string) context.Context {
	return context.WithValue(ctx, documentKey, docID)
}

// FromContext returns the default logger with the identifiers of ctx bound
// as attributes, for code that logs without passing ctx along.
func FromContext(ctx context.Context) *slog.Logger {
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return slog.Default()
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return slog.Default().With(args...)
}

// ParseLevel maps debug, warn and error to their slog levels and anything
// else to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range []ctxKey{ingestionKey, documentKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(key.name, v))
		}
	}
	return attrs
}

// contextHandler adds the context identifiers to records logged through
// InfoContext and friends.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := contextAttrs(ctx); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}
