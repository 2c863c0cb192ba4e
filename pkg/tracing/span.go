// Package tracing times the stages of a single message's handling. A root
// span is started per message, each stage opens a child, and the finished
// tree is written as one structured log line.
package tracing

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type contextKey struct{}

// Span is a timed stage of a trace.
type Span struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration
	Err      error

	mu       sync.Mutex
	children []*Span
	attrs    []any
}

// Start begins a root span and stores it in the returned context.
func Start(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Start: time.Now()}
	return context.WithValue(ctx, contextKey{}, s), s
}

// Child begins a span under the one in ctx. Without a parent the span is
// still timed but belongs to no trace.
func Child(ctx context.Context, name string) (context.Context, *Span) {
	s := &Span{Name: name, Start: time.Now()}
	if parent := FromContext(ctx); parent != nil {
		s.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, s), s
}

// FromContext returns the current span, or nil.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

// End stops the span's clock and records err, if any.
func (s *Span) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Duration = time.Since(s.Start)
	s.Err = err
}

// SetAttr attaches a key-value pair logged with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// Stages renders the child spans as "name=duration" pairs in start order.
// A failed stage is suffixed with "!".
func (s *Span) Stages() string {
	s.mu.Lock()
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	parts := make([]string, 0, len(children))
	for _, c := range children {
		c.mu.Lock()
		part := c.Name + "=" + c.Duration.Round(time.Microsecond).String()
		if c.Err != nil {
			part += "!"
		}
		c.mu.Unlock()
		parts = append(parts, part)
	}
	return strings.Join(parts, " ")
}

// Log writes the span and its stages at debug level, or at warn level when
// the span failed.
func (s *Span) Log(logger *slog.Logger) {
	s.mu.Lock()
	attrs := append([]any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Duration.Milliseconds(),
	}, s.attrs...)
	failed := s.Err
	s.mu.Unlock()
	attrs = append(attrs, "stages", s.Stages())

	if failed != nil {
		logger.Warn("span failed", append(attrs, "error", failed)...)
		return
	}
	logger.Debug("span", attrs...)
}
