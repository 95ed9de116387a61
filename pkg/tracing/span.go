// Package tracing times the steps of one record through a stage. The task
// id is the trace id, so the span lines logged by different stage processes
// can be joined on it.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type spanKey struct{}

// Span is one timed step. Root spans are opened per record by the stream
// consumer; stages open children for each call to an external capability.
type Span struct {
	Name      string
	TraceID   string
	StartTime time.Time
	Duration  time.Duration
	Children  []*Span
	Attrs     map[string]any
	Err       error

	mu sync.Mutex
}

func newSpan(name, traceID string) *Span {
	return &Span{Name: name, TraceID: traceID, StartTime: time.Now(), Attrs: make(map[string]any)}
}

// StartSpan opens the root span of taskID.
func StartSpan(ctx context.Context, name, taskID string) (context.Context, *Span) {
	span := newSpan(name, taskID)
	return context.WithValue(ctx, spanKey{}, span), span
}

// StartChildSpan opens a child of the span in ctx. Without a parent the
// child becomes a detached root.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	child := newSpan(name, "")
	if parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.Children = append(parent.Children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanKey{}, child), child
}

// End records the duration and the error the step finished with.
func (s *Span) End(err error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.Duration = time.Since(s.StartTime)
	s.Err = err
	s.mu.Unlock()
}

func (s *Span) SetAttr(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.Attrs[key] = value
	s.mu.Unlock()
}

// SpanFromContext returns the current span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// Log writes the whole trace as one debug line: the root's timing and
// attributes, then one group per child step named after it ("ocr.recognize",
// "ocr.recognize#2", ...).
func (s *Span) Log(logger *slog.Logger) {
	if s == nil || !logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := append([]any{"trace_id", s.TraceID}, s.fields()...)
	seen := make(map[string]int)
	for _, child := range s.children() {
		key := child.Name
		seen[key]++
		if n := seen[key]; n > 1 {
			key = key + "#" + itoa(n)
		}
		attrs = append(attrs, slog.Group(key, child.fields()...))
	}
	logger.Debug("trace "+s.Name, attrs...)
}

func (s *Span) fields() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []any{"duration_ms", s.Duration.Milliseconds()}
	if s.Err != nil {
		out = append(out, "error", s.Err.Error())
	}
	for k, v := range s.Attrs {
		out = append(out, k, v)
	}
	return out
}

// children returns every descendant in depth-first order.
func (s *Span) children() []*Span {
	s.mu.Lock()
	direct := append([]*Span(nil), s.Children...)
	s.mu.Unlock()
	var all []*Span
	for _, c := range direct {
		all = append(all, c)
		all = append(all, c.children()...)
	}
	return all
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}
