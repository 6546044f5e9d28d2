// Package observability records description spans in memory and exports
// Prometheus metrics for the describe pipeline.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Span is one timed step of a description attempt (status, download,
// inference, or the whole request).
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// MarshalText renders the status as "ok" or "error".
func (s SpanStatus) MarshalText() ([]byte, error) {
	if s == SpanError {
		return []byte("error"), nil
	}
	return []byte("ok"), nil
}

// UnmarshalText parses "ok" or "error".
func (s *SpanStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "ok":
		*s = SpanOK
	case "error":
		*s = SpanError
	default:
		return fmt.Errorf("unknown span status %q", b)
	}
	return nil
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent finished spans in a ring buffer.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span and returns a context carrying it, so spans
// started from that context become its children. A nil Tracer is valid
// and records nothing.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, &Span{Operation: operation}
	}

	traceID, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		traceID = uuid.NewString()
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	parent, _ := ctx.Value(spanIDKey).(string)

	span := &Span{
		TraceID:   traceID,
		SpanID:    uuid.NewString()[:8],
		ParentID:  parent,
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
	return context.WithValue(ctx, spanIDKey, span.SpanID), span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans, oldest first.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spans = t.spans[:0]
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "gennino-trace-id"
	spanIDKey  contextKey = "gennino-span-id"
)

// WithTraceID returns a context with the given trace ID. The API uses the
// request ID so spans can be matched with access logs.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID carried by ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
