package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var stdout io.Writer = os.Stdout

const tracerName = "github.com/talkie/backend"

// Span is one reconciliation pass. It carries log correlation ids and the
// matching OpenTelemetry span.
type Span struct {
	name   string
	logger *slog.Logger
	start  time.Time
	otel   trace.Span
}

// StartSpan derives a child span from ctx. The returned context carries a logger
// annotated with trace_id, span_id and span_name.
func StartSpan(ctx context.Context, name string, attrs ...slog.Attr) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, otelSpan := otel.Tracer(tracerName).Start(ctx, name)
	logger := FromContext(ctx)

	traceID := TraceIDFromContext(ctx)
	if traceID == "" {
		if sc := otelSpan.SpanContext(); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		} else {
			traceID = uuid.NewString()
		}
		ctx = withString(ctx, traceIDKey, traceID)
		logger = logger.With(slog.String("trace_id", traceID))
	}

	parentSpanID := SpanIDFromContext(ctx)
	spanID := uuid.NewString()
	if sc := otelSpan.SpanContext(); sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}

	logger = logger.With(
		slog.String("span_id", spanID),
		slog.String("span_name", name),
	)
	if parentSpanID != "" {
		logger = logger.With(slog.String("parent_span_id", parentSpanID))
	}
	for _, attr := range attrs {
		logger = logger.With(attr)
	}

	ctx = WithLogger(ctx, logger)
	ctx = withString(ctx, spanIDKey, spanID)

	return ctx, &Span{
		name:   name,
		logger: logger,
		start:  time.Now(),
		otel:   otelSpan,
	}
}

// Fail records err on the span without ending it.
func (s *Span) Fail(err error) {
	if s == nil || err == nil {
		return
	}
	s.otel.RecordError(err)
	s.otel.SetStatus(codes.Error, err.Error())
}

// End finalizes the span and emits a completion log entry.
func (s *Span) End() {
	if s == nil {
		return
	}
	s.logger.Debug("span completed", slog.Duration("duration", time.Since(s.start)))
	s.otel.End()
}
