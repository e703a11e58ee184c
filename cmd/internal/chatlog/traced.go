package chatlog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chatroom/chatlog"

// tracedLog wraps a Log with one span per operation.
// Spans are no-ops unless a tracer provider is installed globally.
type tracedLog struct {
	next   Log
	tracer trace.Tracer
}

// WithTracing returns l instrumented with OpenTelemetry spans.
func WithTracing(l Log) Log {
	if l == nil {
		return nil
	}
	return &tracedLog{next: l, tracer: otel.Tracer(tracerName)}
}

func (t *tracedLog) Append(ctx context.Context, content, token string) (AppendResult, error) {
	ctx, span := t.tracer.Start(ctx, "chatlog.append")
	defer span.End()

	res, err := t.next.Append(ctx, content, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return res, err
	}
	span.SetAttributes(
		attribute.Int64("message.id", res.ID),
		attribute.Bool("message.duplicate", res.Duplicate),
	)
	return res, nil
}

func (t *tracedLog) ReadRange(ctx context.Context, afterID int64) ([]Message, error) {
	ctx, span := t.tracer.Start(ctx, "chatlog.read_range", trace.WithAttributes(attribute.Int64("after_id", afterID)))
	defer span.End()

	msgs, err := t.next.ReadRange(ctx, afterID)
	finishRead(span, len(msgs), err)
	return msgs, err
}

func (t *tracedLog) ReadPage(ctx context.Context, beforeID int64, limit int) ([]Message, error) {
	ctx, span := t.tracer.Start(ctx, "chatlog.read_page", trace.WithAttributes(
		attribute.Int64("before_id", beforeID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	msgs, err := t.next.ReadPage(ctx, beforeID, limit)
	finishRead(span, len(msgs), err)
	return msgs, err
}

func (t *tracedLog) Ping(ctx context.Context) error { return t.next.Ping(ctx) }

func (t *tracedLog) Close() error { return t.next.Close() }

func finishRead(span trace.Span, n int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return
	}
	span.SetAttributes(attribute.Int("rows", n))
}
