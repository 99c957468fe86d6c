package main

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logSpanProcessor writes every finished span to the logger at debug level.
type logSpanProcessor struct {
	logger *slog.Logger
}

var _ sdktrace.SpanProcessor = (*logSpanProcessor)(nil)

func newLogSpanProcessor(logger *slog.Logger) *logSpanProcessor {
	return &logSpanProcessor{logger: logger}
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	attrs := []any{
		"span", s.Name(),
		"duration", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String(),
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	p.logger.Debug("span ended", attrs...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error {
	p.logger.Debug("span processor shut down")
	return nil
}

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
