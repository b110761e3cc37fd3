package messaging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments are created once per Service. Creation errors leave the
// no-op instrument in place.
type instruments struct {
	sent      metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	cancelled metric.Int64Counter
	chunks    metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments(m metric.Meter) *instruments {
	in := &instruments{}
	in.sent, _ = m.Int64Counter("agent.messages.sent",
		metric.WithDescription("Messages dispatched to a provider"))
	in.completed, _ = m.Int64Counter("agent.messages.completed",
		metric.WithDescription("Messages that ended with ResponseCompleted"))
	in.failed, _ = m.Int64Counter("agent.messages.failed",
		metric.WithDescription("Messages that ended with ResponseFailed"))
	in.cancelled, _ = m.Int64Counter("agent.messages.cancelled",
		metric.WithDescription("Message streams abandoned by the caller"))
	in.chunks, _ = m.Int64Counter("agent.message.chunks",
		metric.WithDescription("Response chunks relayed"))
	in.duration, _ = m.Float64Histogram("agent.message.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time from MessageSent to the terminal event"))
	return in
}

func (in *instruments) recordSent(ctx context.Context, providerName string) {
	if in.sent != nil {
		in.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerName)))
	}
}

func (in *instruments) recordChunk(ctx context.Context, providerName string) {
	if in.chunks != nil {
		in.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerName)))
	}
}

func (in *instruments) recordCompleted(ctx context.Context, providerName string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("provider", providerName))
	if in.completed != nil {
		in.completed.Add(ctx, 1, attrs)
	}
	if in.duration != nil {
		in.duration.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}

func (in *instruments) recordFailed(ctx context.Context, providerName, reason string) {
	if in.failed != nil {
		in.failed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", providerName),
			attribute.String("reason", reason),
		))
	}
}

func (in *instruments) recordCancelled(ctx context.Context, providerName string) {
	if in.cancelled != nil {
		in.cancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", providerName)))
	}
}
