package event

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder 将生命周期事件映射为 OpenTelemetry 指标
type MetricsRecorder struct {
	opened   metric.Int64Counter
	closed   metric.Int64Counter
	replaced metric.Int64Counter
	active   metric.Int64UpDownCounter
	received metric.Int64Counter
	rejected metric.Int64Counter
}

// NewMetricsRecorder 创建指标记录器
func NewMetricsRecorder(meter metric.Meter) (*MetricsRecorder, error) {
	var (
		r   MetricsRecorder
		err error
	)
	if r.opened, err = meter.Int64Counter("ws.connections.opened",
		metric.WithDescription("WebSocket connections accepted")); err != nil {
		return nil, fmt.Errorf("create opened counter: %w", err)
	}
	if r.closed, err = meter.Int64Counter("ws.connections.closed",
		metric.WithDescription("WebSocket sessions torn down, by reason")); err != nil {
		return nil, fmt.Errorf("create closed counter: %w", err)
	}
	if r.replaced, err = meter.Int64Counter("ws.connections.replaced",
		metric.WithDescription("Transports evicted by a reconnect on the same session")); err != nil {
		return nil, fmt.Errorf("create replaced counter: %w", err)
	}
	if r.active, err = meter.Int64UpDownCounter("ws.connections.active",
		metric.WithDescription("Live WebSocket sessions")); err != nil {
		return nil, fmt.Errorf("create active counter: %w", err)
	}
	if r.received, err = meter.Int64Counter("ws.messages.received",
		metric.WithDescription("Inbound client frames")); err != nil {
		return nil, fmt.Errorf("create received counter: %w", err)
	}
	if r.rejected, err = meter.Int64Counter("ws.messages.rejected",
		metric.WithDescription("Inbound messages rejected, by kind")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	return &r, nil
}

// Handle 实现 Handler 接口
func (r *MetricsRecorder) Handle(ctx context.Context, evt *Event) error {
	switch evt.Type {
	case EventConnected:
		r.opened.Add(ctx, 1)
		r.active.Add(ctx, 1)
	case EventReplaced:
		r.replaced.Add(ctx, 1)
	case EventDisconnected:
		r.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", evt.Reason)))
		r.active.Add(ctx, -1)
	case EventMessageReceived:
		r.received.Add(ctx, 1)
	case EventMessageRejected:
		r.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", evt.Reason)))
	}
	return nil
}
