package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/quotedesk/quotedesk"

// instruments are created against the global delegating meter, so they are
// valid to use before Init runs and become live once it does.
var (
	instrumentsOnce sync.Once

	framesEmitted    metric.Int64Counter
	framesDropped    metric.Int64Counter
	upstreamFrames   metric.Int64Counter
	restRequests     metric.Int64Counter
	restLatency      metric.Float64Histogram
	socketReconnects metric.Int64Counter
)

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(meterName)
		framesEmitted, _ = meter.Int64Counter("broker.frames.emitted",
			metric.WithDescription("Frames queued for delivery to a renderer"))
		framesDropped, _ = meter.Int64Counter("broker.frames.dropped",
			metric.WithDescription("Frames dropped because a renderer queue was full"))
		upstreamFrames, _ = meter.Int64Counter("broker.upstream.frames",
			metric.WithDescription("Market and account frames routed from the venue"))
		restRequests, _ = meter.Int64Counter("broker.rest.requests",
			metric.WithDescription("REST calls issued against the venue"))
		restLatency, _ = meter.Float64Histogram("broker.rest.latency",
			metric.WithDescription("REST call duration in seconds"),
			metric.WithUnit("s"))
		socketReconnects, _ = meter.Int64Counter("broker.socket.reconnects",
			metric.WithDescription("Upstream socket reconnect attempts"))
	})
}

// CountFrame records a frame queued for a renderer.
func CountFrame(frameType string) {
	instruments()
	framesEmitted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("frame.type", frameType)))
}

// CountFrameDrop records a frame lost to renderer backpressure.
func CountFrameDrop(frameType string) {
	instruments()
	framesDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("frame.type", frameType)))
}

// CountUpstreamFrame records a frame routed off an upstream socket.
func CountUpstreamFrame(eventType string) {
	instruments()
	upstreamFrames.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event.type", eventType)))
}

// CountRESTCall records one venue REST call with its duration and outcome.
func CountRESTCall(name string, elapsed time.Duration, err error) {
	instruments()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", name),
		attribute.String("outcome", outcome))
	restRequests.Add(context.Background(), 1, attrs)
	restLatency.Record(context.Background(), elapsed.Seconds(), attrs)
}

// CountReconnect records an upstream socket reconnect for the named role.
func CountReconnect(role string) {
	instruments()
	socketReconnects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("role", role)))
}
