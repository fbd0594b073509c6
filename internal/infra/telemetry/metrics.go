package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names.
const (
	MetricPageRequests     = "grid.page.requests"
	MetricPageLatency      = "grid.page.latency"
	MetricDispatched       = "grid.messages.dispatched"
	MetricDecodeFailures   = "grid.messages.decode_failures"
	MetricConnectionEvents = "transport.connection.events"
	MetricFrames           = "transport.frames"
	MetricServerSessions   = "server.sessions.active"
)

// GridMetrics instruments the grid data provider.
type GridMetrics struct {
	pageRequests   metric.Int64Counter
	pageLatency    metric.Float64Histogram
	dispatched     metric.Int64Counter
	decodeFailures metric.Int64Counter
}

// NewGridMetrics builds provider instruments from meter, or from the global provider when nil.
func NewGridMetrics(meter metric.Meter) *GridMetrics {
	if meter == nil {
		meter = otel.Meter("luxgrid.grid")
	}
	fallback := noop.NewMeterProvider().Meter("luxgrid.grid")
	m := new(GridMetrics)
	m.pageRequests = int64Counter(meter, fallback, MetricPageRequests, "Page requests issued by grid providers", "{request}")
	m.dispatched = int64Counter(meter, fallback, MetricDispatched, "Grid messages dispatched to listeners", "{message}")
	m.decodeFailures = int64Counter(meter, fallback, MetricDecodeFailures, "Grid messages that failed to decode", "{message}")
	hist, err := meter.Float64Histogram(MetricPageLatency,
		metric.WithDescription("Page request round trip"),
		metric.WithUnit("ms"))
	if err != nil {
		hist, _ = fallback.Float64Histogram(MetricPageLatency)
	}
	m.pageLatency = hist
	return m
}

// RecordPage records a page request outcome and its latency.
func (m *GridMetrics) RecordPage(ctx context.Context, channel, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(ChannelAttributes(channel, AttrResult.String(result))...)
	m.pageRequests.Add(ctx, 1, attrs)
	if result == ResultSuccess {
		m.pageLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

// RecordDispatch counts a message handed to a listener, or dropped.
func (m *GridMetrics) RecordDispatch(ctx context.Context, channel, event, result string) {
	if m == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(ChannelAttributes(channel, AttrEvent.String(event), AttrResult.String(result))...))
}

// RecordDecodeFailure counts a message that could not be decoded.
func (m *GridMetrics) RecordDecodeFailure(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.decodeFailures.Add(ctx, 1, metric.WithAttributes(ChannelAttributes(channel)...))
}

// TransportMetrics instruments websocket transports on both ends.
type TransportMetrics struct {
	connections metric.Int64Counter
	frames      metric.Int64Counter
	sessions    metric.Int64UpDownCounter
}

// NewTransportMetrics builds transport instruments from meter, or from the global provider when nil.
func NewTransportMetrics(meter metric.Meter) *TransportMetrics {
	if meter == nil {
		meter = otel.Meter("luxgrid.transport")
	}
	fallback := noop.NewMeterProvider().Meter("luxgrid.transport")
	m := new(TransportMetrics)
	m.connections = int64Counter(meter, fallback, MetricConnectionEvents, "Websocket connection lifecycle events", "{event}")
	m.frames = int64Counter(meter, fallback, MetricFrames, "Websocket frames by type and direction", "{frame}")
	sessions, err := meter.Int64UpDownCounter(MetricServerSessions,
		metric.WithDescription("Websocket sessions currently attached to the channel server"),
		metric.WithUnit("{session}"))
	if err != nil {
		sessions, _ = fallback.Int64UpDownCounter(MetricServerSessions)
	}
	m.sessions = sessions
	return m
}

// RecordConnection counts a connection state transition.
func (m *TransportMetrics) RecordConnection(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment()), AttrConnectionState.String(state)))
}

// RecordFrame counts a frame crossing the wire.
func (m *TransportMetrics) RecordFrame(ctx context.Context, frameType, direction string) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrFrameType.String(frameType),
		AttrDirection.String(direction),
	))
}

// SessionDelta adjusts the active server session gauge.
func (m *TransportMetrics) SessionDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.sessions.Add(ctx, delta, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

func int64Counter(meter, fallback metric.Meter, name, description, unit string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit(unit))
	if err == nil {
		return counter
	}
	counter, _ = fallback.Int64Counter(name)
	return counter
}
