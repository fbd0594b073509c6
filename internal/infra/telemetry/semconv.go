package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for luxgrid telemetry.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrChannel identifies the logical channel multiplexed over a websocket.
	AttrChannel = attribute.Key("channel")
	// AttrEvent carries the grid message event tag (records, record-update, columns-metadata).
	AttrEvent = attribute.Key("grid.event")
	// AttrResult records the outcome of an operation (success, timeout, error).
	AttrResult = attribute.Key("result")
	// AttrFrameType labels transport frames (rpc, reply, message, ...).
	AttrFrameType = attribute.Key("frame.type")
	// AttrDirection distinguishes inbound from outbound frames.
	AttrDirection = attribute.Key("direction")
	// AttrConnectionState labels connection lifecycle signals (connected, disconnected).
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess   = "success"
	ResultTimeout   = "timeout"
	ResultError     = "error"
	ResultDuplicate = "duplicate"
	ResultDropped   = "dropped"
)

// Connection states.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// Directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ChannelAttributes returns the common attribute set for channel-scoped metrics.
func ChannelAttributes(channel string, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs, AttrEnvironment.String(Environment()), AttrChannel.String(channel))
	return append(attrs, extra...)
}
