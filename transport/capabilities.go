package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// SupportsOrdering indicates messages from one publisher arrive in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport carries metadata headers, so
	// correlation ids survive the hop.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// Persistent indicates messages outlive a disconnected subscriber. Control
	// directives are only useful while fresh, so most schemes run without it.
	Persistent bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process bus.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// ZeroMQCapabilities for the native PUB/SUB protocol. Only frames cross
	// the wire, so no metadata survives the hop.
	ZeroMQCapabilities = Capabilities{
		Name:             "zeromq",
		SupportsOrdering: true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// JetStreamCapabilities for the JetStream accounting stream. Control
	// messages still travel over core NATS.
	JetStreamCapabilities = Capabilities{
		Name:            "jetstream",
		SupportsTracing: true,
		SupportsAck:     true,
		Persistent:      true,
		MaxMessageSize:  1048576,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		Persistent:       true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RedisCapabilities for Redis PUBLISH/SUBSCRIBE.
	RedisCapabilities = Capabilities{
		Name:             "redis",
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   536870912, // 512MB bulk string limit
	}
)

// GetCapabilities returns the capabilities registered for a scheme.
// Returns a zero Capabilities struct carrying only the name if the scheme is unknown.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
