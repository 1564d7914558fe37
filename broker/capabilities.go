package broker

// Capabilities describes what a broker guarantees to the event relay.
type Capabilities struct {
	// Name is the human-readable name of the broker.
	Name string

	// SupportsOrdering indicates frames from one node arrive at peers in
	// publish order.
	SupportsOrdering bool

	// SupportsTracing indicates the broker propagates message metadata, so
	// correlation ids survive the hop.
	SupportsTracing bool

	// SupportsAck indicates the broker supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the broker redelivers negatively acknowledged messages.
	SupportsNack bool

	// Durable indicates frames survive a broker restart.
	Durable bool

	// Loopback indicates the broker delivers a node's own frames back to
	// it; the relay filters them by node id.
	Loopback bool

	// MaxMessageSize is the maximum encoded frame size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the broker supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a frame of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in brokers.
var (
	// ChannelCapabilities for the in-process Go channel broker.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		Loopback:         true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		Durable:          true,
		Loopback:         true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
		Loopback:         true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		Loopback:        true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsTracing: true,
		SupportsAck:     true,
		SupportsNack:    true,
		Durable:         true,
		Loopback:        true,
		MaxMessageSize:  262144, // 256KB
	}

	// HTTPCapabilities for HTTP webhooks between nodes.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)
