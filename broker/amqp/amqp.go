// Package amqp provides a RabbitMQ broker for the event relay.
package amqp

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/truenas/middleware-sub000/broker"
)

// Name is the broker config value of this broker.
const Name = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register adds the RabbitMQ broker to the default registry.
func Register() {
	broker.Register(Name, Build, broker.RabbitMQCapabilities)
}

// QueueName names the queue a node binds to the relay exchange. Every node
// gets its own queue so the fanout exchange reaches all of them.
func QueueName(cfg broker.Config) amqp.QueueNameGenerator {
	node := cfg.GetNodeID()
	return func(topic string) string {
		if node == "" {
			return topic
		}
		return topic + "_" + node
	}
}

// Build creates a new RabbitMQ transport sharing one connection between
// the publisher and the subscriber.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Transport, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(url, QueueName(cfg))

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return broker.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return broker.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return broker.Transport{}, err
	}

	return broker.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.RabbitMQCapabilities
}
