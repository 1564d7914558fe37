// Package kafka provides a Kafka broker for the event relay.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/truenas/middleware-sub000/broker"
)

// Name is the broker config value of this broker.
const Name = "kafka"

// DefaultConsumerGroup prefixes per-node consumer groups when none is configured.
const DefaultConsumerGroup = "middlewared"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the Kafka broker to the default registry.
func Register() {
	broker.Register(Name, Build, broker.KafkaCapabilities)
}

// ConsumerGroup is the group this node consumes with. Every node needs its
// own group to see every frame.
func ConsumerGroup(cfg broker.Config) string {
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	if node := cfg.GetNodeID(); node != "" {
		group += "-" + node
	}
	return group
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Transport, error) {
	brokers := cfg.GetKafkaBrokers()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return broker.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: ConsumerGroup(cfg),
		},
		logger,
	)
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
	return broker.KafkaCapabilities
}
