package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/broker"
	"github.com/truenas/middleware-sub000/broker/brokertest"
)

func TestRegister(t *testing.T) {
	broker.DefaultRegistry = broker.NewRegistry()
	Register()

	assert.True(t, broker.DefaultRegistry.Has(Name))
	assert.Equal(t, broker.KafkaCapabilities, broker.GetCapabilities(Name))
}

func TestConsumerGroup(t *testing.T) {
	assert.Equal(t, "mw-a", ConsumerGroup(&brokertest.Config{KafkaConsumerGroup: "mw", NodeID: "a"}))
	assert.Equal(t, "middlewared-b", ConsumerGroup(&brokertest.Config{NodeID: "b"}))
	assert.Equal(t, "mw", ConsumerGroup(&brokertest.Config{KafkaConsumerGroup: "mw"}))
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()

		pub := &brokertest.Publisher{}
		sub := &brokertest.Subscriber{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "test-group-node1", cfg.ConsumerGroup)
			return sub, nil
		}

		tr, err := Build(context.Background(), &brokertest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "test-group",
			NodeID:             "node1",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPub := PublisherFactory
		defer func() { PublisherFactory = originalPub }()
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &brokertest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &brokertest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &brokertest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})
}
