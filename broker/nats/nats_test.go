package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
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
	assert.Equal(t, broker.NATSCapabilities, broker.GetCapabilities(Name))
}

func TestBuild(t *testing.T) {
	t.Run("names the connection after the node", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()

		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", cfg.URL)
			assert.Len(t, cfg.NatsOptions, 1)
			assert.True(t, cfg.JetStream.Disabled)
			return &brokertest.Publisher{}, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.True(t, cfg.JetStream.Disabled)
			return &brokertest.Subscriber{}, nil
		}

		tr, err := Build(context.Background(), &brokertest.Config{NATSURL: "nats://localhost:4222", NodeID: "a"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
	})

	t.Run("returns publisher error", func(t *testing.T) {
		originalPub := PublisherFactory
		defer func() { PublisherFactory = originalPub }()
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &brokertest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})
}
