package webhook

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/broker"
	"github.com/truenas/middleware-sub000/broker/brokertest"
)

func TestRegister(t *testing.T) {
	broker.DefaultRegistry = broker.NewRegistry()
	Register()

	assert.True(t, broker.DefaultRegistry.Has("http"))
	assert.False(t, broker.GetCapabilities(Name).Loopback)
}

func TestBuild(t *testing.T) {
	cfg := &brokertest.Config{HTTPServerAddress: ":8090", HTTPPublisherURL: "http://peer:8090/"}

	t.Run("appends the topic to the peer url", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()

		PublisherFactory = func(c http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			req, err := c.MarshalMessageFunc("middleware.events", message.NewMessage("1", []byte("{}")))
			require.NoError(t, err)
			assert.Equal(t, "http://peer:8090/middleware.events", req.URL.String())
			return &brokertest.Publisher{}, nil
		}
		SubscriberFactory = func(addr string, c http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, ":8090", addr)
			return &brokertest.Subscriber{}, nil
		}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)

		ch, err := tr.Subscriber.Subscribe(context.Background(), "middleware.events")
		require.NoError(t, err)
		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("returns publisher error", func(t *testing.T) {
		originalPub := PublisherFactory
		defer func() { PublisherFactory = originalPub }()
		PublisherFactory = func(c http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("returns subscriber error", func(t *testing.T) {
		originalPub, originalSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = originalPub, originalSub }()
		PublisherFactory = func(c http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &brokertest.Publisher{}, nil
		}
		SubscriberFactory = func(addr string, c http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
	})
}
