// Package webhook relays events between nodes as HTTP POSTs. Each node
// publishes to its peer's URL and serves its own subscriber endpoint.
package webhook

import (
	"context"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/truenas/middleware-sub000/broker"
)

// Name is the broker config value of this broker.
const Name = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the webhook broker to the default registry.
func Register() {
	broker.Register(Name, Build, broker.HTTPCapabilities)
}

// Build creates a new HTTP transport. Topics are appended to the publisher
// URL; the subscriber server starts once Subscribe registered its routes.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return broker.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		return broker.Transport{}, err
	}

	return broker.Transport{
		Publisher:  publisher,
		Subscriber: &serving{Subscriber: subscriber, logger: logger},
	}, nil
}

// serving starts the HTTP server of a watermill HTTP subscriber after the
// first Subscribe, which is when its routes exist.
type serving struct {
	message.Subscriber
	logger  watermill.LoggerAdapter
	started bool
}

func (s *serving) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil || s.started {
		return ch, err
	}
	s.started = true
	if hs, ok := s.Subscriber.(*http.Subscriber); ok {
		go func() {
			if err := hs.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				s.logger.Error("Failed to start HTTP subscriber server", err, nil)
			}
		}()
	}
	return ch, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.HTTPCapabilities
}
