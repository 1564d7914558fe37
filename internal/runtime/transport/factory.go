// Package transport builds the broker transport the event relay runs on.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/truenas/middleware-sub000/broker"
	_ "github.com/truenas/middleware-sub000/broker/all"
	"github.com/truenas/middleware-sub000/internal/runtime/config"
)

// Transport combines a publisher and subscriber pair produced by a factory.
// A zero Transport disables the relay.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the daemon connects to its broker.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// None builds no transport, leaving the daemon without peers.
var None Factory = FactoryFunc(func(context.Context, *config.Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{}, nil
})

// DefaultFactory returns the factory that builds the broker named by
// Config.Broker from the broker registry.
func DefaultFactory() Factory {
	return defaultFactory{registry: broker.DefaultRegistry}
}

type defaultFactory struct {
	registry *broker.Registry
}

func (f defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := f.registry.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}
	logger.Info("Connected to broker", watermill.LogFields{
		"broker": conf.Broker,
		"node":   conf.NodeID,
	})

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
	}, nil
}
