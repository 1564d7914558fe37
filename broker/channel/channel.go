// Package channel provides the in-process Go channel broker. A single daemon
// uses it when no peers are configured.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/truenas/middleware-sub000/broker"
)

// Name is the broker config value of this broker.
const Name = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel broker to the default registry.
func Register() {
	broker.Register(Name, Build, broker.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Transport, error) {
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: 64}, logger)
	return broker.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() broker.Capabilities {
	return broker.ChannelCapabilities
}
