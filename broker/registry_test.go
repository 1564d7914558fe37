package broker_test

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/broker"
	"github.com/truenas/middleware-sub000/broker/brokertest"
)

func TestRegistryBuild(t *testing.T) {
	r := broker.NewRegistry()
	pub := &brokertest.Publisher{}
	var seen string
	r.Register("stub", func(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Transport, error) {
		seen = cfg.GetNodeID()
		return broker.Transport{Publisher: pub, Subscriber: &brokertest.Subscriber{}}, nil
	}, broker.Capabilities{Name: "stub", MaxMessageSize: 10})

	tr, err := r.Build(context.Background(), &brokertest.Config{Broker: "stub", NodeID: "a"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Equal(t, "a", seen)
	assert.True(t, r.Has("stub"))
	assert.EqualValues(t, 10, r.GetCapabilities("stub").MaxMessageSize)
}

func TestRegistryBuildUnknown(t *testing.T) {
	r := broker.NewRegistry()
	r.Register("b", nil, broker.Capabilities{})
	r.Register("a", nil, broker.Capabilities{})

	_, err := r.Build(context.Background(), &brokertest.Config{Broker: "missing"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown broker: "missing"`)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistryBuildNilConfig(t *testing.T) {
	_, err := broker.NewRegistry().Build(context.Background(), nil, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestGetCapabilitiesUnknown(t *testing.T) {
	caps := broker.NewRegistry().GetCapabilities("nope")
	assert.Equal(t, "nope", caps.Name)
	assert.Zero(t, caps.MaxMessageSize)
}

func TestCapabilitiesFits(t *testing.T) {
	assert.True(t, broker.ChannelCapabilities.Fits(10<<20))
	assert.True(t, broker.AWSCapabilities.Fits(256*1024))
	assert.False(t, broker.AWSCapabilities.Fits(256*1024+1))
	assert.True(t, broker.RabbitMQCapabilities.SupportsReliableDelivery())
	assert.False(t, broker.KafkaCapabilities.SupportsReliableDelivery())
}
