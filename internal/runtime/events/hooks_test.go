package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/internal/runtime/logging"
)

func runHooks(t *testing.T, h *Hooks) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = h.Close()
	})
	select {
	case <-h.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("hook router did not start")
	}
}

func TestHookReceivesPublishedFrames(t *testing.T) {
	h, err := NewHooks(HooksOptions{})
	require.NoError(t, err)

	got := make(chan Frame, 1)
	require.NoError(t, h.Register("pool.query", "pool-sync", func(_ context.Context, f Frame) error {
		got <- f
		return nil
	}))
	runHooks(t, h)

	assert.ErrorIs(t, h.Register("pool.query", "late", func(context.Context, Frame) error { return nil }), ErrHooksRunning)

	b := newBus(t, Options{Hooks: h})
	require.NoError(t, b.Publish(context.Background(), "pool.query", TypeAdded, map[string]any{"id": 7, "name": "tank"}))

	select {
	case f := <-got:
		assert.Equal(t, "pool.query", f.Channel)
		assert.Equal(t, TypeAdded, f.Type)
		assert.EqualValues(t, 7, f.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not called")
	}
}

func TestFailingHookIsRetriedThenDropped(t *testing.T) {
	h, err := NewHooks(HooksOptions{Retry: RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}})
	require.NoError(t, err)

	var calls atomic.Int32
	after := make(chan struct{}, 1)
	require.NoError(t, h.Register("pool.query", "broken", func(_ context.Context, f Frame) error {
		if f.Type == TypeRemoved {
			after <- struct{}{}
			return nil
		}
		calls.Add(1)
		return errors.New("boom")
	}))
	runHooks(t, h)

	b := newBus(t, Options{Hooks: h})
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "pool.query", TypeAdded, map[string]any{"id": 1, "name": "tank"}))
	require.NoError(t, b.Publish(ctx, "pool.query", TypeRemoved, map[string]any{"id": 1}))

	select {
	case <-after:
	case <-time.After(2 * time.Second):
		t.Fatal("failed hook blocked later events")
	}
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHookRegistrationRejectsBadInput(t *testing.T) {
	h, err := NewHooks(HooksOptions{})
	require.NoError(t, err)
	defer h.Close()

	assert.ErrorIs(t, h.Register("pool.query", "x", nil), ErrHookRequired)
	assert.ErrorIs(t, h.Register("", "x", func(context.Context, Frame) error { return nil }), ErrChannelRequired)
}

func TestFrameCodec(t *testing.T) {
	in := Frame{Channel: "pool.query", Type: TypeChanged, ID: 3, Payload: map[string]any{"id": 3, "name": "tank"}, Node: "a"}
	data, err := EncodeFrame(in)
	require.NoError(t, err)

	out, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, "pool.query", out.Channel)
	assert.Equal(t, TypeChanged, out.Type)
	assert.Equal(t, "a", out.Node)
	assert.EqualValues(t, 3, out.ID)
	assert.Equal(t, "tank", out.Payload.(map[string]any)["name"])

	_, err = DecodeFrame([]byte{0xff, 0x01})
	assert.Error(t, err)

	empty, err := EncodeFrame(Frame{})
	require.NoError(t, err)
	_, err = DecodeFrame(empty)
	assert.Error(t, err)
}

func TestRelayDeliversToPeerHooks(t *testing.T) {
	wm := logging.NewWatermillAdapter(logging.Discard())
	broker := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, wm)
	defer broker.Close()

	newNode := func(name string) (*Bus, *Relay, chan Frame) {
		h, err := NewHooks(HooksOptions{})
		require.NoError(t, err)
		got := make(chan Frame, 4)
		require.NoError(t, h.Register("pool.query", name+"-hook", func(_ context.Context, f Frame) error {
			got <- f
			return nil
		}))
		runHooks(t, h)

		relay, err := NewRelay(RelayOptions{Publisher: broker, Subscriber: broker, NodeID: name})
		require.NoError(t, err)
		b := newBus(t, Options{Hooks: h, Forwarder: relay})

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() { _ = relay.Run(ctx, b) }()
		return b, relay, got
	}

	a, relayA, gotA := newNode("node-a")
	_, _, gotB := newNode("node-b")
	assert.Equal(t, "node-a", relayA.NodeID())

	require.NoError(t, a.Publish(context.Background(), "pool.query", TypeAdded, map[string]any{"id": 1, "name": "tank"}))

	// the local hook sees the frame once, straight from the bus
	select {
	case f := <-gotA:
		assert.Empty(t, f.Node)
	case <-time.After(2 * time.Second):
		t.Fatal("local hook was not called")
	}
	select {
	case f := <-gotB:
		assert.Equal(t, "node-a", f.Node)
		assert.Equal(t, TypeAdded, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("peer hook was not called")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, gotA)
}

func TestRelayForwardDropsWhenFull(t *testing.T) {
	wm := logging.NewWatermillAdapter(logging.Discard())
	broker := gochannel.NewGoChannel(gochannel.Config{}, wm)
	defer broker.Close()

	_, err := NewRelay(RelayOptions{})
	assert.Error(t, err)

	relay, err := NewRelay(RelayOptions{Publisher: broker, QueueSize: 1})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, relay.Forward(ctx, Frame{Channel: "pool.query", Type: TypeAdded}))
	assert.Error(t, relay.Forward(ctx, Frame{Channel: "pool.query", Type: TypeAdded}))
	assert.NoError(t, relay.Forward(ctx, Frame{Channel: "pool.query", Type: TypeAdded, Node: "peer"}))
	assert.Equal(t, 1, relay.Dropped())
}

func TestRelayDropsOversizedFrames(t *testing.T) {
	wm := logging.NewWatermillAdapter(logging.Discard())
	broker := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, wm)
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := broker.Subscribe(ctx, DefaultRelayTopic)
	require.NoError(t, err)

	relay, err := NewRelay(RelayOptions{Publisher: broker, NodeID: "a", MaxFrameSize: 256})
	require.NoError(t, err)
	b := newBus(t, Options{Forwarder: relay})
	go func() { _ = relay.Run(ctx, b) }()

	big := make([]byte, 512)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, b.Publish(ctx, "pool.query", TypeAdded, map[string]any{"id": 1, "name": string(big)}))
	require.NoError(t, b.Publish(ctx, "pool.query", TypeAdded, map[string]any{"id": 2, "name": "tank"}))

	select {
	case msg := <-msgs:
		f, err := DecodeFrame(msg.Payload)
		require.NoError(t, err)
		assert.EqualValues(t, 2, f.ID)
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("small frame was not relayed")
	}
	assert.Eventually(t, func() bool { return relay.Oversized() == 1 }, time.Second, 10*time.Millisecond)
}
