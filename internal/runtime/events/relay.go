package events

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/ids"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/metadata"
)

// DefaultRelayTopic is the broker topic carrying relayed frames.
const DefaultRelayTopic = "middleware.events"

// MetadataNode names the publishing node on relayed messages.
const MetadataNode = "event_node"

// RelayOptions configure a Relay.
type RelayOptions struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Topic      string
	NodeID     string
	Logger     logging.ServiceLogger
	// QueueSize bounds frames waiting to be published.
	QueueSize int
	// MaxFrameSize drops encoded frames larger than the broker accepts.
	// Zero means unlimited.
	MaxFrameSize int64
}

// Relay exchanges frames with peers over a broker. Forward never blocks: it
// queues frames for the publishing loop and drops them when the queue is
// full.
type Relay struct {
	opts  RelayOptions
	queue chan relayed

	mu        sync.Mutex
	dropped   int
	oversized int
}

func NewRelay(opts RelayOptions) (*Relay, error) {
	if opts.Publisher == nil {
		return nil, errors.New("middleware: relay publisher is required")
	}
	if opts.Topic == "" {
		opts.Topic = DefaultRelayTopic
	}
	if opts.NodeID == "" {
		opts.NodeID = ids.CreateULID()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultBufferSize
	}
	return &Relay{opts: opts, queue: make(chan relayed, opts.QueueSize)}, nil
}

type relayed struct {
	frame Frame
	md    metadata.Metadata
}

// NodeID identifies this node in relayed frames.
func (r *Relay) NodeID() string { return r.opts.NodeID }

// Forward queues f for peers. The call metadata of ctx travels with it.
func (r *Relay) Forward(ctx context.Context, f Frame) error {
	if f.Node != "" {
		return nil
	}
	f.Node = r.opts.NodeID
	select {
	case r.queue <- relayed{frame: f, md: metadata.FromContext(ctx).Clone()}:
		return nil
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return errs.New(errs.KindLockBusy, "relay queue is full")
	}
}

// Dropped counts frames refused because the queue was full.
func (r *Relay) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Oversized counts frames not published because they exceeded MaxFrameSize.
func (r *Relay) Oversized() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oversized
}

// Run publishes queued frames and, when a subscriber is configured, hands
// frames from peers to bus until ctx is done.
func (r *Relay) Run(ctx context.Context, bus *Bus) error {
	var incoming <-chan *message.Message
	if r.opts.Subscriber != nil {
		msgs, err := r.opts.Subscriber.Subscribe(ctx, r.opts.Topic)
		if err != nil {
			return err
		}
		incoming = msgs
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-r.queue:
			r.publish(ctx, item.frame, item.md)
		case msg, ok := <-incoming:
			if !ok {
				incoming = nil
				continue
			}
			r.receive(ctx, bus, msg)
		}
	}
}

func (r *Relay) publish(ctx context.Context, f Frame, md metadata.Metadata) {
	payload, err := EncodeFrame(f)
	if err != nil {
		r.opts.Logger.Error("Failed to encode relayed event", err, logging.LogFields{"channel": f.Channel})
		return
	}
	if r.opts.MaxFrameSize > 0 && int64(len(payload)) > r.opts.MaxFrameSize {
		r.mu.Lock()
		r.oversized++
		r.mu.Unlock()
		r.opts.Logger.Info("Dropping relayed event larger than the broker allows", logging.LogFields{
			"channel": f.Channel,
			"size":    len(payload),
			"limit":   r.opts.MaxFrameSize,
		})
		return
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(md)
	msg.Metadata.Set(MetadataNode, r.opts.NodeID)
	msg.Metadata.Set(MetadataChannel, f.Channel)
	msg.Metadata.Set(MetadataType, f.Type)
	msg.SetContext(ctx)
	if err := r.opts.Publisher.Publish(r.opts.Topic, msg); err != nil {
		r.opts.Logger.Error("Failed to relay event", err, logging.LogFields{"channel": f.Channel, "topic": r.opts.Topic})
	}
}

func (r *Relay) receive(ctx context.Context, bus *Bus, msg *message.Message) {
	defer msg.Ack()
	if msg.Metadata.Get(MetadataNode) == r.opts.NodeID {
		return
	}
	f, err := DecodeFrame(msg.Payload)
	if err != nil {
		r.opts.Logger.Error("Dropping undecodable relayed event", err, logging.LogFields{"uuid": msg.UUID})
		return
	}
	md := metadata.FromWatermill(msg.Metadata)
	if err := bus.Receive(metadata.NewContext(ctx, md), f); err != nil {
		r.opts.Logger.Debug("Ignoring relayed event", logging.LogFields{"channel": f.Channel, "node": f.Node, "error": err.Error()})
	}
}
