package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	"github.com/truenas/middleware-sub000/internal/runtime/ids"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// DefaultBufferSize bounds each subscription queue when Options.BufferSize is unset.
const DefaultBufferSize = 256

var (
	ErrChannelExists   = errors.New("middleware: event channel already registered")
	ErrChannelRequired = errors.New("middleware: event channel name is required")
)

// Forwarder sends locally published frames to peers.
type Forwarder interface {
	Forward(ctx context.Context, f Frame) error
}

// Options configure a Bus.
type Options struct {
	Gate       *auth.Gate
	Logger     logging.ServiceLogger
	BufferSize int
	Resolver   schema.Resolver
	Hooks      *Hooks
	Forwarder  Forwarder

	OnPublish func(channel, eventType string)
	OnDrop    func(channel string)
}

// Bus fans events out to subscribers. Delivery to the subscribers of one
// channel happens under that channel's lock, so every subscriber observes
// the channel's events in publication order. Publishers never block: a
// subscriber whose queue is full is dropped with a terminal OVERFLOW frame.
type Bus struct {
	opts Options

	mu       sync.RWMutex
	channels map[string]*channelState
	subs     map[string]*Subscription
}

type channelState struct {
	def Channel

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewBus creates a Bus.
func NewBus(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Gate == nil {
		opts.Gate = auth.NewGate(auth.GateOptions{Logger: opts.Logger})
	}
	return &Bus{
		opts:     opts,
		channels: make(map[string]*channelState),
		subs:     make(map[string]*Subscription),
	}
}

// Register declares a channel.
func (b *Bus) Register(ch Channel) error {
	if ch.Name == "" {
		return ErrChannelRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[ch.Name]; ok {
		return fmt.Errorf("%w: %s", ErrChannelExists, ch.Name)
	}
	b.channels[ch.Name] = &channelState{def: ch, subs: make(map[string]*Subscription)}
	return nil
}

// MustRegister panics when Register fails.
func (b *Bus) MustRegister(channels ...Channel) {
	for _, ch := range channels {
		if err := b.Register(ch); err != nil {
			panic(err)
		}
	}
}

// Channel returns a channel declaration.
func (b *Bus) Channel(name string) (Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs, ok := b.channels[name]
	if !ok {
		return Channel{}, false
	}
	return cs.def, true
}

// Channels lists declared channels by name.
func (b *Bus) Channels() []Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Channel, 0, len(b.channels))
	for _, cs := range b.channels {
		out = append(out, cs.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Bus) channel(name string) (*channelState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs, ok := b.channels[name]
	return cs, ok
}

// SubscribeRequest asks for a subscription.
type SubscribeRequest struct {
	Channel string
	Auth    auth.Request
	Filters filters.Filters
	// ID is chosen by the caller; a ULID is generated when empty.
	ID string
}

// Subscribe checks the channel requirement through the gate and starts
// delivering events published from now on. Earlier events are never
// replayed.
func (b *Bus) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	cs, ok := b.channel(req.Channel)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "event %s does not exist", req.Channel)
	}
	d := b.opts.Gate.Check(ctx, req.Auth, cs.def.Requirement())
	if !d.Allowed {
		return nil, d.Err()
	}

	id := req.ID
	if id == "" {
		id = ids.CreateULID()
	}
	sub := &Subscription{
		id:      id,
		channel: req.Channel,
		filters: req.Filters,
		size:    b.opts.BufferSize,
		ch:      make(chan Frame, b.opts.BufferSize+1),
		expose:  d.FullAdmin || (cs.def.WriteRole != "" && d.HasRole(cs.def.WriteRole)),
	}
	if d.Session != nil {
		sub.owner = d.Session.ID
	}

	b.mu.Lock()
	if _, dup := b.subs[id]; dup {
		b.mu.Unlock()
		return nil, errs.New(errs.KindAlreadyExists, "subscription %s already exists", id)
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cs.mu.Lock()
	cs.subs[id] = sub
	cs.mu.Unlock()

	b.opts.Logger.Debug("Subscribed", logging.LogFields{"channel": req.Channel, "subscription": id, "session": sub.owner})
	return sub, nil
}

// Unsubscribe ends a subscription and closes its queue.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return errs.New(errs.KindNotFound, "subscription %s does not exist", id)
	}
	cs, ok := b.channel(sub.channel)
	if !ok {
		return nil
	}
	cs.mu.Lock()
	delete(cs.subs, id)
	sub.closeLocked()
	cs.mu.Unlock()
	return nil
}

// UnsubscribeOwner ends every subscription of a session.
func (b *Bus) UnsubscribeOwner(sessionID string) int {
	b.mu.RLock()
	var owned []string
	for id, sub := range b.subs {
		if sub.owner == sessionID {
			owned = append(owned, id)
		}
	}
	b.mu.RUnlock()
	n := 0
	for _, id := range owned {
		if b.Unsubscribe(id) == nil {
			n++
		}
	}
	return n
}

// Subscribers counts the live subscriptions of a channel.
func (b *Bus) Subscribers(channel string) int {
	cs, ok := b.channel(channel)
	if !ok {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.subs)
}

// Publish delivers an event to subscribers, internal hooks and peers. The
// payload id, when present, becomes the frame id.
func (b *Bus) Publish(ctx context.Context, channel, eventType string, payload any) error {
	f := Frame{Channel: channel, Type: eventType, Payload: payload}
	if obj, ok := payload.(map[string]any); ok {
		f.ID = obj["id"]
	}
	if err := b.deliver(ctx, f); err != nil {
		return err
	}
	if b.opts.Forwarder != nil {
		if err := b.opts.Forwarder.Forward(ctx, f); err != nil {
			b.opts.Logger.Error("Failed to relay event", err, logging.LogFields{"channel": channel, "type": eventType})
		}
	}
	return nil
}

// Receive delivers a frame relayed from a peer. It reaches internal hooks
// only; peers fan out to their own subscribers.
func (b *Bus) Receive(ctx context.Context, f Frame) error {
	if _, ok := b.channel(f.Channel); !ok {
		return errs.New(errs.KindNotFound, "event %s does not exist", f.Channel)
	}
	if b.opts.Hooks != nil {
		return b.opts.Hooks.dispatch(ctx, f)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, f Frame) error {
	cs, ok := b.channel(f.Channel)
	if !ok {
		return errs.New(errs.KindNotFound, "event %s does not exist", f.Channel)
	}
	if !cs.def.Allows(f.Type) {
		return errs.New(errs.KindValidation, "event type %s is not valid for %s", f.Type, f.Channel)
	}

	payloads := newPayloads(cs.def.Models[f.Type], f.Payload, b.opts.Resolver)
	entry, _ := schema.AsObject(f.Payload)

	var dropped []string
	cs.mu.Lock()
	for id, sub := range cs.subs {
		payload := payloads.get(sub.expose)
		if len(sub.filters) > 0 {
			// subscribers that cannot see secrets filter on what they receive
			target := entry
			if !sub.expose {
				target, _ = schema.AsObject(payload)
			}
			if target == nil || !sub.filters.Match(target) {
				continue
			}
		}
		out := f
		out.Subscription = id
		out.Payload = payload
		if !sub.offerLocked(out) {
			delete(cs.subs, id)
			dropped = append(dropped, id)
		}
	}
	cs.mu.Unlock()

	if len(dropped) > 0 {
		b.mu.Lock()
		for _, id := range dropped {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		for _, id := range dropped {
			b.opts.Logger.Info("Dropped slow subscriber", logging.LogFields{"channel": f.Channel, "subscription": id})
			if b.opts.OnDrop != nil {
				b.opts.OnDrop(f.Channel)
			}
		}
	}
	if b.opts.OnPublish != nil {
		b.opts.OnPublish(f.Channel, f.Type)
	}
	if b.opts.Hooks != nil {
		if err := b.opts.Hooks.dispatch(ctx, f); err != nil {
			b.opts.Logger.Error("Failed to run event hooks", err, logging.LogFields{"channel": f.Channel, "type": f.Type})
		}
	}
	return nil
}

// payloads renders the exposed and redacted forms of a payload at most once.
type payloads struct {
	model    *schema.Model
	raw      any
	resolver schema.Resolver

	exposed, redacted       any
	haveExposed, haveRedact bool
}

func newPayloads(m *schema.Model, raw any, r schema.Resolver) *payloads {
	return &payloads{model: m, raw: raw, resolver: r}
}

func (p *payloads) get(expose bool) any {
	if p.model == nil {
		if !p.haveExposed {
			p.exposed, p.haveExposed = schema.CopyValue(p.raw), true
		}
		return p.exposed
	}
	if expose {
		if !p.haveExposed {
			out, err := schema.Dump(p.model, p.raw, schema.DumpOptions{ExposeSecrets: true, Fallback: true, Resolver: p.resolver})
			if err != nil {
				out = p.raw
			}
			p.exposed, p.haveExposed = out, true
		}
		return p.exposed
	}
	if !p.haveRedact {
		p.redacted, p.haveRedact = schema.Redact(p.model, p.raw, p.resolver), true
	}
	return p.redacted
}

// Subscription is a live subscription. Its queue is closed after an
// OVERFLOW frame or on Unsubscribe.
type Subscription struct {
	id      string
	channel string
	owner   string
	filters filters.Filters
	expose  bool
	size    int

	// guarded by the channel lock
	ch     chan Frame
	closed bool
}

func (s *Subscription) ID() string      { return s.id }
func (s *Subscription) Channel() string { return s.channel }

// Owner is the session id of the subscriber.
func (s *Subscription) Owner() string { return s.owner }

// C returns the delivery queue.
func (s *Subscription) C() <-chan Frame { return s.ch }

// Next waits for the next frame. It returns false once the subscription is
// closed or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Frame, bool) {
	select {
	case f, ok := <-s.ch:
		return f, ok
	case <-ctx.Done():
		return Frame{}, false
	}
}

// offerLocked enqueues f without blocking. The queue keeps one slot free
// for the OVERFLOW frame.
func (s *Subscription) offerLocked(f Frame) bool {
	if s.closed {
		return false
	}
	if len(s.ch) >= s.size {
		s.ch <- Frame{Channel: s.channel, Type: TypeOverflow, Subscription: s.id}
		s.closed = true
		close(s.ch)
		return false
	}
	s.ch <- f
	return true
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
