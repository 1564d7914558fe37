package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/truenas/middleware-sub000/internal/runtime/ids"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/metadata"
)

// Metadata keys carried on hook messages.
const (
	MetadataChannel       = "event_channel"
	MetadataType          = "event_type"
	MetadataCorrelationID = "correlation_id"
)

var (
	ErrHooksRunning = errors.New("middleware: event hooks must be registered before Run")
	ErrHookRequired = errors.New("middleware: event hook function is required")
)

// HookFunc handles one event inside the daemon.
type HookFunc func(ctx context.Context, f Frame) error

// RetryConfig customises hook retries.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return cfg
}

// HooksOptions configure the hook router.
type HooksOptions struct {
	Logger logging.ServiceLogger
	Retry  RetryConfig
	// Registerer enables Watermill router metrics.
	Registerer prometheus.Registerer
	// BufferSize bounds the in-process queue of each hook.
	BufferSize int64
}

// Hooks runs internal event handlers on a Watermill router fed by an
// in-process pub/sub. Each hook is a router handler consuming the topic of
// its channel.
type Hooks struct {
	logger logging.ServiceLogger
	pubsub *gochannel.GoChannel
	router *message.Router

	mu      sync.RWMutex
	topics  map[string]int
	running bool
}

// NewHooks builds the hook router with the default middleware chain:
// failure logging, correlation id, tracing, retries and panic recovery. A
// hook that still fails after its retries is logged and acked.
func NewHooks(opts HooksOptions) (*Hooks, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	wm := logging.NewWatermillAdapter(opts.Logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wm)
	if err != nil {
		return nil, fmt.Errorf("failed to create event hook router: %w", err)
	}
	h := &Hooks{
		logger: opts.Logger,
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: opts.BufferSize}, wm),
		router: router,
		topics: make(map[string]int),
	}

	if opts.Registerer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(opts.Registerer, "middleware", "event_hooks")
		builder.AddPrometheusRouterMetrics(router)
	}
	retry := opts.Retry.withDefaults()
	router.AddMiddleware(
		h.dropFailed,
		correlationID,
		tracer,
		middleware.Retry{
			MaxRetries:      retry.MaxRetries,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			Logger:          wm,
		}.Middleware,
		middleware.Recoverer,
	)
	return h, nil
}

func hookTopic(channel string) string { return "event." + channel }

// Register adds a hook for channel. Hooks must be registered before Run.
func (h *Hooks) Register(channel, name string, fn HookFunc) error {
	if fn == nil {
		return ErrHookRequired
	}
	if channel == "" {
		return ErrChannelRequired
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHooksRunning
	}
	if name == "" {
		name = fmt.Sprintf("%s-hook-%d", channel, h.topics[hookTopic(channel)]+1)
	}
	h.router.AddNoPublisherHandler(name, hookTopic(channel), h.pubsub, func(msg *message.Message) error {
		f, err := DecodeFrame(msg.Payload)
		if err != nil {
			h.logger.Error("Dropping undecodable event", err, logging.LogFields{"hook": name})
			return nil
		}
		return fn(msg.Context(), f)
	})
	h.topics[hookTopic(channel)]++
	return nil
}

// Run processes hook messages until ctx is done.
func (h *Hooks) Run(ctx context.Context) error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	return h.router.Run(ctx)
}

// Running is closed once the router is processing messages.
func (h *Hooks) Running() chan struct{} { return h.router.Running() }

// Close stops the router and the pub/sub.
func (h *Hooks) Close() error {
	return errors.Join(h.router.Close(), h.pubsub.Close())
}

func (h *Hooks) dispatch(ctx context.Context, f Frame) error {
	topic := hookTopic(f.Channel)
	h.mu.RLock()
	n := h.topics[topic]
	h.mu.RUnlock()
	if n == 0 {
		return nil
	}
	payload, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata = metadata.ToWatermill(metadata.FromContext(ctx))
	msg.Metadata.Set(MetadataChannel, f.Channel)
	msg.Metadata.Set(MetadataType, f.Type)
	if ctx != nil {
		msg.SetContext(context.WithoutCancel(ctx))
	}
	return h.pubsub.Publish(topic, msg)
}

func (h *Hooks) dropFailed(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := next(msg)
		if err != nil {
			h.logger.Error("Event hook failed", err, logging.LogFields{
				"handler": message.HandlerNameFromCtx(msg.Context()),
				"channel": msg.Metadata.Get(MetadataChannel),
				"type":    msg.Metadata.Get(MetadataType),
			})
			return nil, nil
		}
		return out, nil
	}
}

func correlationID(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(MetadataCorrelationID) == "" {
			msg.Metadata.Set(MetadataCorrelationID, ids.CreateULID())
		}
		return next(msg)
	}
}

func tracer(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer("middleware-events").Start(msg.Context(), "EventHook")
		defer span.End()
		msg.SetContext(ctx)
		span.SetAttributes(
			attribute.String("event.channel", msg.Metadata.Get(MetadataChannel)),
			attribute.String("event.type", msg.Metadata.Get(MetadataType)),
			attribute.String("message.uuid", msg.UUID),
		)
		return next(msg)
	}
}
