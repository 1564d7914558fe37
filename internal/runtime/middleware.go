package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/handlers"
	idspkg "github.com/truenas/middleware-sub000/internal/runtime/ids"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/metadata"
)

// CallHandler runs one invocation and returns the raw handler result.
type CallHandler func(ctx context.Context, inv *Invocation) (any, error)

// Middleware wraps a CallHandler.
type Middleware func(next CallHandler) CallHandler

// MiddlewareBuilder constructs a call middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service constructor.
// The first registration is the outermost stage.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogCallsMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		TimeoutMiddleware(),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware ensures each call carries a correlation identifier and
// exposes the call metadata through the context.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(next CallHandler) CallHandler {
			return func(ctx context.Context, inv *Invocation) (any, error) {
				if inv.Metadata == nil {
					inv.Metadata = metadata.Metadata{}
				}
				if inv.Metadata[handlers.MetadataKeyCorrelationID] == "" {
					inv.Metadata[handlers.MetadataKeyCorrelationID] = idspkg.CreateULID()
				}
				return next(metadata.NewContext(ctx, inv.Metadata), inv)
			}
		},
	}
}

// LogCallsMiddleware logs every dispatched call and its outcome.
func LogCallsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_calls",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log calls middleware requires a logger")
			}
			return logCallsMiddleware(l), nil
		},
	}
}

func logCallsMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			fields := inv.Metadata.Fields()
			logger.Debug("Dispatching call", fields)
			result, err := next(ctx, inv)
			if err != nil {
				fields["kind"] = string(errspkg.KindOf(err))
				fields["duration"] = time.Since(inv.Started).String()
				logger.Debug("Call failed", fields)
			}
			return result, err
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(next CallHandler) CallHandler {
			return func(ctx context.Context, inv *Invocation) (any, error) {
				tracer := otel.Tracer("middlewared-dispatcher")
				ctx, span := tracer.Start(ctx, inv.Method.Key(), trace.WithSpanKind(trace.SpanKindServer))
				defer span.End()

				if sc := span.SpanContext(); sc.IsValid() && inv.Metadata != nil {
					inv.Metadata[handlers.MetadataKeyTraceID] = sc.TraceID().String()
					inv.Metadata[handlers.MetadataKeySpanID] = sc.SpanID().String()
				}
				span.SetAttributes(
					attribute.String("rpc.service", inv.Method.Service),
					attribute.String("rpc.method", inv.Method.Name),
					attribute.String("middleware.api_version", inv.Call.Version),
					attribute.String("middleware.class", inv.Method.Class.String()),
					attribute.String("middleware.correlation_id", inv.Metadata[handlers.MetadataKeyCorrelationID]),
				)
				result, err := next(ctx, inv)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, string(errspkg.KindOf(err)))
				}
				return result, err
			}
		},
	}
}

// MetricsMiddleware records per-method statistics and Prometheus counters.
// The /metrics endpoint is exposed when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			if s.Conf.MetricsEnabled {
				if err := s.metrics.Register(); err != nil {
					return nil, err
				}
				if s.Conf.MetricsPort > 0 {
					s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
				}
			}
			classifier := s.getErrorClassifier()
			return func(next CallHandler) CallHandler {
				return func(ctx context.Context, inv *Invocation) (any, error) {
					info := s.methodInfo(inv.Method)
					info.Stats.onCallStart()
					start := time.Now()
					result, err := next(ctx, inv)
					elapsed := time.Since(start)
					info.Stats.onCallFinish(elapsed, err, classifier)
					s.metrics.RecordCall(inv.Method.Key(), string(errspkg.KindOf(err)), elapsed)
					return result, err
				}
			}, nil
		},
	}
}

// TimeoutMiddleware bounds non-job calls by the method timeout or the
// default of the method class.
func TimeoutMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "timeout",
		Builder: func(s *Service) (Middleware, error) {
			return func(next CallHandler) CallHandler {
				return func(ctx context.Context, inv *Invocation) (any, error) {
					if inv.Call.Job != nil {
						return next(ctx, inv)
					}
					limit := s.timeoutFor(inv.Method)
					if limit <= 0 {
						return next(ctx, inv)
					}
					ctx, cancel := context.WithTimeout(ctx, limit)
					defer cancel()
					result, err := next(ctx, inv)
					if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errspkg.KindOf(err) == errspkg.KindTimeout {
						return nil, errspkg.New(errspkg.KindTimeout, "%s timed out after %s", inv.Method.Key(), limit)
					}
					return result, err
				}
			}, nil
		},
	}
}

// RecovererMiddleware converts panics raised by later stages into Internal
// errors carrying the stack trace.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "recoverer",
		Middleware: func(next CallHandler) CallHandler {
			return func(ctx context.Context, inv *Invocation) (result any, err error) {
				defer func() {
					if r := recover(); r != nil {
						result, err = nil, panicError(r, debug.Stack())
					}
				}()
				return next(ctx, inv)
			}
		},
	}
}

// RegisterMiddleware appends the supplied middleware to the call chain. It
// must be called before the first call is dispatched.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errspkg.ErrMiddlewareRequired
	}

	if mw == nil {
		return nil
	}

	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	if s.chain != nil {
		return fmt.Errorf("register middleware %s: %w", cfg.Name, errspkg.ErrRegistrySealed)
	}
	s.middlewares = append(s.middlewares, mw)
	s.middlewareNames = append(s.middlewareNames, cfg.Name)
	return nil
}

// Middlewares lists the registered stage names, outermost first.
func (s *Service) Middlewares() []string {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	return append([]string(nil), s.middlewareNames...)
}

// buildChain composes the registered middlewares around the executor. The
// first registration ends up outermost.
func (s *Service) buildChain() CallHandler {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()
	if s.chain != nil {
		return s.chain
	}
	h := CallHandler(s.execute)
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	s.chain = h
	return h
}
