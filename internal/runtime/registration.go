package runtime

import (
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	handlerpkg "github.com/truenas/middleware-sub000/internal/runtime/handlers"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

// RegisterMethod adds m to the method registry of svc. Registration closes
// when the first call is dispatched.
func RegisterMethod(svc *Service, m *methods.Method) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if m == nil {
		return errspkg.ErrHandlerRequired
	}
	return svc.methods.Register(m)
}

// TypedMethodRegistration declares a method whose handler receives its
// validated arguments decoded into T.
type TypedMethodRegistration[T any, R any] struct {
	// Method carries everything but the handler.
	Method  methods.Method
	Handler handlerpkg.TypedHandler[T, R]
}

// RegisterTypedMethod converts the typed handler into a method handler and registers it.
func RegisterTypedMethod[T any, R any](svc *Service, cfg TypedMethodRegistration[T, R]) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	wrapped, err := handlerpkg.BuildTypedHandler(cfg.Handler)
	if err != nil {
		return err
	}

	m := cfg.Method
	m.Handler = wrapped
	return svc.methods.Register(&m)
}

// MustRegisterMethods registers every method and panics on the first error.
func MustRegisterMethods(svc *Service, ms ...*methods.Method) {
	for _, m := range ms {
		if err := RegisterMethod(svc, m); err != nil {
			panic(err)
		}
	}
}
