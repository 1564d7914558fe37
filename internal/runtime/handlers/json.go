package handlers

import (
	"context"
	"reflect"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
)

// TypedCall exposes the validated arguments of a call decoded into T.
type TypedCall[T any] struct {
	CallContextBase
	Args T
}

// TypedHandler processes decoded arguments and returns the value placed
// under "result".
type TypedHandler[T any, R any] func(ctx context.Context, call TypedCall[T]) (R, error)

// BuildTypedHandler converts a typed handler into a method handler. T must
// be a pointer; the validated argument map is decoded into a fresh value for
// every call.
func BuildTypedHandler[T any, R any](handler TypedHandler[T, R]) (methods.Handler, error) {
	if handler == nil {
		return nil, errs.ErrHandlerRequired
	}

	prototypeFactory, err := argsPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, call *methods.Call) (any, error) {
		typed := prototypeFactory()
		if err := jsoncodec.Convert(call.Args, typed); err != nil {
			return nil, errs.Wrap(errs.KindValidation, err, "failed to decode arguments")
		}
		return handler(ctx, TypedCall[T]{CallContextBase: newBase(ctx, call), Args: typed})
	}, nil
}

// MustBuildTypedHandler panics when BuildTypedHandler fails.
func MustBuildTypedHandler[T any, R any](handler TypedHandler[T, R]) methods.Handler {
	h, err := BuildTypedHandler(handler)
	if err != nil {
		panic(err)
	}
	return h
}

func argsPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errs.ErrArgsTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errs.ErrArgsPointerRequired
	}
	elem := typ.Elem()
	return func() T {
		clone := reflect.New(elem).Interface()
		return clone.(T)
	}, nil
}
