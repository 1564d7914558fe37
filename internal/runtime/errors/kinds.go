package errors

import (
	"context"
	sterrors "errors"
	"fmt"
	"strings"
)

// Kind is the closed set of error categories a caller can observe on the wire.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindAlreadyExists       Kind = "AlreadyExists"
	KindUnauthenticated     Kind = "Unauthenticated"
	KindUnauthorized        Kind = "Unauthorized"
	KindRateLimited         Kind = "RateLimited"
	KindLockBusy            Kind = "LockBusy"
	KindTimeout             Kind = "Timeout"
	KindCancelled           Kind = "Cancelled"
	KindConflict            Kind = "Conflict"
	KindVersionIncompatible Kind = "VersionIncompatible"
	KindInternal            Kind = "Internal"
)

// Kinds lists every Kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindValidation, KindNotFound, KindAlreadyExists, KindUnauthenticated, KindUnauthorized,
		KindRateLimited, KindLockBusy, KindTimeout, KindCancelled, KindConflict,
		KindVersionIncompatible, KindInternal,
	}
}

// Issue is one field-level validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"msg"`
	Code    string `json:"code,omitempty"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Error is the typed error carried from any dispatcher stage back to the caller.
type Error struct {
	Kind    Kind
	Message string
	Details []Issue
	// Extra carries structured, kind-specific context such as the removed_in version.
	Extra map[string]any
	// Trace is recorded for Internal errors and never surfaced to unauthenticated callers.
	Trace string

	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Details) == 0 {
		if e.Message == "" {
			return string(e.Kind)
		}
		return string(e.Kind) + ": " + e.Message
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.String())
	}
	msg := e.Message
	if msg == "" {
		msg = "validation failed"
	}
	return fmt.Sprintf("%s: %s [%s]", e.Kind, msg, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !sterrors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Message == "" && other.cause == nil
}

// WithExtra returns a copy of e carrying the additional key.
func (e *Error) WithExtra(key string, value any) *Error {
	cp := *e
	cp.Extra = make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		cp.Extra[k] = v
	}
	cp.Extra[key] = value
	return &cp
}

// New builds a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error that keeps err as its cause.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// Validation builds a ValidationError from the collected issues.
func Validation(issues ...Issue) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Details: issues}
}

// Sentinel returns a bare error of the given kind, suitable as an errors.Is target.
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// As extracts the typed error from err when present.
func As(err error) (*Error, bool) {
	var typed *Error
	if sterrors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// KindOf classifies any error into the closed kind set.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if typed, ok := As(err); ok {
		return typed.Kind
	}
	switch {
	case sterrors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case sterrors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// Normalize converts any error into an *Error, preserving typed errors.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := As(err); ok {
		return typed
	}
	kind := KindOf(err)
	return Wrap(kind, err, err.Error())
}

var exitCodes = map[Kind]int{
	KindInternal:            1,
	KindValidation:          2,
	KindNotFound:            3,
	KindAlreadyExists:       4,
	KindUnauthenticated:     5,
	KindUnauthorized:        6,
	KindRateLimited:         7,
	KindLockBusy:            8,
	KindTimeout:             9,
	KindCancelled:           10,
	KindConflict:            11,
	KindVersionIncompatible: 12,
}

// ExitCode maps a kind onto the CLI process exit code.
func ExitCode(kind Kind) int {
	if code, ok := exitCodes[kind]; ok {
		return code
	}
	return 1
}
