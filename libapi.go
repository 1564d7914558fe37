package middleware

import (
	runtimepkg "github.com/truenas/middleware-sub000/internal/runtime"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	handlerpkg "github.com/truenas/middleware-sub000/internal/runtime/handlers"
	idspkg "github.com/truenas/middleware-sub000/internal/runtime/ids"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	metadatapkg "github.com/truenas/middleware-sub000/internal/runtime/metadata"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = transportpkg.Factory

	Conn       = runtimepkg.Conn
	Envelope   = runtimepkg.Envelope
	Reply      = runtimepkg.Reply
	ReplyError = runtimepkg.ReplyError
	Invocation = runtimepkg.Invocation

	Method     = methods.Method
	Call       = methods.Call
	Handler    = methods.Handler
	JobOptions = methods.JobOptions
	JobControl = methods.JobControl

	Model = schema.Model
	Field = schema.Field

	CRUDService                       = runtimepkg.CRUDService
	TypedMethodRegistration[T, R any] = runtimepkg.TypedMethodRegistration[T, R]
	TypedCall[T any]                  = handlerpkg.TypedCall[T]
	TypedHandler[T, R any]            = handlerpkg.TypedHandler[T, R]
	CallContextBase                   = handlerpkg.CallContextBase

	CallHandler            = runtimepkg.CallHandler
	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	User       = auth.User
	Credential = auth.Credential
	Origin     = auth.Origin

	Error     = errspkg.Error
	ErrorKind = errspkg.Kind
	Issue     = errspkg.Issue

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	MethodInfo                = runtimepkg.MethodInfo
	MethodStats               = runtimepkg.MethodStats
	DispatcherMetrics         = runtimepkg.DispatcherMetrics
	DispatcherMetricsSnapshot = runtimepkg.DispatcherMetricsSnapshot
	ErrorClassifier           = runtimepkg.ErrorClassifier
	ErrorCategory             = runtimepkg.ErrorCategory
)

var (
	NewService    = runtimepkg.NewService
	TryNewService = runtimepkg.TryNewService
	LoadConfig    = configpkg.Load

	RegisterMethod      = runtimepkg.RegisterMethod
	MustRegisterMethods = runtimepkg.MustRegisterMethods
	RegisterCRUDService = runtimepkg.RegisterCRUDService
	SplitMethod         = runtimepkg.SplitMethod
	ConnFromContext     = runtimepkg.ConnFromContext

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogCallsMiddleware      = runtimepkg.LogCallsMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	NewError        = errspkg.New
	WrapError       = errspkg.Wrap
	ValidationError = errspkg.Validation
	ErrorKindOf     = errspkg.KindOf

	HashPassword = auth.HashPassword

	Record      = schema.Record
	Required    = schema.Required
	Optional    = schema.Optional
	WithDefault = schema.WithDefault
	Secret      = schema.Secret
	Nullable    = schema.Nullable
	ArrayOf     = schema.ArrayOf
	Enum        = schema.Enum
	Int         = schema.Int
	String      = schema.String
	Bool        = schema.Bool
	Any         = schema.Any
	MinLength   = schema.MinLength
	Min         = schema.Min

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrMethodNameRequired = errspkg.ErrMethodNameRequired
	ErrAcceptsRequired    = errspkg.ErrAcceptsRequired
	ErrReturnsSingleField = errspkg.ErrReturnsSingleField
	ErrRolesRequired      = errspkg.ErrRolesRequired
	ErrMethodExists       = errspkg.ErrMethodExists
	ErrRegistrySealed     = errspkg.ErrRegistrySealed
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrConnClosed         = runtimepkg.ErrConnClosed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewLogger            = loggingpkg.New

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Error kinds every failed call reports.
const (
	KindValidation          = errspkg.KindValidation
	KindNotFound            = errspkg.KindNotFound
	KindAlreadyExists       = errspkg.KindAlreadyExists
	KindUnauthenticated     = errspkg.KindUnauthenticated
	KindUnauthorized        = errspkg.KindUnauthorized
	KindRateLimited         = errspkg.KindRateLimited
	KindLockBusy            = errspkg.KindLockBusy
	KindTimeout             = errspkg.KindTimeout
	KindCancelled           = errspkg.KindCancelled
	KindConflict            = errspkg.KindConflict
	KindVersionIncompatible = errspkg.KindVersionIncompatible
	KindInternal            = errspkg.KindInternal
)

func RegisterTypedMethod[T any, R any](svc *Service, cfg TypedMethodRegistration[T, R]) error {
	return runtimepkg.RegisterTypedMethod(svc, cfg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
