package errors

import sterrors "errors"

// Registration and wiring errors. They surface at startup, never on the wire.
var (
	ErrServiceRequired        = sterrors.New("middleware: dispatcher service is required")
	ErrHandlerRequired        = sterrors.New("middleware: handler function is required")
	ErrMethodNameRequired     = sterrors.New("middleware: service and method name are required")
	ErrAcceptsRequired        = sterrors.New("middleware: accepts model must be a record")
	ErrReturnsSingleField     = sterrors.New("middleware: returns model must be a record with exactly one field named result")
	ErrRolesRequired          = sterrors.New("middleware: public method must carry at least one role")
	ErrAuthDisabled           = sterrors.New("middleware: disabling both authentication and authorization is not allowed for this method")
	ErrModuleOrigin           = sterrors.New("middleware: method models live in the wrong namespace")
	ErrReadRoleOnWrite        = sterrors.New("middleware: read roles may not grant write methods")
	ErrMethodExists           = sterrors.New("middleware: method is already registered")
	ErrInvalidRemovedIn       = sterrors.New("middleware: removed_in_version is not a valid version")
	ErrJobOptionsInvalid      = sterrors.New("middleware: invalid job options")
	ErrRegistrySealed         = sterrors.New("middleware: registry is sealed")
	ErrModelNameRequired      = sterrors.New("middleware: model name is required")
	ErrModelExists            = sterrors.New("middleware: model is already registered")
	ErrSecretInUnion          = sterrors.New("middleware: secret fields may not appear inside a union or an optional")
	ErrInvalidDefault         = sterrors.New("middleware: default value does not validate under its field type")
	ErrUnresolvedReference    = sterrors.New("middleware: model reference cannot be resolved")
	ErrRoleCycle              = sterrors.New("middleware: role includes form a cycle")
	ErrUnknownRole            = sterrors.New("middleware: unknown role")
	ErrChannelExists          = sterrors.New("middleware: event channel is already registered")
	ErrConfigRequired         = sterrors.New("middleware: configuration is required")
	ErrLoggerRequired         = sterrors.New("middleware: logger is required")
	ErrPublisherRequired      = sterrors.New("middleware: publisher is required")
	ErrTopicRequired          = sterrors.New("middleware: topic is required")
	ErrEventPayloadRequired   = sterrors.New("middleware: event payload is required")
	ErrVersionSequenceInvalid = sterrors.New("middleware: api versions must form a strictly increasing sequence")
	ErrArgsTypeRequired       = sterrors.New("middleware: typed handler argument type is required")
	ErrArgsPointerRequired    = sterrors.New("middleware: typed handler arguments must be a pointer type")
	ErrMiddlewareRequired     = sterrors.New("middleware: middleware registration requires Middleware or Builder")
)

// ConfigValidationError wraps the joined configuration problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	if e.Err == nil {
		return "middleware: invalid configuration"
	}
	return "middleware: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }
