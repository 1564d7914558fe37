// Package methods holds method declarations and the registry that validates
// them at startup.
package methods

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// Class pins where a handler runs.
type Class int

const (
	// ClassCooperative handlers run on their own goroutine and block only on
	// context-aware operations.
	ClassCooperative Class = iota
	// ClassInline handlers run on the dispatching goroutine and must not block.
	ClassInline
	// ClassBlocking handlers run on the fixed-size worker pool.
	ClassBlocking
)

func (c Class) String() string {
	switch c {
	case ClassInline:
		return "inline"
	case ClassBlocking:
		return "blocking"
	default:
		return "cooperative"
	}
}

// DefaultLockQueueSize bounds the jobs waiting on one lock key when a job
// method does not set LockQueueSize.
const DefaultLockQueueSize = 5

// JobOptions marks a method as long-running.
type JobOptions struct {
	// LockQueueSize limits queued jobs per lock key. Zero refuses a new job
	// while one holds the lock; nil means DefaultLockQueueSize.
	LockQueueSize *int
	Abortable     bool
	// Transient jobs emit no events and are dropped once finished.
	Transient bool
	// Description renders the job description from its arguments.
	Description func(args map[string]any) string
	// Logs enables the per-job log file.
	Logs bool
}

// QueueSize resolves LockQueueSize.
func (o *JobOptions) QueueSize() int {
	if o == nil || o.LockQueueSize == nil {
		return DefaultLockQueueSize
	}
	return *o.LockQueueSize
}

// QueueSize is a helper for JobOptions literals.
func QueueSize(n int) *int { return &n }

// Handler is the body of a method.
type Handler func(ctx context.Context, call *Call) (any, error)

// JobControl is what a running job exposes to its handler.
type JobControl interface {
	ID() int64
	SetProgress(percent float64, description string, extra any)
	// AddAbortHook registers fn to run when the job is aborted, for example to
	// signal a subprocess.
	AddAbortHook(fn func())
	Logs() io.Writer
}

// Call is one invocation handed to a handler.
type Call struct {
	Method   *Method
	Args     map[string]any
	Identity *auth.Identity
	// Session is set only for methods with PassThreadLocal.
	Session *auth.Session
	Origin  auth.Origin
	// Version is the API version the caller speaks.
	Version string
	// Job is set when the method runs as a job.
	Job    JobControl
	Logger logging.ServiceLogger
	// AuditCallback is set for methods declared with AuditCallback.
	AuditCallback func(string)
}

// Audit appends msg to the audit record of the call. It is a no-op for
// methods without an audit callback.
func (c *Call) Audit(msg string) {
	if c != nil && c.AuditCallback != nil {
		c.AuditCallback(msg)
	}
}

// Arg returns a single argument by field name.
func (c *Call) Arg(name string) any {
	return c.Args[name]
}

// Bind decodes the validated arguments into dst.
func (c *Call) Bind(dst any) error {
	return jsoncodec.Convert(c.Args, dst)
}

// Method is a callable (service, name) pair.
type Method struct {
	Service string
	Name    string
	// Version is the API version the handler is written against; empty means
	// the registry default.
	Version     string
	Description string
	// Plugin owns private models; their namespace is schema.PluginNamespace(Plugin).
	Plugin string

	Accepts *schema.Model
	Returns *schema.Model
	Handler Handler
	Class   Class
	// Timeout bounds non-job calls. Zero uses the class default and a
	// negative value disables the deadline.
	Timeout time.Duration

	Roles []string
	// RolePrefix derives Roles (<prefix>_READ for query-like methods,
	// <prefix>_WRITE otherwise) and grants secret visibility to <prefix>_WRITE.
	RolePrefix string
	CRUDHelper bool

	Private          bool
	CLIPrivate       bool
	NoAuthentication bool
	NoAuthorization  bool
	NoRateLimit      bool
	PassThreadLocal  bool
	RemovedIn        string

	// Audit is the message template; {field} and {field.sub} are replaced
	// from the redacted arguments.
	Audit         string
	AuditCallback bool
	AuditExtended func(args map[string]any) string

	LockKey     string
	LockKeyFunc func(args map[string]any) string

	Job *JobOptions

	removedIn apiversion.Version
}

// Key is "service.name".
func (m *Method) Key() string {
	return m.Service + "." + m.Name
}

func (m *Method) String() string { return m.Key() }

// IsJob reports whether calls are enqueued as jobs.
func (m *Method) IsJob() bool { return m.Job != nil }

// RateLimited reports whether unauthenticated callers consume rate-limit tokens.
func (m *Method) RateLimited() bool { return !m.NoRateLimit }

// Lock resolves the lock key for args. An empty key means no serialization.
func (m *Method) Lock(args map[string]any) string {
	if m.LockKeyFunc != nil {
		return m.LockKeyFunc(args)
	}
	return m.LockKey
}

// RemovedAt reports whether callers at v may no longer reach the method.
func (m *Method) RemovedAt(v apiversion.Version) bool {
	return !m.removedIn.IsZero() && v.AtLeast(m.removedIn)
}

// RemovedInVersion is the parsed RemovedIn.
func (m *Method) RemovedInVersion() apiversion.Version { return m.removedIn }

// Requirement is what the gate checks for calls to m.
func (m *Method) Requirement() auth.Requirement {
	return auth.Requirement{
		Name:             m.Key(),
		Roles:            slices.Clone(m.Roles),
		Private:          m.Private,
		NoAuthentication: m.NoAuthentication,
		NoAuthorization:  m.NoAuthorization,
		RateLimit:        m.RateLimited(),
	}
}

// JobDescription renders the job description for args.
func (m *Method) JobDescription(args map[string]any) string {
	if m.Job != nil && m.Job.Description != nil {
		return m.Job.Description(args)
	}
	if m.Description != "" {
		return m.Description
	}
	return fmt.Sprintf("%s()", m.Key())
}

// WriteRole is the role whose holders see secrets in results.
func (m *Method) WriteRole() string {
	if m.RolePrefix == "" {
		return ""
	}
	return m.RolePrefix + auth.WriteSuffix
}

func (m *Method) clone() *Method {
	cp := *m
	cp.Roles = slices.Clone(m.Roles)
	return &cp
}
