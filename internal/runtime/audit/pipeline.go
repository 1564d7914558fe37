package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/ids"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// Options configures a Pipeline.
type Options struct {
	Sink   Sink
	Logger logging.ServiceLogger
	// AllCalls records successful calls of methods without an audit template.
	AllCalls bool
	Now      func() time.Time
	// OnRecord observes every record after it is written.
	OnRecord func(Record)
}

// Pipeline renders records and writes them to the sink. A failing sink is
// logged and never fails the call.
type Pipeline struct {
	opts Options
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Sink == nil {
		opts.Sink = Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{opts: opts}
}

// Sink is the configured sink.
func (p *Pipeline) Sink() Sink { return p.opts.Sink }

// Call describes the audited invocation.
type Call struct {
	Method *methods.Method
	// Params are the raw positional params as received.
	Params []any
	// Args are the validated arguments, when validation was reached.
	Args     map[string]any
	Resolver schema.Resolver
	Session  *auth.Session
	Origin   auth.Origin
}

// Entry is an open record. Handlers append to it through Callback until
// Finish closes it.
type Entry struct {
	p    *Pipeline
	call Call

	mu       sync.Mutex
	messages []string
	closed   bool
}

// Begin opens a record for an authorized call.
func (p *Pipeline) Begin(call Call) *Entry {
	return &Entry{p: p, call: call}
}

// SetArgs records the validated arguments.
func (e *Entry) SetArgs(args map[string]any) {
	e.mu.Lock()
	e.call.Args = args
	e.mu.Unlock()
}

// Callback appends msg to the description. Messages after Finish are dropped.
func (e *Entry) Callback(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.messages = append(e.messages, msg)
	}
}

// Finish writes the record once, with success reflecting err.
func (e *Entry) Finish(ctx context.Context, err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	messages := e.messages
	call := e.call
	e.mu.Unlock()

	m := call.Method
	if err == nil && m.Audit == "" && !e.p.opts.AllCalls {
		return
	}
	rec := e.p.record(call, EventMethodCall, true, true, err == nil)
	named, positional := RedactParams(m.Accepts, call.Params, call.Args, call.Resolver)
	rec.EventData.Params = positional
	rec.EventData.Description = describe(m, named, messages)
	if err != nil {
		typed := errs.Normalize(err)
		rec.EventData.Error = typed.Error()
		rec.EventData.Trace = typed.Trace
	}
	e.p.write(ctx, rec)
}

// Deny writes the record of a call refused by the gate.
func (p *Pipeline) Deny(ctx context.Context, call Call, d auth.Decision) {
	if call.Session == nil {
		call.Session = d.Session
	}
	rec := p.record(call, d.Event, d.Authenticated, d.Authorized, false)
	named, positional := RedactParams(call.Method.Accepts, call.Params, nil, call.Resolver)
	rec.EventData.Params = positional
	rec.EventData.Description = describe(call.Method, named, nil)
	rec.EventData.Error = d.Reason
	p.write(ctx, rec)
}

// Login writes an authentication record. username is what the caller
// claimed when the session is nil.
func (p *Pipeline) Login(ctx context.Context, sess *auth.Session, username string, origin auth.Origin, mechanism string, success bool, reason string) {
	rec := p.record(Call{Session: sess, Origin: origin}, EventAuthentication, success, success, success)
	if rec.Username == "" {
		rec.Username = username
	}
	rec.EventData.Description = "Authentication via " + mechanism
	rec.EventData.Error = reason
	p.write(ctx, rec)
}

func (p *Pipeline) record(call Call, event string, authenticated, authorized, success bool) Record {
	rec := Record{
		AuditID:   ids.NewAuditID(),
		Vers:      CurrentVersion,
		Address:   call.Origin.Address(),
		Timestamp: p.opts.Now().UTC(),
		Service:   ServiceName,
		ServiceData: ServiceData{
			Vers:        CurrentVersion,
			Origin:      call.Origin.String(),
			Protocol:    string(call.Origin.Transport),
			Credentials: credentialsOf(call.Session),
		},
		Event: event,
		EventData: EventData{
			Authenticated: authenticated,
			Authorized:    authorized,
		},
		Success: success,
	}
	if call.Method != nil {
		rec.EventData.Method = call.Method.Key()
	}
	if call.Session != nil {
		rec.SessionID = call.Session.ID
		if call.Session.Identity != nil {
			rec.Username = call.Session.Identity.Username
		}
	}
	return rec
}

func (p *Pipeline) write(ctx context.Context, rec Record) {
	if err := p.opts.Sink.Write(ctx, rec); err != nil {
		p.opts.Logger.Error("Failed to write audit record", err, logging.LogFields{
			"audit_id": rec.AuditID,
			"event":    rec.Event,
			"method":   rec.EventData.Method,
		})
		return
	}
	if p.opts.OnRecord != nil {
		p.opts.OnRecord(rec)
	}
}

func describe(m *methods.Method, args map[string]any, messages []string) string {
	desc := m.Key()
	if m.Audit != "" {
		desc = Format(m.Audit, args)
	}
	switch {
	case len(messages) > 0:
		return desc + " " + strings.Join(messages, " ")
	case m.AuditExtended != nil:
		if ext := extended(m, args); ext != "" {
			return desc + " " + ext
		}
	}
	return desc
}

func extended(m *methods.Method, args map[string]any) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = ""
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return m.AuditExtended(args)
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s success=%t", r.Event, r.EventData.Method, r.Username, r.Success)
}
