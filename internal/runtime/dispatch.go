package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	auditpkg "github.com/truenas/middleware-sub000/internal/runtime/audit"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/handlers"
	"github.com/truenas/middleware-sub000/internal/runtime/jobs"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/metadata"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// Invocation is one authorized call travelling through the middleware chain.
type Invocation struct {
	Envelope Envelope
	Method   *methods.Method
	Decision auth.Decision
	// Args are the validated arguments in the handler's API version.
	Args     map[string]any
	Metadata metadata.Metadata
	Call     *methods.Call
	Started  time.Time
}

// Call dispatches env and always answers with a Reply. Job methods answer
// with {"job_id": N} as soon as the job is queued.
func (s *Service) Call(ctx context.Context, env Envelope) Reply {
	if err := s.Seal(); err != nil {
		return newReply(env.ID, nil, errspkg.Wrap(errspkg.KindInternal, err, "dispatcher is not ready"), false)
	}
	result, d, err := s.dispatch(ctx, env)
	return newReply(env.ID, result, err, d.Authenticated)
}

// CallInternal runs method as the in-process system identity and returns the
// serialized result or the typed error.
func (s *Service) CallInternal(ctx context.Context, method string, args ...any) (any, error) {
	service, name := SplitMethod(method)
	reply := s.Call(ctx, Envelope{
		Service: service,
		Method:  name,
		Args:    args,
		Origin:  auth.InternalOrigin(),
	})
	return reply.Result, reply.Err()
}

func (s *Service) dispatch(ctx context.Context, env Envelope) (any, auth.Decision, error) {
	var d auth.Decision
	m, err := s.methods.Resolve(env.Key())
	if err != nil {
		return nil, d, err
	}
	caller, handler, err := s.callVersions(m, env.Version)
	if err != nil {
		return nil, d, err
	}

	d = s.gate.Check(ctx, auth.Request{
		Session:    env.Session,
		Credential: env.Credential,
		Origin:     env.Origin,
	}, m.Requirement())

	auditCall := auditpkg.Call{
		Method:   m,
		Params:   env.Args,
		Resolver: s.models.Scope(m.Version),
		Session:  d.Session,
		Origin:   env.Origin,
	}
	if !d.Allowed {
		s.audit.Deny(ctx, auditCall, d)
		if d.Kind == errspkg.KindRateLimited {
			s.metrics.RateLimited(m.Key())
		}
		return nil, d, d.Err()
	}

	entry := s.audit.Begin(auditCall)
	args, err := s.normalizeArgs(m, caller, handler, env.Args)
	if err != nil {
		entry.Finish(ctx, err)
		return nil, d, err
	}
	entry.SetArgs(args)

	inv := s.newInvocation(env, m, d, args, caller.String(), entry)
	if m.IsJob() {
		result, err := s.submitJob(ctx, inv, entry)
		return result, d, err
	}

	result, err := s.buildChain()(ctx, inv)
	if err == nil {
		result, err = s.serialize(inv, result)
	}
	entry.Finish(ctx, err)
	return result, d, err
}

// callVersions resolves the caller's and the handler's API versions and
// refuses callers at or past the method's removal version.
func (s *Service) callVersions(m *methods.Method, requested string) (caller, handler apiversion.Version, err error) {
	seq := s.models.Sequence()
	handler, ok := seq.Lookup(m.Version)
	if !ok {
		return caller, handler, errspkg.New(errspkg.KindInternal, "%s is registered for unknown API version %q", m.Key(), m.Version)
	}
	if requested == "" {
		caller = handler
	} else if caller, ok = seq.Lookup(requested); !ok {
		return caller, handler, errspkg.New(errspkg.KindNotFound, "unknown API version %q", requested)
	}
	if m.RemovedAt(caller) {
		removed := m.RemovedInVersion().String()
		return caller, handler, errspkg.New(errspkg.KindNotFound, "method %s was removed in %s", m.Key(), removed).
			WithExtra("removed_in", removed)
	}
	return caller, handler, nil
}

// olderThanHandler reports whether caller speaks an API version before the
// one m is declared in. Newer callers see the handler's models unchanged.
func (s *Service) olderThanHandler(caller string, m *methods.Method) bool {
	seq := s.models.Sequence()
	cv, ok := seq.Lookup(caller)
	if !ok {
		return false
	}
	hv, ok := seq.Lookup(m.Version)
	return ok && cv.Less(hv)
}

// normalizeArgs binds positional params onto the accepts record. Callers on
// an older API version go through the version pipeline first.
func (s *Service) normalizeArgs(m *methods.Method, caller, handler apiversion.Version, params []any) (map[string]any, error) {
	opts := schema.Options{Resolver: s.models.Scope(handler.String())}
	if caller.AtLeast(handler) {
		return schema.NormalizeArgs(m.Accepts, params, opts)
	}
	named, err := s.versions.UpgradeArgs(m.Accepts.Name, caller.String(), handler.String(), params)
	if err != nil {
		return nil, err
	}
	return schema.NormalizeNamedArgs(m.Accepts, named, opts)
}

func (s *Service) newInvocation(env Envelope, m *methods.Method, d auth.Decision, args map[string]any, caller string, entry *auditpkg.Entry) *Invocation {
	md := metadata.New(
		handlers.MetadataKeyMethod, m.Key(),
		handlers.MetadataKeyAPIVersion, caller,
		handlers.MetadataKeyOrigin, env.Origin.String(),
	)
	if d.Session != nil {
		md[handlers.MetadataKeySessionID] = d.Session.ID
	}
	call := &methods.Call{
		Method:   m,
		Args:     args,
		Identity: d.Identity,
		Origin:   env.Origin,
		Version:  caller,
		Logger:   s.Logger.With(loggingpkg.LogFields{"method": m.Key()}),
	}
	if m.PassThreadLocal {
		call.Session = d.Session
	}
	if m.AuditCallback {
		call.AuditCallback = entry.Callback
	}
	return &Invocation{
		Envelope: env,
		Method:   m,
		Decision: d,
		Args:     args,
		Metadata: md,
		Call:     call,
		Started:  time.Now(),
	}
}

// submitJob queues a job whose runner drives the same middleware chain. The
// audit record is written when the job finishes.
func (s *Service) submitJob(ctx context.Context, inv *Invocation, entry *auditpkg.Entry) (any, error) {
	m := inv.Method
	display, _ := schema.Redact(m.Accepts, inv.Args, s.models.Scope(m.Version)).(map[string]any)
	var username string
	if inv.Call.Identity != nil {
		username = inv.Call.Identity.Username
	}
	chain := s.buildChain()

	job, err := s.jobs.Submit(jobs.Submission{
		Method:      m,
		Args:        inv.Args,
		DisplayArgs: display,
		Username:    username,
		Run: func(jctx context.Context, j *jobs.Job) (any, error) {
			jobID := strconv.FormatInt(j.ID(), 10)
			jinv := *inv
			jcall := *inv.Call
			jcall.Job = j
			jcall.Logger = inv.Call.Logger.With(loggingpkg.LogFields{"job_id": j.ID()})
			jinv.Call = &jcall
			jinv.Metadata = inv.Metadata.With(handlers.MetadataKeyJobID, jobID)
			jinv.Started = time.Now()

			result, err := chain(jctx, &jinv)
			if err != nil {
				return nil, err
			}
			return s.serialize(&jinv, result)
		},
	})
	if err != nil {
		entry.Finish(ctx, err)
		return nil, err
	}
	job.OnFinish(func(j *jobs.Job) {
		entry.Finish(context.Background(), j.Err())
	})
	return jobResult(job.ID()), nil
}

// execute is the innermost stage: it takes the call lock and runs the
// handler where its class says.
func (s *Service) execute(ctx context.Context, inv *Invocation) (any, error) {
	m := inv.Method
	run := func() (any, error) { return m.Handler(ctx, inv.Call) }
	if inv.Call.Job != nil {
		if m.Class == methods.ClassBlocking {
			return s.pool.Do(ctx, run)
		}
		return protect(run)
	}

	if key := m.Lock(inv.Args); key != "" {
		release, err := s.locks.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	switch m.Class {
	case methods.ClassInline:
		return protect(run)
	case methods.ClassBlocking:
		return s.pool.Do(ctx, run)
	default:
		return goAsync(ctx, run)
	}
}

// serialize shapes a handler result for the caller: downgraded to the
// caller's API version when it is older, then dumped through the returns
// model with secrets redacted unless the caller may see them.
func (s *Service) serialize(inv *Invocation, result any) (any, error) {
	m := inv.Method
	model := m.Returns
	scope := s.models.Scope(m.Version)
	if caller := inv.Call.Version; s.olderThanHandler(caller, m) {
		down, err := s.versions.DowngradeResult(m.Returns.Name, m.Version, caller, result)
		if err != nil {
			return nil, err
		}
		result = down
		if mapped, err := s.models.MapToVersion(m.Returns.Name, m.Version, caller); err == nil {
			model = mapped
			scope = s.models.Scope(caller)
		}
	}
	out, err := schema.Dump(model, map[string]any{"result": result}, schema.DumpOptions{
		ExposeSecrets: exposeSecrets(inv.Decision, m),
		Resolver:      scope,
	})
	if err != nil {
		return nil, err
	}
	obj, _ := out.(map[string]any)
	return obj["result"], nil
}

// exposeSecrets reports whether the caller sees secret values in results:
// full admins, holders of the method's write role and internal sessions do.
func exposeSecrets(d auth.Decision, m *methods.Method) bool {
	if d.FullAdmin {
		return true
	}
	if wr := m.WriteRole(); wr != "" && d.HasRole(wr) {
		return true
	}
	return d.Session != nil && !d.Session.UserSession()
}

// methodInfo returns the statistics holder of m, creating it on first use.
func (s *Service) methodInfo(m *methods.Method) *MethodInfo {
	key := m.Key()
	s.infosMu.RLock()
	info, ok := s.infos[key]
	s.infosMu.RUnlock()
	if ok {
		return info
	}

	s.infosMu.Lock()
	defer s.infosMu.Unlock()
	if info, ok = s.infos[key]; ok {
		return info
	}
	info = newMethodInfo(m, s.getResourceTracker())
	s.infos[key] = info
	return info
}

// MethodInfos describes every method matching f together with its call
// statistics.
func (s *Service) MethodInfos(f methods.Filter) ([]*MethodInfo, error) {
	list, err := s.methods.List(f)
	if err != nil {
		return nil, err
	}
	out := make([]*MethodInfo, 0, len(list))
	for _, m := range list {
		out = append(out, s.methodInfo(m))
	}
	return out, nil
}
