package auth

import (
	"context"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/ids"
	"github.com/truenas/middleware-sub000/internal/runtime/logging"
)

// Audit events recorded for denied calls.
const (
	EventUnauthenticated = "UNAUTHENTICATED"
	EventUnauthorized    = "UNAUTHORIZED"
	EventRateLimited     = "RATE_LIMITED"
)

// Requirement is what a method or an event channel demands of its caller.
type Requirement struct {
	// Name keys rate-limit buckets, for example "auth.login_ex".
	Name             string
	Roles            []string
	Private          bool
	NoAuthentication bool
	NoAuthorization  bool
	RateLimit        bool
}

// Request carries what the caller presented: an authenticated session, a
// per-call credential, or neither.
type Request struct {
	Session    *Session
	Credential *Credential
	Origin     Origin
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool
	Kind    errs.Kind
	Reason  string
	// Event is set on denial to one of the Event constants.
	Event         string
	Identity      *Identity
	Session       *Session
	Authenticated bool
	Authorized    bool
	FullAdmin     bool
	// Roles is the expanded role set of the identity.
	Roles map[string]struct{}
}

// Err converts a denial into a typed error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errs.New(d.Kind, "%s", d.Reason)
}

// HasRole reports whether the expanded role set contains role.
func (d Decision) HasRole(role string) bool {
	_, ok := d.Roles[role]
	return ok
}

// GateOptions wires the gate.
type GateOptions struct {
	Roles          *Roles
	Authenticator  *Authenticator
	Limiter        *Limiter
	ComplianceMode string
	Logger         logging.ServiceLogger
}

// Gate authenticates callers and authorizes their calls and subscriptions.
type Gate struct {
	roles   *Roles
	authn   *Authenticator
	limiter *Limiter
	mode    string
	logger  logging.ServiceLogger
	now     func() time.Time
}

func NewGate(opts GateOptions) *Gate {
	if opts.Roles == nil {
		opts.Roles = MustRoles(DefaultRoles(opts.ComplianceMode)...)
	}
	if opts.Authenticator == nil {
		opts.Authenticator = NewAuthenticator(AuthenticatorOptions{})
	}
	if opts.Limiter == nil {
		opts.Limiter = NewLimiter(LimiterOptions{})
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Gate{
		roles:   opts.Roles,
		authn:   opts.Authenticator,
		limiter: opts.Limiter,
		mode:    opts.ComplianceMode,
		logger:  opts.Logger,
		now:     time.Now,
	}
}

func (g *Gate) Roles() *Roles                 { return g.roles }
func (g *Gate) Authenticator() *Authenticator { return g.authn }
func (g *Gate) Limiter() *Limiter             { return g.limiter }
func (g *Gate) ComplianceMode() string        { return g.mode }

// Check decides whether the request may proceed against need.
func (g *Gate) Check(ctx context.Context, req Request, need Requirement) Decision {
	sess, err := g.resolve(ctx, req)
	d := Decision{Session: sess}
	if sess != nil {
		d.Identity = sess.Identity
	}

	if need.NoAuthentication && need.NoAuthorization {
		if sess == nil && need.RateLimit && !g.limiter.Allow(need.Name, req.Origin) {
			return g.deny(ctx, d, errs.KindRateLimited, EventRateLimited, "rate limit exceeded")
		}
		d.Allowed, d.Authenticated, d.Authorized = true, sess != nil, true
		g.expand(&d)
		return d
	}

	if sess == nil {
		if need.RateLimit && !g.limiter.Allow(need.Name, req.Origin) {
			return g.deny(ctx, d, errs.KindRateLimited, EventRateLimited, "rate limit exceeded")
		}
		reason := "not authenticated"
		if err != nil {
			reason = "authentication failed"
			g.logger.Debug("Credential rejected", logging.LogFields{"requirement": need.Name, "origin": req.Origin.String(), "error": err.Error()})
		}
		return g.deny(ctx, d, errs.KindUnauthenticated, EventUnauthenticated, reason)
	}
	d.Authenticated = true
	if req.Credential != nil {
		g.limiter.Clear(req.Origin)
	}
	if sess.Expired(g.now()) {
		return g.deny(ctx, d, errs.KindUnauthorized, EventUnauthorized, "session expired")
	}
	if need.Private && req.Origin.External() {
		return g.deny(ctx, d, errs.KindUnauthorized, EventUnauthorized, "private method may not be called from "+string(req.Origin.Transport))
	}
	g.expand(&d)

	switch {
	case sess.Identity.System:
		d.Allowed = true
	case need.NoAuthorization && (sess.CredentialType != CredentialAPIKey || len(need.Roles) == 0):
		d.Allowed = true
	default:
		for _, role := range need.Roles {
			if _, ok := d.Roles[role]; ok {
				d.Allowed = true
				break
			}
		}
	}
	if !d.Allowed {
		return g.deny(ctx, d, errs.KindUnauthorized, EventUnauthorized, "not authorized")
	}
	d.Authorized = true
	return d
}

// Authenticate resolves a credential into a new, unstored session.
func (g *Gate) Authenticate(ctx context.Context, cred Credential, origin Origin) (*Session, *Resolution, error) {
	res, err := g.authn.Resolve(ctx, cred, origin)
	if err != nil {
		return nil, nil, err
	}
	return g.sessionFor(res, origin), res, nil
}

// SessionFor builds an unstored session for a resolution.
func (g *Gate) SessionFor(res *Resolution, origin Origin) *Session {
	return g.sessionFor(res, origin)
}

func (g *Gate) sessionFor(res *Resolution, origin Origin) *Session {
	s := &Session{
		ID:              ids.CreateULID(),
		Identity:        res.Identity,
		CredentialType:  res.Type,
		Chain:           res.Chain,
		Origin:          origin,
		CreatedAt:       g.now(),
		SecureTransport: origin.SecureTransport,
		ComplianceMode:  g.mode,
	}
	if res.Claims != nil && res.Claims.ExpiresAt != nil {
		s.ExpiresAt = res.Claims.ExpiresAt.Time
	}
	return s
}

func (g *Gate) resolve(ctx context.Context, req Request) (*Session, error) {
	switch {
	case req.Session != nil:
		return req.Session, nil
	case req.Credential != nil:
		sess, _, err := g.Authenticate(ctx, *req.Credential, req.Origin)
		return sess, err
	case req.Origin.Transport == TransportInternal:
		return g.sessionFor(&Resolution{Identity: SystemIdentity(), Type: CredentialInternal}, req.Origin), nil
	}
	return nil, nil
}

func (g *Gate) expand(d *Decision) {
	if d.Identity == nil {
		d.Roles = map[string]struct{}{}
		return
	}
	mode := g.mode
	if d.Session != nil && d.Session.ComplianceMode != "" {
		mode = d.Session.ComplianceMode
	}
	d.Roles = g.roles.Expand(d.Identity.Roles, mode)
	d.FullAdmin = d.Identity.System || g.roles.FullAdmin(d.Identity.Roles, mode)
}

func (g *Gate) deny(ctx context.Context, d Decision, kind errs.Kind, event, reason string) Decision {
	d.Allowed = false
	d.Kind, d.Event, d.Reason = kind, event, reason
	if kind == errs.KindUnauthenticated || kind == errs.KindRateLimited {
		g.limiter.Delay(ctx)
	}
	return d
}
