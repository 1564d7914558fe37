package runtime

import (
	"context"
	"strconv"
	"time"

	auditpkg "github.com/truenas/middleware-sub000/internal/runtime/audit"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	"github.com/truenas/middleware-sub000/internal/runtime/filters"
	"github.com/truenas/middleware-sub000/internal/runtime/jobs"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// JobsChannel streams ADDED, CHANGED and REMOVED for every non-transient job.
const JobsChannel = "core.get_jobs"

// noDeadline disables the call timeout for methods that wait on jobs.
const noDeadline = -1

func queryArgs(name string) *schema.Model {
	return schema.Record(name,
		schema.WithDefault("filters", schema.ArrayOf(schema.Any()), []any{}),
		schema.WithDefault("options", schema.MapOf(schema.Any()), map[string]any{}),
	)
}

func result(name string, t *schema.Model) *schema.Model {
	return schema.Record(name, schema.Required("result", t))
}

func idArgs(name string, t *schema.Model) *schema.Model {
	return schema.Record(name, schema.Required("id", t))
}

func parseQuery(call *methods.Call) (filters.Filters, filters.Options, error) {
	f, err := filters.Parse(call.Arg("filters"))
	if err != nil {
		return nil, filters.Options{}, err
	}
	opts, err := filters.ParseOptions(call.Arg("options"))
	if err != nil {
		return nil, filters.Options{}, err
	}
	return f, opts, nil
}

func argInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func callerConn(ctx context.Context) (*Conn, error) {
	c, ok := ConnFromContext(ctx)
	if !ok {
		return nil, errspkg.New(errspkg.KindNotFound, "this method needs a client connection")
	}
	return c, nil
}

// fullAdmin reports whether the caller may act on other users' jobs.
func (s *Service) fullAdmin(call *methods.Call) bool {
	id := call.Identity
	if id == nil {
		return false
	}
	mode := s.gate.ComplianceMode()
	if call.Session != nil && call.Session.ComplianceMode != "" {
		mode = call.Session.ComplianceMode
	}
	return id.System || s.gate.Roles().FullAdmin(id.Roles, mode)
}

func (s *Service) registerBuiltins() error {
	s.bus.MustRegister(events.Channel{
		Name:        JobsChannel,
		Description: "Job state changes.",
		Roles:       []string{"JOB_READ"},
	})

	builtins := []*methods.Method{
		{
			Service:          "core",
			Name:             "ping",
			Description:      "Liveness check.",
			Accepts:          schema.Record("CorePingArgs"),
			Returns:          result("CorePingResult", schema.String()),
			Class:            methods.ClassInline,
			NoAuthentication: true,
			NoAuthorization:  true,
			NoRateLimit:      true,
			Handler: func(context.Context, *methods.Call) (any, error) {
				return "pong", nil
			},
		},
		{
			Service:     "core",
			Name:        "get_methods",
			Description: "Describe the methods visible to the caller.",
			Accepts: schema.Record("CoreGetMethodsArgs",
				schema.WithDefault("service", schema.Nullable(schema.String()), nil),
				schema.WithDefault("target", schema.Enum("CoreGetMethodsTarget", "WS", "CLI", "REST"), "WS"),
			),
			Returns:         result("CoreGetMethodsResult", schema.MapOf(schema.Any())),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Handler:         s.getMethods,
		},
		{
			Service:         "core",
			Name:            "get_jobs",
			Description:     "Query jobs. Callers other than full admins only see their own jobs.",
			Accepts:         queryArgs("CoreGetJobsArgs"),
			Returns:         result("CoreGetJobsResult", schema.Any()),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Handler:         s.queryJobs,
		},
		{
			Service:         "job",
			Name:            "query",
			Accepts:         queryArgs("JobQueryArgs"),
			Returns:         result("JobQueryResult", schema.Any()),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Handler:         s.queryJobs,
		},
		{
			Service:         "job",
			Name:            "abort",
			Accepts:         idArgs("JobAbortArgs", schema.Int()),
			Returns:         result("JobAbortResult", schema.Nullable(schema.Any())),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Audit:           "Abort job {id}",
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				if _, err := s.ownedJob(call); err != nil {
					return nil, err
				}
				return nil, s.jobs.Abort(argInt64(call.Arg("id")))
			},
		},
		{
			Service:         "job",
			Name:            "wait",
			Description:     "Wait for a job to finish and return its result.",
			Accepts:         idArgs("JobWaitArgs", schema.Int()),
			Returns:         result("JobWaitResult", schema.Any()),
			Timeout:         noDeadline,
			NoAuthorization: true,
			Handler: func(ctx context.Context, call *methods.Call) (any, error) {
				j, err := s.ownedJob(call)
				if err != nil {
					return nil, err
				}
				if _, err := j.Wait(ctx); err != nil {
					return nil, err
				}
				return j.Snapshot().Result, nil
			},
		},
		{
			Service:         "job",
			Name:            "logs",
			Accepts:         idArgs("JobLogsArgs", schema.Int()),
			Returns:         result("JobLogsResult", schema.String()),
			Class:           methods.ClassBlocking,
			NoAuthorization: true,
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				if _, err := s.ownedJob(call); err != nil {
					return nil, err
				}
				return s.jobs.Logs(argInt64(call.Arg("id")))
			},
		},
		{
			Service:     "core",
			Name:        "subscribe",
			Description: "Subscribe the connection to an event channel.",
			Accepts: schema.Record("CoreSubscribeArgs",
				schema.Required("name", schema.String(schema.MinLength(1))),
				schema.WithDefault("filters", schema.ArrayOf(schema.Any()), []any{}),
			),
			Returns:         result("CoreSubscribeResult", schema.String()),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Handler: func(ctx context.Context, call *methods.Call) (any, error) {
				c, err := callerConn(ctx)
				if err != nil {
					return nil, err
				}
				f, err := filters.Parse(call.Arg("filters"))
				if err != nil {
					return nil, err
				}
				name, _ := call.Arg("name").(string)
				return c.Subscribe(ctx, name, f, "")
			},
		},
		{
			Service:         "core",
			Name:            "unsubscribe",
			Accepts:         idArgs("CoreUnsubscribeArgs", schema.String()),
			Returns:         result("CoreUnsubscribeResult", schema.Nullable(schema.Any())),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Handler: func(ctx context.Context, call *methods.Call) (any, error) {
				c, err := callerConn(ctx)
				if err != nil {
					return nil, err
				}
				id, _ := call.Arg("id").(string)
				return nil, c.Unsubscribe(id)
			},
		},
	}
	builtins = append(builtins, s.authBuiltins()...)
	builtins = append(builtins, &methods.Method{
		Service:     "audit",
		Name:        "query",
		Description: "Query audit records of the middleware service.",
		Accepts:     queryArgs("AuditQueryArgs"),
		Returns:     result("AuditQueryResult", schema.Any()),
		Class:       methods.ClassBlocking,
		Roles:       []string{"SYSTEM_AUDIT_READ"},
		Handler:     s.queryAudit,
	})

	for _, m := range builtins {
		if err := s.methods.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) authBuiltins() []*methods.Method {
	loginData := schema.Record("AuthLoginExData",
		schema.Required("mechanism", schema.Enum("AuthMechanism", "PASSWORD_PLAIN", "API_KEY_PLAIN", "TOKEN_PLAIN", "OTP_TOKEN")),
		schema.Optional("username", schema.String()),
		schema.Optional("password", schema.Secret(schema.String())),
		schema.Optional("api_key", schema.Secret(schema.String())),
		schema.Optional("token", schema.Secret(schema.String())),
		schema.Optional("otp_token", schema.Secret(schema.String())),
	)
	continueData := schema.Record("AuthLoginExContinueData",
		schema.Required("mechanism", schema.Enum("AuthContinueMechanism", "OTP_TOKEN")),
		schema.Required("otp_token", schema.Secret(schema.String())),
	)

	return []*methods.Method{
		{
			Service:          "auth",
			Name:             "mechanism_choices",
			Accepts:          schema.Record("AuthMechanismChoicesArgs"),
			Returns:          result("AuthMechanismChoicesResult", schema.ArrayOf(schema.String())),
			Class:            methods.ClassInline,
			NoAuthentication: true,
			NoAuthorization:  true,
			Handler: func(context.Context, *methods.Call) (any, error) {
				out := []any{}
				for _, m := range auth.Mechanisms() {
					out = append(out, string(m))
				}
				return out, nil
			},
		},
		{
			Service:          "auth",
			Name:             "login_ex",
			Description:      "Authenticate the connection.",
			Accepts:          schema.Record("AuthLoginExArgs", schema.Required("login_data", loginData)),
			Returns:          result("AuthLoginExResult", schema.MapOf(schema.Any())),
			NoAuthentication: true,
			NoAuthorization:  true,
			Handler: func(ctx context.Context, call *methods.Call) (any, error) {
				var req struct {
					LoginData auth.LoginRequest `json:"login_data"`
				}
				if err := call.Bind(&req); err != nil {
					return nil, errspkg.Wrap(errspkg.KindValidation, err, "")
				}
				return s.loginEx(ctx, req.LoginData)
			},
		},
		{
			Service:          "auth",
			Name:             "login_ex_continue",
			Description:      "Continue a login that answered OTP_REQUIRED.",
			Accepts:          schema.Record("AuthLoginExContinueArgs", schema.Required("login_data", continueData)),
			Returns:          result("AuthLoginExContinueResult", schema.MapOf(schema.Any())),
			NoAuthentication: true,
			NoAuthorization:  true,
			Handler: func(ctx context.Context, call *methods.Call) (any, error) {
				var req struct {
					LoginData auth.LoginRequest `json:"login_data"`
				}
				if err := call.Bind(&req); err != nil {
					return nil, errspkg.Wrap(errspkg.KindValidation, err, "")
				}
				return s.loginEx(ctx, req.LoginData)
			},
		},
		{
			Service:         "auth",
			Name:            "me",
			Accepts:         schema.Record("AuthMeArgs"),
			Returns:         result("AuthMeResult", schema.MapOf(schema.Any())),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			PassThreadLocal: true,
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				id := call.Identity
				out := map[string]any{
					"pw_name":    id.Username,
					"pw_uid":     id.UID,
					"privileges": toAnyList(id.Privileges),
					"roles":      toAnyList(id.Roles),
					"webshell":   id.WebShell,
				}
				if call.Session != nil {
					out["session_id"] = call.Session.ID
					out["credentials"] = string(call.Session.CredentialType)
				}
				return out, nil
			},
		},
		{
			Service:         "auth",
			Name:            "logout",
			Accepts:         schema.Record("AuthLogoutArgs"),
			Returns:         result("AuthLogoutResult", schema.Bool()),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			Handler: func(ctx context.Context, _ *methods.Call) (any, error) {
				c, err := callerConn(ctx)
				if err != nil {
					return nil, err
				}
				c.Logout()
				return true, nil
			},
		},
		{
			Service:     "auth",
			Name:        "generate_token",
			Description: "Issue a bearer token inheriting the caller's credentials.",
			Accepts: schema.Record("AuthGenerateTokenArgs",
				schema.WithDefault("ttl", schema.Nullable(schema.Int(schema.Min(1))), nil),
				schema.WithDefault("attrs", schema.MapOf(schema.Any()), map[string]any{}),
				schema.WithDefault("match_origin", schema.Bool(), true),
				schema.WithDefault("single_use", schema.Bool(), false),
			),
			Returns:         result("AuthGenerateTokenResult", schema.String()),
			Class:           methods.ClassInline,
			NoAuthorization: true,
			PassThreadLocal: true,
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				tokens := s.gate.Authenticator().Tokens()
				if tokens == nil {
					return nil, errspkg.New(errspkg.KindInternal, "token service is not configured")
				}
				opts := auth.TokenOptions{}
				if ttl := argInt64(call.Arg("ttl")); ttl > 0 {
					opts.TTL = time.Duration(ttl) * time.Second
				}
				opts.MatchOrigin, _ = call.Arg("match_origin").(bool)
				opts.SingleUse, _ = call.Arg("single_use").(bool)
				token, _, err := tokens.Issue(call.Session, opts)
				if err != nil {
					return nil, errspkg.Wrap(errspkg.KindUnauthorized, err, "cannot issue a token for this session")
				}
				return token, nil
			},
		},
		{
			Service:         "auth",
			Name:            "sessions",
			Description:     "List authenticated sessions.",
			Accepts:         queryArgs("AuthSessionsArgs"),
			Returns:         result("AuthSessionsResult", schema.Any()),
			Class:           methods.ClassInline,
			Roles:           []string{"AUTH_SESSIONS_READ"},
			PassThreadLocal: true,
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				f, opts, err := parseQuery(call)
				if err != nil {
					return nil, err
				}
				var current string
				if call.Session != nil {
					current = call.Session.ID
				}
				entries := []map[string]any{}
				for _, sess := range s.sessions.List(current) {
					entries = append(entries, sessionEntry(sess))
				}
				return filters.Apply(entries, f, opts)
			},
		},
		{
			Service:         "auth",
			Name:            "terminate_session",
			Accepts:         idArgs("AuthTerminateSessionArgs", schema.String()),
			Returns:         result("AuthTerminateSessionResult", schema.Bool()),
			Class:           methods.ClassInline,
			Roles:           []string{"AUTH_SESSIONS_WRITE"},
			PassThreadLocal: true,
			Audit:           "Terminate session {id}",
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				id, _ := call.Arg("id").(string)
				if err := s.sessions.Terminate(id, sessionIDOf(call.Session)); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
		{
			Service:         "auth",
			Name:            "terminate_other_sessions",
			Accepts:         schema.Record("AuthTerminateOtherSessionsArgs"),
			Returns:         result("AuthTerminateOtherSessionsResult", schema.Bool()),
			Class:           methods.ClassInline,
			Roles:           []string{"AUTH_SESSIONS_WRITE"},
			PassThreadLocal: true,
			Audit:           "Terminate other sessions",
			AuditCallback:   true,
			Handler: func(_ context.Context, call *methods.Call) (any, error) {
				n := s.sessions.TerminateOthers(sessionIDOf(call.Session))
				call.Audit("(" + strconv.Itoa(n) + " terminated)")
				return true, nil
			},
		},
	}
}

// loginEx runs one login step for the calling connection and binds the
// session it opens.
func (s *Service) loginEx(ctx context.Context, req auth.LoginRequest) (map[string]any, error) {
	c, err := callerConn(ctx)
	if err != nil {
		return nil, err
	}
	res := s.gate.Authenticator().LoginEx(ctx, &c.login, req, c.origin)
	out := map[string]any{"response_type": string(res.Response)}

	switch res.Response {
	case auth.ResponseSuccess:
		opened := c.openSession(s.gate.SessionFor(res.Resolution, c.origin))
		s.audit.Login(ctx, opened, res.Username, c.origin, string(req.Mechanism), true, "")
		out["user_info"] = map[string]any{
			"pw_name":    opened.Identity.Username,
			"pw_uid":     opened.Identity.UID,
			"privileges": toAnyList(opened.Identity.Privileges),
			"roles":      toAnyList(opened.Identity.Roles),
		}
		out["authenticator"] = "LEVEL_1"
		if opened.CredentialType == auth.CredentialTwoFactor {
			out["authenticator"] = "LEVEL_2"
		}
		return out, nil
	case auth.ResponseOTPRequired:
		out["username"] = res.Username
		return out, nil
	case auth.ResponseRedirect:
		out["urls"] = []any{}
		return out, nil
	}

	reason := "invalid credentials"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	s.audit.Login(ctx, nil, res.Username, c.origin, string(req.Mechanism), false, reason)
	s.gate.Limiter().Delay(ctx)
	if res.Response == auth.ResponseExpired {
		out["reason"] = reason
	}
	return out, nil
}

func (s *Service) getMethods(_ context.Context, call *methods.Call) (any, error) {
	filter := methods.Filter{
		IncludePrivate: call.Origin.Transport == auth.TransportInternal,
		CLI:            call.Arg("target") == "CLI",
		Version:        call.Version,
	}
	if svc, ok := call.Arg("service").(string); ok && svc != "" {
		filter.Patterns = []string{svc + ".*"}
	}
	list, err := s.methods.List(filter)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(list))
	for _, m := range list {
		entry := map[string]any{
			"description": m.Description,
			"roles":       toAnyList(m.Roles),
			"job":         m.IsJob(),
			"accepts":     toAnyList(m.Accepts.FieldNames()),
			"class":       m.Class.String(),
		}
		if m.RemovedIn != "" {
			entry["removed_in"] = m.RemovedIn
		}
		out[m.Key()] = entry
	}
	return out, nil
}

func (s *Service) queryJobs(_ context.Context, call *methods.Call) (any, error) {
	f, opts, err := parseQuery(call)
	if err != nil {
		return nil, err
	}
	if !s.fullAdmin(call) && call.Identity != nil {
		f = append(f, filters.Term{Path: []string{"username"}, Op: filters.OpEq, Value: call.Identity.Username})
	}
	return s.jobs.Query(f, opts)
}

// ownedJob resolves the job named by the id argument, refusing jobs of
// other users unless the caller is a full admin.
func (s *Service) ownedJob(call *methods.Call) (*jobs.Job, error) {
	j, err := s.jobs.Get(argInt64(call.Arg("id")))
	if err != nil {
		return nil, err
	}
	if !s.fullAdmin(call) && (call.Identity == nil || j.Snapshot().Username != call.Identity.Username) {
		return nil, errspkg.New(errspkg.KindNotFound, "job %d does not exist", j.ID())
	}
	return j, nil
}

func (s *Service) queryAudit(ctx context.Context, call *methods.Call) (any, error) {
	f, opts, err := parseQuery(call)
	if err != nil {
		return nil, err
	}
	q, ok := s.audit.Sink().(auditpkg.Querier)
	if !ok {
		return nil, errspkg.New(errspkg.KindNotFound, "the configured audit sink cannot be queried")
	}
	records, err := q.Query(ctx, auditpkg.Query{})
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		var entry map[string]any
		if err := jsoncodec.Convert(rec, &entry); err != nil {
			s.Logger.Error("Skipping unreadable audit record", err, loggingpkg.LogFields{"audit_id": rec.AuditID})
			continue
		}
		entries = append(entries, entry)
	}
	return filters.Apply(entries, f, opts)
}

func sessionEntry(sess *auth.Session) map[string]any {
	chain := make([]any, 0, len(sess.Chain))
	for _, c := range sess.Chain {
		chain = append(chain, string(c))
	}
	entry := map[string]any{
		"id":               sess.ID,
		"current":          sess.Current,
		"internal":         !sess.UserSession(),
		"origin":           sess.Origin.String(),
		"credentials":      string(sess.CredentialType),
		"credentials_data": map[string]any{"chain": chain},
		"created_at":       sess.CreatedAt.UTC().Format(time.RFC3339),
		"secure_transport": sess.SecureTransport,
	}
	if sess.Identity != nil {
		entry["username"] = sess.Identity.Username
	}
	return entry
}

func sessionIDOf(sess *auth.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

func toAnyList[T ~string](in []T) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, string(v))
	}
	return out
}
