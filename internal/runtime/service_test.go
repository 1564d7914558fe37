package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	auditpkg "github.com/truenas/middleware-sub000/internal/runtime/audit"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	"github.com/truenas/middleware-sub000/internal/runtime/jobs"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
)

func userCreateMethod() *methods.Method {
	return &methods.Method{
		Service: "user",
		Name:    "create",
		Accepts: schema.Record("UserCreateArgs",
			schema.Required("data", schema.Record("UserCreate",
				schema.Required("username", schema.String(schema.MinLength(1))),
				schema.Required("uid", schema.Int(schema.Min(0))),
			)),
		),
		Returns: result("UserCreateResult", schema.Int()),
		Roles:   []string{"ACCOUNT_WRITE"},
		Handler: func(context.Context, *methods.Call) (any, error) { return 1, nil },
	}
}

func cloudCredentialService() *CRUDService {
	return &CRUDService{
		Service: "cloud.credential",
		Entry: schema.Record("CloudCredentialEntry",
			schema.Required("id", schema.Int()),
			schema.Required("name", schema.String()),
			schema.Required("secret_key", schema.Secret(schema.String())),
		),
		Create: schema.Record("CloudCredentialCreate",
			schema.Required("name", schema.String(schema.MinLength(1))),
			schema.Required("secret_key", schema.Secret(schema.String())),
		),
		RolePrefix: "CLOUD_SYNC",
	}
}

func poolService() *CRUDService {
	return &CRUDService{
		Service: "pool",
		Entry: schema.Record("PoolEntry",
			schema.Required("id", schema.Int()),
			schema.Required("name", schema.String()),
			schema.WithDefault("healthy", schema.Bool(), true),
		),
		Create: schema.Record("PoolCreate",
			schema.Required("name", schema.String(schema.MinLength(1))),
			schema.WithDefault("healthy", schema.Bool(), true),
		),
		RolePrefix: "POOL",
	}
}

func issuePairs(issues []errspkg.Issue) [][2]string {
	out := make([][2]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, [2]string{is.Path, is.Message})
	}
	return out
}

func TestTryNewServiceValidatesInput(t *testing.T) {
	_, err := TryNewService(nil, loggingpkg.Discard(), context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = TryNewService(&configpkg.Config{}, nil, context.Background(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	failing := transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transportpkg.Transport{}, errors.New("broker down")
	})
	_, err = TryNewService(&configpkg.Config{AuditSink: "memory"}, loggingpkg.Discard(), context.Background(), ServiceDependencies{
		TransportFactory: failing,
	})
	assert.ErrorContains(t, err, "broker down")
}

func TestNewServicePanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewService(nil, loggingpkg.Discard(), context.Background(), ServiceDependencies{})
	})
}

func TestCallReportsValidationIssuesPerField(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterMethod(svc, userCreateMethod()))
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)

	reply := callAs(testContext(t), svc, admin, "user.create", map[string]any{"username": "", "uid": -1})

	require.NotNil(t, reply.Error)
	assert.Equal(t, "ValidationError", string(reply.Error.Kind))
	assert.ElementsMatch(t, [][2]string{{"username", "empty"}, {"uid", "negative"}}, issuePairs(reply.Error.Details))
	assert.Equal(t, 1, reply.ID)
}

func TestCallRejectsTooManyArguments(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterMethod(svc, userCreateMethod()))
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)

	reply := callAs(testContext(t), svc, admin, "user.create", map[string]any{"username": "bob", "uid": 1000}, "extra")

	require.NotNil(t, reply.Error)
	assert.Equal(t, errspkg.KindValidation, reply.Error.Kind)
	require.Len(t, reply.Error.Details, 1)
	assert.Contains(t, reply.Error.Details[0].Message, "expected at most 1, got 2")
}

func TestCallRedactsSecretsForReaders(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterCRUDService(svc, cloudCredentialService()))
	ctx := testContext(t)

	for _, name := range []string{"s3", "b2"} {
		_, err := svc.CallInternal(ctx, "cloud.credential.create", map[string]any{"name": name, "secret_key": "hunter2-" + name})
		require.NoError(t, err)
	}

	reader := sessionWith(svc, "auditor", "CLOUD_SYNC_READ")
	reply := callAs(ctx, svc, reader, "cloud.credential.query")
	require.Nil(t, reply.Error)
	rows, ok := reply.Result.([]any)
	require.True(t, ok, "%T", reply.Result)
	require.Len(t, rows, 2)
	for _, row := range rows {
		entry := row.(map[string]any)
		assert.Equal(t, schema.RedactedValue, entry["secret_key"])
		assert.NotEmpty(t, entry["name"])
	}

	writer := sessionWith(svc, "operator", "CLOUD_SYNC_WRITE")
	reply = callAs(ctx, svc, writer, "cloud.credential.query")
	require.Nil(t, reply.Error)
	rows = reply.Result.([]any)
	assert.Equal(t, "hunter2-s3", rows[0].(map[string]any)["secret_key"])
}

func TestCallDeniesReadonlyCallerAndAudits(t *testing.T) {
	svc, sink := newTestService(t)
	require.NoError(t, RegisterCRUDService(svc, poolService()))
	ctx := testContext(t)
	readonly := sessionWith(svc, "viewer", auth.RoleReadonlyAdmin)

	reply := callAs(ctx, svc, readonly, "pool.create", map[string]any{"name": "tank"})

	require.NotNil(t, reply.Error)
	assert.Equal(t, "Unauthorized", string(reply.Error.Kind))

	var denied []auditpkg.Record
	require.Eventually(t, func() bool {
		denied = denied[:0]
		for _, rec := range sink.Records() {
			if rec.EventData.Method == "pool.create" {
				denied = append(denied, rec)
			}
		}
		return len(denied) > 0
	}, testTimeout, 10*time.Millisecond)
	for _, rec := range denied {
		assert.False(t, rec.Success)
		assert.Equal(t, "viewer", rec.Username)
		assert.True(t, rec.EventData.Authenticated)
		assert.False(t, rec.EventData.Authorized)
	}

	count, err := svc.CallInternal(ctx, "pool.query", []any{}, map[string]any{"count": true})
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	// Readers still reach query.
	reply = callAs(ctx, svc, readonly, "pool.query")
	assert.Nil(t, reply.Error)
}

func TestCallWithoutSessionIsUnauthenticated(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterMethod(svc, userCreateMethod()))

	reply := callAs(testContext(t), svc, nil, "user.create", map[string]any{"username": "bob", "uid": 1})
	require.NotNil(t, reply.Error)
	assert.Equal(t, errspkg.KindUnauthenticated, reply.Error.Kind)
	assert.Empty(t, reply.Error.Trace)

	reply = callAs(testContext(t), svc, nil, "core.ping")
	assert.Nil(t, reply.Error)
	assert.Equal(t, "pong", reply.Result)
}

func TestCallUnknownMethod(t *testing.T) {
	svc, _ := newTestService(t)
	reply := callAs(testContext(t), svc, sessionWith(svc, "root", auth.RoleFullAdmin), "nope.missing")
	require.NotNil(t, reply.Error)
	assert.Equal(t, errspkg.KindNotFound, reply.Error.Kind)
}

type upgradeGate struct {
	started chan int64
	release chan struct{}
}

func registerAppUpgrade(t *testing.T, svc *Service) *upgradeGate {
	t.Helper()
	gate := &upgradeGate{started: make(chan int64, 4), release: make(chan struct{})}
	require.NoError(t, RegisterMethod(svc, &methods.Method{
		Service: "app",
		Name:    "upgrade",
		Accepts: schema.Record("AppUpgradeArgs",
			schema.Required("app_name", schema.String(schema.MinLength(1))),
			schema.WithDefault("options", schema.MapOf(schema.Any()), map[string]any{}),
		),
		Returns:     result("AppUpgradeResult", schema.String()),
		Roles:       []string{"APPS_WRITE"},
		LockKeyFunc: func(args map[string]any) string { return "app.upgrade:" + args["app_name"].(string) },
		Job:         &methods.JobOptions{Abortable: true},
		Handler: func(ctx context.Context, call *methods.Call) (any, error) {
			gate.started <- call.Job.ID()
			call.Job.SetProgress(10, "pulling images", nil)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-gate.release:
				return "upgraded " + call.Arg("app_name").(string), nil
			}
		},
	}))
	return gate
}

func jobStates(frames []events.Frame, id int64) []string {
	var states []string
	for _, f := range frames {
		obj, ok := f.Payload.(map[string]any)
		if !ok || argInt64(obj["id"]) != id {
			continue
		}
		state, _ := obj["state"].(string)
		if n := len(states); n > 0 && states[n-1] == state {
			continue
		}
		states = append(states, state)
	}
	return states
}

func TestJobLifecycleAndAbort(t *testing.T) {
	svc, _ := newTestService(t)
	gate := registerAppUpgrade(t, svc)
	require.NoError(t, svc.Seal())
	ctx := testContext(t)
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)
	sub := subscribe(t, svc, admin, JobsChannel)

	t.Run("success", func(t *testing.T) {
		reply := callAs(ctx, svc, admin, "app.upgrade", "myapp", map[string]any{})
		require.Nil(t, reply.Error)
		id, ok := reply.JobID()
		require.True(t, ok, "%v", reply.Result)
		assert.Equal(t, id, <-gate.started)

		gate.release <- struct{}{}
		waited := callAs(ctx, svc, admin, "job.wait", id)
		require.Nil(t, waited.Error)
		assert.Equal(t, "upgraded myapp", waited.Result)

		assert.Equal(t, []string{"QUEUED", "RUNNING", "SUCCESS"}, jobStates(drain(sub), id))
	})

	t.Run("abort", func(t *testing.T) {
		reply := callAs(ctx, svc, admin, "app.upgrade", "myapp", map[string]any{})
		require.Nil(t, reply.Error)
		id, _ := reply.JobID()
		<-gate.started

		j, err := svc.Jobs().Get(id)
		require.NoError(t, err)
		assert.Equal(t, jobs.StateRunning, j.State())

		aborted := callAs(ctx, svc, admin, "job.abort", id)
		require.Nil(t, aborted.Error)

		_, err = j.Wait(ctx)
		require.Error(t, err)
		assert.Equal(t, jobs.StateAborted, j.State())
		assert.Equal(t, []string{"QUEUED", "RUNNING", "ABORTED"}, jobStates(drain(sub), id))
	})
}

func TestJobLockQueue(t *testing.T) {
	svc, _ := newTestService(t)
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	require.NoError(t, RegisterMethod(svc, &methods.Method{
		Service:  "pool",
		Name:     "scrub",
		Accepts:  schema.Record("PoolScrubArgs", schema.Required("name", schema.String())),
		Returns:  result("PoolScrubResult", schema.Nullable(schema.Any())),
		Roles:    []string{"POOL_WRITE"},
		LockKey:  "pool.scrub",
		Job:      &methods.JobOptions{LockQueueSize: methods.QueueSize(1)},
		Handler: func(ctx context.Context, _ *methods.Call) (any, error) {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	}))
	ctx := testContext(t)
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)

	first := callAs(ctx, svc, admin, "pool.scrub", "tank")
	require.Nil(t, first.Error)
	<-started

	second := callAs(ctx, svc, admin, "pool.scrub", "dozer")
	require.Nil(t, second.Error)
	secondID, _ := second.JobID()
	j, err := svc.Jobs().Get(secondID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateWaiting, j.State())

	// Same arguments as the waiting job return that job.
	dup := callAs(ctx, svc, admin, "pool.scrub", "dozer")
	require.Nil(t, dup.Error)
	dupID, _ := dup.JobID()
	assert.Equal(t, secondID, dupID)

	third := callAs(ctx, svc, admin, "pool.scrub", "boot-pool")
	require.NotNil(t, third.Error)
	assert.Equal(t, errspkg.KindLockBusy, third.Error.Kind)

	close(release)
	_, err = j.Wait(ctx)
	require.NoError(t, err)
}

func versionedRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	rename := func(from, to string) schema.Transform {
		return func(v map[string]any) (map[string]any, error) {
			if val, ok := v[from]; ok {
				v[to] = val
				delete(v, from)
			}
			return v, nil
		}
	}
	reg := schema.NewRegistry(apiversion.MustSequence("v25.04.0", "v26.04.0", "v26.10.0"))
	reg.MustRegister("v25.04.0",
		schema.Record("UserEntry",
			schema.Required("id", schema.Int()),
			schema.Required("username", schema.String()),
			schema.Required("full_name", schema.String()),
		),
		schema.Record("UserEchoArgs", schema.Required("entry", schema.Ref("UserEntry"))),
		schema.Record("UserEchoResult", schema.Required("result", schema.Ref("UserEntry"))),
	)
	reg.MustRegister("v26.04.0",
		schema.Record("UserEntry",
			schema.Required("id", schema.Int()),
			schema.Required("username", schema.String()),
			schema.Required("display_name", schema.String()),
		).WithTransforms(rename("full_name", "display_name"), rename("display_name", "full_name")),
	)
	return reg
}

func TestCallBridgesOlderAPIVersion(t *testing.T) {
	reg := versionedRegistry(t)
	svc, _ := newTestService(t, withDeps(func(d *ServiceDependencies) { d.Models = reg }))

	var seen map[string]any
	require.NoError(t, RegisterMethod(svc, &methods.Method{
		Service: "user",
		Name:    "echo",
		Version: "v26.04.0",
		Accepts: schema.Record("UserEchoArgs", schema.Required("entry", schema.Ref("UserEntry"))),
		Returns: schema.Record("UserEchoResult", schema.Required("result", schema.Ref("UserEntry"))),
		Roles:   []string{"ACCOUNT_READ"},
		Class:   methods.ClassInline,
		Handler: func(_ context.Context, call *methods.Call) (any, error) {
			seen, _ = call.Arg("entry").(map[string]any)
			return seen, nil
		},
	}))
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)

	reply := svc.Call(testContext(t), Envelope{
		ID:      "v1",
		Version: "v25.04.0",
		Service: "user",
		Method:  "echo",
		Args:    []any{map[string]any{"id": 7, "username": "alice", "full_name": "Alice Liddell"}},
		Origin:  testOrigin,
		Session: admin,
	})

	require.Nil(t, reply.Error, "%+v", reply.Error)
	assert.Equal(t, "Alice Liddell", seen["display_name"])
	assert.NotContains(t, seen, "full_name")

	out := reply.Result.(map[string]any)
	assert.Equal(t, "Alice Liddell", out["full_name"])
	assert.NotContains(t, out, "display_name")

	current := svc.Call(testContext(t), Envelope{
		Service: "user",
		Method:  "echo",
		Args:    []any{map[string]any{"id": 7, "username": "alice", "display_name": "Alice"}},
		Origin:  testOrigin,
		Session: admin,
	})
	require.Nil(t, current.Error)
	assert.Equal(t, "Alice", current.Result.(map[string]any)["display_name"])

	unknown := svc.Call(testContext(t), Envelope{Version: "v1.0.0", Service: "user", Method: "echo", Session: admin, Origin: testOrigin})
	require.NotNil(t, unknown.Error)
	assert.Equal(t, errspkg.KindNotFound, unknown.Error.Kind)
}

func TestBlockingJobsRunOnWorkerPool(t *testing.T) {
	svc, _ := newTestService(t)
	busy := make(chan int, 2)
	release := make(chan struct{})
	for _, class := range []methods.Class{methods.ClassBlocking, methods.ClassCooperative} {
		require.NoError(t, RegisterMethod(svc, &methods.Method{
			Service: "pool",
			Name:    "export_" + class.String(),
			Accepts: schema.Record("PoolExport" + class.String() + "Args"),
			Returns: result("PoolExport"+class.String()+"Result", schema.Nullable(schema.Any())),
			Roles:   []string{"POOL_WRITE"},
			Class:   class,
			Job:     &methods.JobOptions{},
			Handler: func(context.Context, *methods.Call) (any, error) {
				busy <- svc.pool.Busy()
				<-release
				return nil, nil
			},
		}))
	}
	require.NoError(t, svc.Seal())
	ctx := testContext(t)
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)

	for class, want := range map[methods.Class]int{methods.ClassBlocking: 1, methods.ClassCooperative: 0} {
		reply := callAs(ctx, svc, admin, "pool.export_"+class.String())
		require.Nil(t, reply.Error, "%+v", reply.Error)
		id, ok := reply.JobID()
		require.True(t, ok)
		assert.Equal(t, want, <-busy, class.String())

		release <- struct{}{}
		waited := callAs(ctx, svc, admin, "job.wait", id)
		require.Nil(t, waited.Error, "%+v", waited.Error)
		require.Eventually(t, func() bool { return svc.pool.Busy() == 0 }, testTimeout, 5*time.Millisecond)
	}
}

func TestCallFromNewerAPIVersionUsesHandlerModels(t *testing.T) {
	reg := versionedRegistry(t)
	svc, _ := newTestService(t, withDeps(func(d *ServiceDependencies) { d.Models = reg }))

	var seen map[string]any
	require.NoError(t, RegisterMethod(svc, &methods.Method{
		Service: "user",
		Name:    "echo",
		Version: "v26.04.0",
		Accepts: schema.Record("UserEchoArgs", schema.Required("entry", schema.Ref("UserEntry"))),
		Returns: schema.Record("UserEchoResult", schema.Required("result", schema.Ref("UserEntry"))),
		Roles:   []string{"ACCOUNT_READ"},
		Class:   methods.ClassInline,
		Handler: func(_ context.Context, call *methods.Call) (any, error) {
			seen, _ = call.Arg("entry").(map[string]any)
			return seen, nil
		},
	}))

	reply := svc.Call(testContext(t), Envelope{
		ID:      "v2",
		Version: "v26.10.0",
		Service: "user",
		Method:  "echo",
		Args:    []any{map[string]any{"id": 7, "username": "alice", "display_name": "Alice"}},
		Origin:  testOrigin,
		Session: sessionWith(svc, "root", auth.RoleFullAdmin),
	})

	require.Nil(t, reply.Error, "%+v", reply.Error)
	assert.Equal(t, "Alice", seen["display_name"])
	out := reply.Result.(map[string]any)
	assert.Equal(t, "Alice", out["display_name"])
	assert.NotContains(t, out, "full_name")
}

func TestCRUDEventsReachEarlySubscribersInOrder(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterCRUDService(svc, poolService()))
	require.NoError(t, svc.Seal())
	ctx := testContext(t)

	early := []*events.Subscription{
		subscribe(t, svc, sessionWith(svc, "a", auth.RoleFullAdmin), "pool.query"),
		subscribe(t, svc, sessionWith(svc, "b", "POOL_READ"), "pool.query"),
	}

	created, err := svc.CallInternal(ctx, "pool.create", map[string]any{"name": "tank"})
	require.NoError(t, err)
	id := created.(map[string]any)["id"]
	_, err = svc.CallInternal(ctx, "pool.update", id, map[string]any{"healthy": false})
	require.NoError(t, err)
	_, err = svc.CallInternal(ctx, "pool.create", map[string]any{"name": "dozer"})
	require.NoError(t, err)

	late := subscribe(t, svc, sessionWith(svc, "c", auth.RoleFullAdmin), "pool.query")

	for _, sub := range early {
		frames := drain(sub)
		require.Len(t, frames, 3)
		assert.Equal(t, events.TypeAdded, frames[0].Type)
		assert.Equal(t, "tank", frames[0].Payload.(map[string]any)["name"])
		assert.Equal(t, events.TypeChanged, frames[1].Type)
		assert.Equal(t, frames[0].ID, frames[1].ID)
		assert.Equal(t, false, frames[1].Payload.(map[string]any)["healthy"])
		assert.Equal(t, events.TypeAdded, frames[2].Type)
		assert.Equal(t, "dozer", frames[2].Payload.(map[string]any)["name"])
		assert.Equal(t, sub.ID(), frames[0].Subscription)
	}
	assert.Empty(t, drain(late))

	_, err = svc.CallInternal(ctx, "pool.delete", id)
	require.NoError(t, err)
	frames := drain(late)
	require.Len(t, frames, 1)
	assert.Equal(t, events.TypeRemoved, frames[0].Type)
}

func TestRolelessCallerIsRejectedWithoutSuccessRecord(t *testing.T) {
	svc, sink := newTestService(t)
	require.NoError(t, RegisterMethod(svc, userCreateMethod()))
	require.NoError(t, RegisterCRUDService(svc, cloudCredentialService()))
	ctx := testContext(t)
	nobody := sessionWith(svc, "guest")

	for _, m := range []string{"user.create", "cloud.credential.query", "audit.query"} {
		reply := callAs(ctx, svc, nobody, m)
		require.NotNil(t, reply.Error, m)
		assert.Equal(t, errspkg.KindUnauthorized, reply.Error.Kind, m)
	}
	for _, rec := range sink.Records() {
		if rec.Username == "guest" {
			assert.False(t, rec.Success, rec.EventData.Method)
		}
	}
}

func TestBuiltinMethods(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterCRUDService(svc, poolService()))
	ctx := testContext(t)
	admin := sessionWith(svc, "root", auth.RoleFullAdmin)
	reader := sessionWith(svc, "viewer", auth.RoleReadonlyAdmin)

	t.Run("get_methods", func(t *testing.T) {
		reply := callAs(ctx, svc, reader, "core.get_methods")
		require.Nil(t, reply.Error)
		listed := reply.Result.(map[string]any)
		assert.Contains(t, listed, "pool.query")
		assert.Contains(t, listed, "core.ping")
		query := listed["pool.query"].(map[string]any)
		assert.Equal(t, []any{"POOL_READ"}, query["roles"])

		reply = callAs(ctx, svc, admin, "core.get_methods", "pool")
		require.Nil(t, reply.Error)
		listed = reply.Result.(map[string]any)
		assert.Contains(t, listed, "pool.create")
		assert.NotContains(t, listed, "core.ping")
	})

	t.Run("auth.me", func(t *testing.T) {
		reply := callAs(ctx, svc, reader, "auth.me")
		require.Nil(t, reply.Error)
		me := reply.Result.(map[string]any)
		assert.Equal(t, "viewer", me["pw_name"])
		assert.Equal(t, reader.ID, me["session_id"])
	})

	t.Run("audit.query", func(t *testing.T) {
		_, err := svc.CallInternal(ctx, "pool.create", map[string]any{"name": "tank"})
		require.NoError(t, err)

		reply := callAs(ctx, svc, admin, "audit.query")
		require.Nil(t, reply.Error)
		assert.NotEmpty(t, reply.Result)
	})
}

func TestMethodInfosTrackCalls(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		require.Nil(t, callAs(ctx, svc, nil, "core.ping").Error)
	}

	infos, err := svc.MethodInfos(methods.Filter{Patterns: []string{"core.ping"}})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	infos[0].Stats.mu.Lock()
	defer infos[0].Stats.mu.Unlock()
	assert.EqualValues(t, 3, infos[0].Stats.CallsProcessed)
	assert.EqualValues(t, 3, svc.Metrics().Snapshot().Calls)
}

func TestServiceStartAndClose(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return callAs(context.Background(), svc, nil, "core.ping").Error == nil
	}, testTimeout, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "%v", err)
	case <-time.After(testTimeout):
		t.Fatal("Start did not return after cancellation")
	}
	assert.NoError(t, svc.Close(context.Background()))
}

func TestRegisterAfterSealFails(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, svc.Seal())
	assert.ErrorIs(t, RegisterMethod(svc, userCreateMethod()), errspkg.ErrRegistrySealed)
}
