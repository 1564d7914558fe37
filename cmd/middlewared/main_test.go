package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/gateway/websocket"
	"github.com/truenas/middleware-sub000/internal/runtime"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "middlewared", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "call", "hash-password"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, serveCmd.RunE)
	assert.NotNil(t, callCmd.RunE)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	for _, kind := range errspkg.Kinds() {
		assert.Equal(t, errspkg.ExitCode(kind), exitCode(errspkg.New(kind, "failed")), string(kind))
	}
	assert.Equal(t, 2, exitCode(errspkg.Validation()))
	assert.Equal(t, 5, exitCode(errspkg.New(errspkg.KindUnauthenticated, "no session")))
	assert.Equal(t, 9, exitCode(context.DeadlineExceeded))
	assert.Equal(t, 1, exitCode(os.ErrNotExist))
}

func TestReportError(t *testing.T) {
	var buf bytes.Buffer
	reportError(&buf, errspkg.Validation(errspkg.Issue{Path: "name", Message: "empty"}))
	assert.Equal(t, "ValidationError: validation failed\n  name: empty\n", buf.String())
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{`"tank"`, `{"get":true}`, `3`})
	require.NoError(t, err)
	assert.Equal(t, []any{"tank", map[string]any{"get": true}, float64(3)}, args)

	_, err = parseArgs([]string{`tank`})
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(err))
}

func TestListenPort(t *testing.T) {
	port, err := listenPort(":6000")
	require.NoError(t, err)
	assert.Equal(t, 6000, port)

	port, err = listenPort("127.0.0.1:8443")
	require.NoError(t, err)
	assert.Equal(t, 8443, port)

	_, err = listenPort("6000")
	assert.Error(t, err)
	_, err = listenPort(":0")
	assert.Error(t, err)
}

func TestLoadUsers(t *testing.T) {
	dir, err := loadUsers("")
	require.NoError(t, err)
	_, err = dir.UserByName(context.Background(), "root")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - username: root
    uid: 0
    password_hash: "$2a$10$abc"
    roles: [FULL_ADMIN]
  - username: backup
    uid: 1001
    roles: [READONLY_ADMIN]
    locked: true
`), 0o600))
	dir, err = loadUsers(path)
	require.NoError(t, err)
	root, err := dir.UserByName(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []string{auth.RoleFullAdmin}, root.Roles)
	backup, err := dir.UserByUID(context.Background(), 1001)
	require.NoError(t, err)
	assert.True(t, backup.Locked)

	require.NoError(t, os.WriteFile(path, []byte("users:\n  - username: a\n  - username: a\n"), 0o600))
	_, err = loadUsers(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestHashPasswordCommand(t *testing.T) {
	var out bytes.Buffer
	hashPasswordCmd.SetOut(&out)
	hashPasswordCmd.SetIn(strings.NewReader("hunter2\n"))
	require.NoError(t, hashPasswordCmd.RunE(hashPasswordCmd, nil))
	assert.True(t, auth.CheckPassword("hunter2", strings.TrimSpace(out.String())))
}

func TestNewDaemonRegistersOSMethods(t *testing.T) {
	conf := (&configpkg.Config{AuditSink: "memory", ListenAddress: ":16000"}).WithDefaults()
	svc, err := newDaemon(context.Background(), &conf, loggingpkg.Discard(), runtime.ServiceDependencies{
		TransportFactory: transportpkg.None,
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer func() { _ = svc.Close(context.Background()) }()
	for _, key := range []string{"service.control", "service.started", "filesystem.getacl", "filesystem.setacl"} {
		_, ok := svc.Methods().Lookup(key)
		assert.True(t, ok, key)
	}

	bad := (&configpkg.Config{ListenAddress: "nowhere"}).WithDefaults()
	_, err = newDaemon(context.Background(), &bad, loggingpkg.Discard(), runtime.ServiceDependencies{})
	assert.Error(t, err)
}

// startGateway serves a dispatcher with one user and a job method over an
// httptest WebSocket endpoint.
func startGateway(t *testing.T) string {
	t.Helper()
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	svc, err := runtime.TryNewService(&configpkg.Config{AuditSink: "memory"}, loggingpkg.Discard(), context.Background(), runtime.ServiceDependencies{
		Directory:        auth.NewMemoryDirectory(&auth.User{Username: "root", Roles: []string{auth.RoleFullAdmin}, PasswordHash: hash}),
		TransportFactory: transportpkg.None,
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, runtime.RegisterMethod(svc, &methods.Method{
		Service: "pool",
		Name:    "scrub",
		Accepts: schema.Record("PoolScrubArgs", schema.Required("name", schema.String(schema.MinLength(1)))),
		Returns: schema.Record("PoolScrubResult", schema.Required("result", schema.String())),
		Roles:   []string{"POOL_WRITE"},
		Job:     &methods.JobOptions{},
		Handler: func(_ context.Context, call *methods.Call) (any, error) {
			return "scrubbed " + call.Arg("name").(string), nil
		},
	}))

	mux := http.NewServeMux()
	mux.Handle("GET /api/{version}", websocket.New(svc, websocket.Options{}))
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/current"
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	callOpts.url, callOpts.username, callOpts.password, callOpts.apiKey = "", "", "", ""
	callOpts.noWait, callOpts.timeout = false, 0
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCallCommand(t *testing.T) {
	url := startGateway(t)

	out, err := execute(t, "call", "--url", url, "core", "ping")
	require.NoError(t, err)
	assert.Equal(t, "\"pong\"\n", out)

	_, err = execute(t, "call", "--url", url, "pool", "scrub", `"tank"`)
	assert.Equal(t, 5, exitCode(err))

	out, err = execute(t, "call", "--url", url, "-U", "root", "-P", "hunter2", "pool", "scrub", `"tank"`)
	require.NoError(t, err)
	assert.Equal(t, "\"scrubbed tank\"\n", out)

	out, err = execute(t, "call", "--url", url, "-U", "root", "-P", "hunter2", "--no-wait", "pool", "scrub", `"tank"`)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id")

	_, err = execute(t, "call", "--url", url, "-U", "root", "-P", "hunter2", "pool", "scrub", `""`)
	assert.Equal(t, 2, exitCode(err))

	_, err = execute(t, "call", "--url", url, "pool", "nonexistent")
	assert.Equal(t, 3, exitCode(err))

	_, err = execute(t, "call", "--url", url, "core", "ping", "not-json")
	assert.Equal(t, 2, exitCode(err))
}
