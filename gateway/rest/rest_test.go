package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/internal/runtime"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
)

type fixture struct {
	mux    *http.ServeMux
	apiKey string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	keys := auth.NewAPIKeys()
	plain, _, err := keys.Create("viewer", "dashboard", 0)
	require.NoError(t, err)

	svc, err := runtime.TryNewService(&configpkg.Config{AuditSink: "memory"}, loggingpkg.Discard(), context.Background(), runtime.ServiceDependencies{
		Directory: auth.NewMemoryDirectory(
			&auth.User{Username: "root", Roles: []string{auth.RoleFullAdmin}, PasswordHash: hash},
			&auth.User{Username: "viewer", UID: 1001, Roles: []string{"POOL_READ"}},
		),
		APIKeys:          keys,
		TransportFactory: transportpkg.None,
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	require.NoError(t, runtime.RegisterCRUDService(svc, &runtime.CRUDService{
		Service: "pool",
		Entry: schema.Record("PoolEntry",
			schema.Required("id", schema.Int()),
			schema.Required("name", schema.String()),
		),
		Create:     schema.Record("PoolCreate", schema.Required("name", schema.String(schema.MinLength(1)))),
		RolePrefix: "POOL",
	}))

	mux := http.NewServeMux()
	mux.Handle(Pattern, New(svc, nil))
	return fixture{mux: mux, apiKey: plain}
}

func (f fixture) post(path, body string, setAuth func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if setAuth != nil {
		setAuth(req)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func basic(user, pass string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(user, pass) }
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) runtime.ReplyError {
	t.Helper()
	var re runtime.ReplyError
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &re))
	return re
}

func TestPublicMethodWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	rec := f.post("/api/current/core/ping", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `"pong"`, rec.Body.String())
}

func TestBasicAuthCreateAndQuery(t *testing.T) {
	f := newFixture(t)

	rec := f.post("/api/current/pool/create", `[{"name":"tank"}]`, basic("root", "hunter2"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":1,"name":"tank"}`, rec.Body.String())

	rec = f.post("/api/current/pool/query", `[[["name","=","tank"]],{"get":true}]`, basic("root", "hunter2"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1,"name":"tank"}`, rec.Body.String())
}

func TestAPIKeyBearerIsScopedByRole(t *testing.T) {
	f := newFixture(t)

	rec := f.post("/api/current/pool/query", "", bearer(f.apiKey))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.post("/api/current/pool/create", `[{"name":"tank"}]`, bearer(f.apiKey))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, errspkg.KindUnauthorized, decodeError(t, rec).Kind)
}

func TestErrorStatuses(t *testing.T) {
	f := newFixture(t)

	rec := f.post("/api/current/pool/query", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Empty(t, decodeError(t, rec).Trace)

	rec = f.post("/api/current/pool/query", "", basic("root", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.post("/api/current/pool/create", `[{"name":""}]`, basic("root", "hunter2"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	re := decodeError(t, rec)
	assert.Equal(t, errspkg.KindValidation, re.Kind)
	require.NotEmpty(t, re.Details)
	assert.Equal(t, "name", re.Details[0].Path)

	rec = f.post("/api/current/pool/create", `{"name":"tank"}`, basic("root", "hunter2"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "JSON array")

	rec = f.post("/api/current/pool/get_instance", `[42]`, basic("root", "hunter2"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.post("/api/v1.0.0/core/ping", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.post("/api/current/pool/frobnicate", "", basic("root", "hunter2"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[errspkg.Kind]int{
		errspkg.KindAlreadyExists:       http.StatusConflict,
		errspkg.KindConflict:            http.StatusConflict,
		errspkg.KindRateLimited:         http.StatusTooManyRequests,
		errspkg.KindLockBusy:            http.StatusLocked,
		errspkg.KindTimeout:             http.StatusGatewayTimeout,
		errspkg.KindCancelled:           http.StatusServiceUnavailable,
		errspkg.KindVersionIncompatible: http.StatusBadRequest,
		errspkg.KindInternal:            http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, StatusFor(kind), string(kind))
	}
}
