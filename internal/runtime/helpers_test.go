package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	auditpkg "github.com/truenas/middleware-sub000/internal/runtime/audit"
	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	"github.com/truenas/middleware-sub000/internal/runtime/events"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
)

const testTimeout = 2 * time.Second

var testOrigin = auth.RemoteOrigin(auth.TransportWebSocket, "192.0.2.10:50000", true)

type testServiceOption func(*ServiceDependencies)

func withDeps(fn func(*ServiceDependencies)) testServiceOption { return fn }

// newTestService builds a service with in-memory collaborators and no broker.
// The returned sink receives every audit record.
func newTestService(t *testing.T, opts ...testServiceOption) (*Service, *auditpkg.MemorySink) {
	t.Helper()
	sink := auditpkg.NewMemorySink()
	deps := ServiceDependencies{
		AuditSink:        sink,
		TransportFactory: transportpkg.None,
		Registerer:       prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := TryNewService(&configpkg.Config{AuditSink: "memory"}, loggingpkg.Discard(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, sink
}

func tryNewTestService(deps ServiceDependencies) (*Service, error) {
	if deps.TransportFactory == nil {
		deps.TransportFactory = transportpkg.None
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	return TryNewService(&configpkg.Config{AuditSink: "memory"}, loggingpkg.Discard(), context.Background(), deps)
}

// sessionWith opens a password session for username holding roles.
func sessionWith(svc *Service, username string, roles ...string) *auth.Session {
	return svc.Sessions().Open(&auth.Identity{Username: username, UID: 1000, Roles: roles},
		auth.CredentialPassword, nil, testOrigin, 0, "")
}

func callAs(ctx context.Context, svc *Service, sess *auth.Session, method string, args ...any) Reply {
	service, name := SplitMethod(method)
	if args == nil {
		args = []any{}
	}
	return svc.Call(ctx, Envelope{
		ID:      1,
		Service: service,
		Method:  name,
		Args:    args,
		Origin:  testOrigin,
		Session: sess,
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// subscribe opens a bus subscription on behalf of sess.
func subscribe(t *testing.T, svc *Service, sess *auth.Session, channel string) *events.Subscription {
	t.Helper()
	sub, err := svc.Bus().Subscribe(context.Background(), events.SubscribeRequest{
		Channel: channel,
		Auth:    auth.Request{Session: sess, Origin: testOrigin},
	})
	require.NoError(t, err)
	return sub
}

// drain collects frames until none arrives for a short while.
func drain(sub *events.Subscription) []events.Frame {
	var out []events.Frame
	for {
		select {
		case f, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
	errors []string
}

func (r *recordingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }

func (r *recordingLogger) Debug(msg string, _ loggingpkg.LogFields) {
	r.mu.Lock()
	r.debugs = append(r.debugs, msg)
	r.mu.Unlock()
}

func (r *recordingLogger) Info(msg string, _ loggingpkg.LogFields) {
	r.mu.Lock()
	r.infos = append(r.infos, msg)
	r.mu.Unlock()
}

func (r *recordingLogger) Error(msg string, _ error, _ loggingpkg.LogFields) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *recordingLogger) Trace(string, loggingpkg.LogFields) {}

func (r *recordingLogger) debugMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.debugs...)
}
