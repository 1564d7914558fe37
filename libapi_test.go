package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/internal/runtime/schema"
	transportpkg "github.com/truenas/middleware-sub000/internal/runtime/transport"
)

type greetArgs struct {
	Name string `json:"name"`
}

func TestRegistrationExportsPropagateErrors(t *testing.T) {
	err := RegisterMethod(nil, &Method{})
	assert.True(t, errors.Is(err, ErrServiceRequired), "got %v", err)

	err = RegisterTypedMethod(nil, TypedMethodRegistration[*greetArgs, string]{})
	assert.True(t, errors.Is(err, ErrServiceRequired), "got %v", err)
}

func TestTypedMethodThroughFacade(t *testing.T) {
	svc, err := TryNewService(&Config{AuditSink: "memory"}, NewEntryServiceLogger(&stubEntry{}), context.Background(), ServiceDependencies{
		TransportFactory: transportpkg.None,
		Registerer:       prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer func() { _ = svc.Close(context.Background()) }()

	require.NoError(t, RegisterTypedMethod(svc, TypedMethodRegistration[*greetArgs, string]{
		Method: Method{
			Service: "greeter",
			Name:    "hello",
			Accepts: schema.Record("GreeterHelloArgs", schema.Required("name", schema.String(schema.MinLength(1)))),
			Returns: schema.Record("GreeterHelloResult", schema.Required("result", schema.String())),
			Roles:   []string{"READONLY_ADMIN"},
		},
		Handler: func(_ context.Context, call TypedCall[*greetArgs]) (string, error) {
			return "hello " + call.Args.Name, nil
		},
	}))

	out, err := svc.CallInternal(context.Background(), "greeter.hello", "tank")
	require.NoError(t, err)
	assert.Equal(t, "hello tank", out)

	_, err = svc.CallInternal(context.Background(), "greeter.hello", "")
	assert.Equal(t, KindValidation, ErrorKindOf(err))
}

func TestErrorExports(t *testing.T) {
	err := ValidationError(Issue{Path: "name", Message: "empty"})
	assert.Equal(t, KindValidation, err.Kind)
	assert.Equal(t, KindNotFound, ErrorKindOf(NewError(KindNotFound, "pool %s", "tank")))
	assert.Equal(t, KindInternal, ErrorKindOf(WrapError(KindInternal, errors.New("boom"), "")))
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"there"}`), &payload))
	assert.Equal(t, "there", payload["hello"])
}

func TestMetadataAndIDExports(t *testing.T) {
	md := NewMetadata("key", "value")
	assert.Equal(t, "value", md["key"])
	assert.Len(t, CreateULID(), 26)

	svc, method := SplitMethod("pool.dataset.query")
	assert.Equal(t, "pool.dataset", svc)
	assert.Equal(t, "query", method)
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
