package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/internal/runtime/auth"
	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
	handlerpkg "github.com/truenas/middleware-sub000/internal/runtime/handlers"
	"github.com/truenas/middleware-sub000/internal/runtime/methods"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

func TestRegisterMethodRequiresService(t *testing.T) {
	assert.ErrorIs(t, RegisterMethod(nil, userCreateMethod()), errspkg.ErrServiceRequired)

	svc, _ := newTestService(t)
	assert.ErrorIs(t, RegisterMethod(svc, nil), errspkg.ErrHandlerRequired)
}

func TestRegisterMethodValidatesDeclaration(t *testing.T) {
	svc, _ := newTestService(t)

	cases := map[string]*methods.Method{
		"missing name": {Service: "user", Accepts: schema.Record("A"), Returns: result("R", schema.Int()), Roles: []string{"ACCOUNT_READ"}},
		"unknown role": {
			Service: "user", Name: "frob",
			Accepts: schema.Record("UserFrobArgs"), Returns: result("UserFrobResult", schema.Int()),
			Roles:   []string{"NO_SUCH_ROLE"},
			Handler: func(context.Context, *methods.Call) (any, error) { return 0, nil },
		},
		"two result fields": {
			Service: "user", Name: "twin",
			Accepts: schema.Record("UserTwinArgs"),
			Returns: schema.Record("UserTwinResult", schema.Required("result", schema.Int()), schema.Required("extra", schema.Int())),
			Roles:   []string{"ACCOUNT_READ"},
			Handler: func(context.Context, *methods.Call) (any, error) { return 0, nil },
		},
		"public without roles": {
			Service: "user", Name: "open",
			Accepts: schema.Record("UserOpenArgs"), Returns: result("UserOpenResult", schema.Int()),
			Handler: func(context.Context, *methods.Call) (any, error) { return 0, nil },
		},
		"unauthenticated outside the whitelist": {
			Service: "user", Name: "anon",
			Accepts: schema.Record("UserAnonArgs"), Returns: result("UserAnonResult", schema.Int()),
			NoAuthentication: true, NoAuthorization: true,
			Handler: func(context.Context, *methods.Call) (any, error) { return 0, nil },
		},
	}
	for name, m := range cases {
		assert.Error(t, RegisterMethod(svc, m), name)
	}
}

func TestMustRegisterMethodsPanics(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NotPanics(t, func() { MustRegisterMethods(svc, userCreateMethod()) })
	assert.Panics(t, func() { MustRegisterMethods(svc, userCreateMethod()) }, "duplicate registration")
}

type renameArgs struct {
	Name    string `json:"name"`
	NewName string `json:"new_name"`
}

type renameResult struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func TestRegisterTypedMethod(t *testing.T) {
	svc, _ := newTestService(t)
	err := RegisterTypedMethod(svc, TypedMethodRegistration[*renameArgs, renameResult]{
		Method: methods.Method{
			Service: "pool.dataset",
			Name:    "rename",
			Accepts: schema.Record("PoolDatasetRenameArgs",
				schema.Required("name", schema.String(schema.MinLength(1))),
				schema.Required("new_name", schema.String(schema.MinLength(1))),
			),
			Returns: result("PoolDatasetRenameResult", schema.Record("PoolDatasetRename",
				schema.Required("from", schema.String()),
				schema.Required("to", schema.String()),
			)),
			Roles: []string{"DATASET_WRITE"},
			Class: methods.ClassInline,
		},
		Handler: func(_ context.Context, call handlerpkg.TypedCall[*renameArgs]) (renameResult, error) {
			assert.NotEmpty(t, call.CorrelationID())
			return renameResult{From: call.Args.Name, To: call.Args.NewName}, nil
		},
	})
	require.NoError(t, err)

	admin := sessionWith(svc, "root", auth.RoleFullAdmin)
	reply := callAs(testContext(t), svc, admin, "pool.dataset.rename", "tank/a", "tank/b")
	require.Nil(t, reply.Error, "%+v", reply.Error)
	assert.Equal(t, map[string]any{"from": "tank/a", "to": "tank/b"}, reply.Result)

	err = RegisterTypedMethod(svc, TypedMethodRegistration[renameArgs, renameResult]{
		Method:  methods.Method{Service: "pool.dataset", Name: "copy"},
		Handler: func(context.Context, handlerpkg.TypedCall[renameArgs]) (renameResult, error) { return renameResult{}, nil },
	})
	assert.ErrorIs(t, err, errspkg.ErrArgsPointerRequired)

	assert.ErrorIs(t, RegisterTypedMethod(nil, TypedMethodRegistration[*renameArgs, renameResult]{}), errspkg.ErrServiceRequired)
}

func TestCRUDServiceMethods(t *testing.T) {
	svc, _ := newTestService(t)
	require.NoError(t, RegisterCRUDService(svc, poolService()))
	ctx := testContext(t)
	writer := sessionWith(svc, "operator", "POOL_WRITE")

	created := callAs(ctx, svc, writer, "pool.create", map[string]any{"name": "tank"})
	require.Nil(t, created.Error, "%+v", created.Error)
	entry := created.Result.(map[string]any)
	assert.Equal(t, "tank", entry["name"])
	assert.Equal(t, true, entry["healthy"])
	id := entry["id"]

	updated := callAs(ctx, svc, writer, "pool.update", id, map[string]any{"healthy": false})
	require.Nil(t, updated.Error)
	assert.Equal(t, false, updated.Result.(map[string]any)["healthy"])
	assert.Equal(t, "tank", updated.Result.(map[string]any)["name"], "partial update keeps other fields")

	got := callAs(ctx, svc, writer, "pool.get_instance", id)
	require.Nil(t, got.Error)
	assert.Equal(t, updated.Result, got.Result)

	filtered := callAs(ctx, svc, writer, "pool.query", []any{[]any{"name", "=", "tank"}}, map[string]any{"get": true})
	require.Nil(t, filtered.Error)
	assert.Equal(t, "tank", filtered.Result.(map[string]any)["name"])

	deleted := callAs(ctx, svc, writer, "pool.delete", id)
	require.Nil(t, deleted.Error)
	assert.Equal(t, true, deleted.Result)

	missing := callAs(ctx, svc, writer, "pool.get_instance", id)
	require.NotNil(t, missing.Error)
	assert.Equal(t, errspkg.KindNotFound, missing.Error.Kind)

	invalid := callAs(ctx, svc, writer, "pool.create", map[string]any{"name": ""})
	require.NotNil(t, invalid.Error)
	assert.Equal(t, errspkg.KindValidation, invalid.Error.Kind)
	assert.Equal(t, "name", invalid.Error.Details[0].Path)
}

func TestCRUDUpdateAndDeleteShareRowLock(t *testing.T) {
	svc, _ := newTestService(t)
	ms, err := poolService().Methods(svc)
	require.NoError(t, err)
	byName := map[string]*methods.Method{}
	for _, m := range ms {
		byName[m.Name] = m
	}

	args := map[string]any{"id": int64(3)}
	key := byName["update"].Lock(args)
	assert.NotEmpty(t, key)
	assert.Equal(t, key, byName["delete"].Lock(args))
	assert.NotEqual(t, key, byName["delete"].Lock(map[string]any{"id": int64(4)}))
}

func TestCRUDServiceValidateHook(t *testing.T) {
	svc, _ := newTestService(t)
	crud := poolService()
	crud.Validate = func(_ context.Context, _ *methods.Call, row, old map[string]any) error {
		if row["name"] == "boot-pool" {
			return errspkg.Validation(errspkg.Issue{Path: "name", Message: "reserved"})
		}
		return nil
	}
	require.NoError(t, RegisterCRUDService(svc, crud))

	_, err := svc.CallInternal(testContext(t), "pool.create", map[string]any{"name": "boot-pool"})
	require.Error(t, err)
	assert.Equal(t, errspkg.KindValidation, errspkg.KindOf(err))
}

func TestCRUDServiceRequiresEntryID(t *testing.T) {
	svc, _ := newTestService(t)
	err := RegisterCRUDService(svc, &CRUDService{
		Service:    "share.nfs",
		Entry:      schema.Record("ShareNfsEntry", schema.Required("path", schema.Path())),
		Create:     schema.Record("ShareNfsCreate", schema.Required("path", schema.Path())),
		RolePrefix: "SHARING",
	})
	assert.Error(t, err)
	assert.ErrorIs(t, RegisterCRUDService(nil, poolService()), errspkg.ErrServiceRequired)
}
