package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

func cloudCredential() *Model {
	return Record("CloudCredentialEntry",
		Required("id", Int()),
		Required("name", String()),
		Required("provider", Record("CloudCredentialProvider",
			Required("type", String()),
			Required("access_key_id", String()),
			Required("secret_key", Secret(String())),
		)),
		WithDefault("tokens", ArrayOf(Secret(String())), []any{}),
	)
}

func TestDumpRedactsExactlyTheSecretPaths(t *testing.T) {
	m := ArrayOf(cloudCredential())
	value, err := Validate(m, []any{
		map[string]any{
			"id": 1, "name": "s3",
			"provider": map[string]any{"type": "S3", "access_key_id": "AKIA", "secret_key": "hunter2"},
			"tokens":   []any{"t1", "t2"},
		},
		map[string]any{
			"id": 2, "name": "b2",
			"provider": map[string]any{"type": "B2", "access_key_id": "0012", "secret_key": "swordfish"},
		},
	}, Options{})
	require.NoError(t, err)

	redacted, err := Dump(m, value, DumpOptions{})
	require.NoError(t, err)
	rows := redacted.([]any)
	for _, row := range rows {
		provider := row.(map[string]any)["provider"].(map[string]any)
		assert.Equal(t, RedactedValue, provider["secret_key"])
		assert.NotEqual(t, RedactedValue, provider["access_key_id"])
	}
	assert.Equal(t, []any{RedactedValue, RedactedValue}, rows[0].(map[string]any)["tokens"])
	assert.Equal(t, "s3", rows[0].(map[string]any)["name"])

	exposed, err := Dump(m, value, DumpOptions{ExposeSecrets: true})
	require.NoError(t, err)
	first := exposed.([]any)[0].(map[string]any)
	assert.Equal(t, "hunter2", first["provider"].(map[string]any)["secret_key"])
	assert.Equal(t, []any{"t1", "t2"}, first["tokens"])
}

func TestDumpRedactsSecretsInsideTaggedUnionRecords(t *testing.T) {
	m := Record("Cred", Required("attributes", credentialUnion()))
	value := map[string]any{"attributes": map[string]any{
		"provider": "S3", "access_key_id": "AKIA", "secret_access_key": "s3cr3t",
	}}

	out, err := Dump(m, value, DumpOptions{})
	require.NoError(t, err)
	attrs := out.(map[string]any)["attributes"].(map[string]any)
	assert.Equal(t, RedactedValue, attrs["secret_access_key"])
	assert.Equal(t, "AKIA", attrs["access_key_id"])
}

func TestDumpFallbackOmitsBrokenSubtreesButStillRedacts(t *testing.T) {
	m := Record("Mixed",
		Required("token", Secret(String())),
		Required("count", Int()),
		Required("nested", Record("Inner", Required("n", Int()), Required("key", Secret(String())))),
	)
	broken := map[string]any{
		"token":  "abc",
		"count":  "not a number",
		"nested": map[string]any{"n": "bad", "key": "k"},
	}

	_, err := Dump(m, broken, DumpOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	out, err := Dump(m, broken, DumpOptions{Fallback: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"token":  RedactedValue,
		"nested": map[string]any{"key": RedactedValue},
	}, out)

	assert.Nil(t, Redact(Int(), "nope", nil))
}

func TestDumpDropsUnknownKeysAndUnsetNulls(t *testing.T) {
	m := Record("Entry", Required("id", Int()), Optional("comment", Nullable(String())))

	out, err := Dump(m, map[string]any{"id": 1, "comment": nil, "internal": "x"}, DumpOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1), "comment": nil}, out)

	out, err = Dump(m, map[string]any{"id": 1, "comment": nil}, DumpOptions{ExcludeUnset: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": int64(1)}, out)
}

func TestRegistryRejectsSecretsInUnionsAndOptionals(t *testing.T) {
	reg := NewRegistry(apiversion.MustSequence("v25.04.0"))

	err := reg.Register("v25.04.0", Record("Bad", Required("v", Union(Secret(String()), Int()))))
	assert.True(t, errors.Is(err, errs.ErrSecretInUnion))

	err = reg.Register("v25.04.0", Record("AlsoBad", Optional("v", Nullable(Secret(String())))))
	assert.True(t, errors.Is(err, errs.ErrSecretInUnion))

	err = reg.Register("v25.04.0", Record("Fine", Required("attributes", credentialUnion())))
	assert.NoError(t, err)
}

func TestRegistryRejectsNullableReferenceToSecret(t *testing.T) {
	token := Secret(String())
	token.Name = "APIToken"

	reg := NewRegistry(apiversion.MustSequence("v25.04.0"))
	reg.MustRegister("v25.04.0", token,
		Record("CloudCredential", Optional("token", Nullable(Ref("APIToken")))))
	err := reg.Seal()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSecretInUnion))
	assert.ErrorContains(t, err, "APIToken")

	reg = NewRegistry(apiversion.MustSequence("v25.04.0"))
	reg.MustRegister("v25.04.0", token,
		Record("CloudCredential", Required("token", Ref("APIToken"))))
	assert.NoError(t, reg.Seal())
}

func TestRegistryChecksDefaults(t *testing.T) {
	reg := NewRegistry(apiversion.MustSequence("v25.04.0"))

	err := reg.Register("v25.04.0", Record("BadDefault", WithDefault("port", Int(Min(1)), 0)))
	assert.True(t, errors.Is(err, errs.ErrInvalidDefault))

	err = reg.Register("v25.04.0", Record("NullDefault", WithDefault("name", String(), nil)))
	assert.True(t, errors.Is(err, errs.ErrInvalidDefault))

	err = reg.Register("v25.04.0", Record("Deferred", WithDefault("mode", Ref("Mode"), "fast")))
	require.NoError(t, err)
	require.NoError(t, reg.Register("v25.04.0", Enum("Mode", "slow")))
	err = reg.Seal()
	assert.True(t, errors.Is(err, errs.ErrInvalidDefault))
}

func TestRegistryResolvesForwardReferences(t *testing.T) {
	reg := NewRegistry(apiversion.MustSequence("v25.04.0", "v26.04.0"))

	require.NoError(t, reg.Register("v25.04.0", Record("Pool", Required("topology", ArrayOf(Ref("Vdev"))))))
	require.NoError(t, reg.Register("v25.04.0", Record("Vdev", Required("type", Enum("VdevType", "MIRROR", "RAIDZ1")))))
	require.NoError(t, reg.Seal())
	assert.True(t, reg.Sealed())

	pool, err := reg.Get("Pool", "v25.04.0")
	require.NoError(t, err)
	out, err := Validate(pool, map[string]any{"topology": []any{map[string]any{"type": "MIRROR"}}},
		Options{Resolver: reg.Scope("v25.04.0")})
	require.NoError(t, err)
	assert.Len(t, out.(map[string]any)["topology"], 1)

	_, err = Validate(pool, map[string]any{"topology": []any{map[string]any{"type": "MIRROR"}}}, Options{})
	assert.True(t, errors.Is(err, errs.ErrUnresolvedReference))

	assert.True(t, errors.Is(reg.Register("v25.04.0", Record("Late")), errs.ErrRegistrySealed))
}

func TestRegistrySealFailsOnDanglingReference(t *testing.T) {
	reg := NewRegistry(apiversion.MustSequence("v25.04.0"))
	require.NoError(t, reg.Register("v25.04.0", Record("Share", Required("owner", Ref("User")))))

	err := reg.Seal()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUnresolvedReference))
	assert.False(t, reg.Sealed())
}

func TestRegistryLookups(t *testing.T) {
	reg := NewRegistry(apiversion.MustSequence("v25.04.0", "v26.04.0"))
	reg.MustRegister("v25.04.0", Record("B"), Record("A"))
	reg.MustRegister("v26.04.0", Record("A"))

	assert.True(t, errors.Is(reg.Register("v25.04.0", Record("A")), errs.ErrModelExists))
	assert.True(t, errors.Is(reg.Register("v25.04.0", Record("")), errs.ErrModelNameRequired))

	list, err := reg.List("v25.04.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, []string{list[0].Name, list[1].Name})

	mapped, err := reg.MapToVersion("A", "v25.04.0", "v26.04.0")
	require.NoError(t, err)
	assert.Same(t, mapped, mustGet(t, reg, "A", "v26.04.0"))

	_, err = reg.MapToVersion("B", "v25.04.0", "v26.04.0")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	_, err = reg.Get("A", "v99.01.0")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func mustGet(t *testing.T, reg *Registry, name, version string) *Model {
	t.Helper()
	m, err := reg.Get(name, version)
	require.NoError(t, err)
	return m
}
