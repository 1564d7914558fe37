package filters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

func data() []map[string]any {
	return []map[string]any{
		{"foo": "foo1", "number": 1, "list": []any{1}},
		{"foo": "foo2", "number": 2, "list": []any{2}},
		{"foo": "_foo_", "number": 3, "list": []any{3}},
	}
}

func withCase() []map[string]any {
	return []map[string]any{
		{"foo": "foo", "number": 1},
		{"foo": "Foo", "number": 2},
		{"foo": "foO_", "number": 3},
		{"foo": "bar", "number": 3},
	}
}

func count(t *testing.T, entries []map[string]any, raw ...any) int {
	t.Helper()
	f, err := Parse(raw)
	require.NoError(t, err)
	out, err := Apply(entries, f, Options{Count: true})
	require.NoError(t, err)
	return out.(int)
}

func cond(path, op string, v any) []any { return []any{path, op, v} }

func TestOperators(t *testing.T) {
	cases := []struct {
		filter []any
		want   int
	}{
		{cond("foo", "=", "foo1"), 1},
		{cond("foo", "!=", "foo1"), 2},
		{cond("foo", "^", "foo"), 2},
		{cond("foo", "!^", "foo"), 1},
		{cond("foo", "$", "_"), 1},
		{cond("foo", "!$", "_"), 2},
		{cond("foo", "~", "^foo"), 2},
		{cond("foo", "~", ".*foo.*"), 3},
		{cond("number", ">", 1), 2},
		{cond("number", ">=", 1), 3},
		{cond("number", "<", 3), 2},
		{cond("number", "<=", 3), 3},
		{cond("number", "in", []any{1, 3}), 2},
		{cond("number", "nin", []any{1, 3}), 1},
		{cond("list", "rin", 1), 1},
		{cond("list", "rnin", 1), 2},
		{cond("number", "=", 2.0), 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, count(t, data(), tc.filter), "%v", tc.filter)
	}
}

func TestCaseFoldOperators(t *testing.T) {
	assert.Equal(t, 1, count(t, data(), cond("foo", "C=", "Foo1")))
	assert.Equal(t, 3, count(t, withCase(), cond("foo", "C^", "F")))
	assert.Equal(t, 1, count(t, withCase(), cond("foo", "C!^", "F")))
	assert.Equal(t, 2, count(t, withCase(), cond("foo", "C$", "foo")))
	assert.Equal(t, 2, count(t, withCase(), cond("foo", "C!$", "O")))
	assert.Equal(t, 2, count(t, withCase(), cond("foo", "Cin", "foo")))
	assert.Equal(t, 3, count(t, withCase(), cond("foo", "Crin", "foo")))
	assert.Equal(t, 2, count(t, withCase(), cond("foo", "Cnin", "foo")))
	assert.Equal(t, 1, count(t, withCase(), cond("foo", "Crnin", "foo")))
	assert.Equal(t, 3, count(t, withCase(), cond("foo", "C~", "f")))
}

func TestOr(t *testing.T) {
	or := func(branches ...any) []any { return []any{"OR", branches} }

	assert.Equal(t, 1, count(t, data(), or(cond("number", "=", 1), cond("number", "=", 200))))
	assert.Equal(t, 2, count(t, data(), or(cond("number", "=", 1), cond("number", "=", 2))))
	assert.Equal(t, 2, count(t, data(), or([]any{cond("number", "=", 1), cond("foo", "=", "foo1")}, cond("number", "=", 2))))
	assert.Equal(t, 1, count(t, data(), or([]any{cond("number", "=", 1), cond("foo", "=", "foo2")}, cond("number", "=", 2))))
	assert.Equal(t, 2, count(t, data(), or(or(cond("number", "=", 1), cond("foo", "=", "canary")), cond("number", "=", 2))))
	assert.Equal(t, 1, count(t, data(), or(cond("number", "=", 2), cond("foo", "=", "x")), cond("foo", "^", "foo")))
}

func TestNestedPathsAndWildcards(t *testing.T) {
	entries := []map[string]any{
		{"Authentication": map[string]any{"status": "NT_STATUS_OK", "clientAccount": "joiner"}, "list": []any{map[string]any{"number": 1}, map[string]any{"number": 2}}},
		{"Authentication": map[string]any{"status": "NT_STATUS_NO_SUCH_USER"}, "list": []any{map[string]any{"number": 3}}},
		{"foo.bar": 45},
	}
	assert.Equal(t, 1, count(t, entries, cond("Authentication.status", "=", "NT_STATUS_OK")))
	assert.Equal(t, 1, count(t, entries, cond("Authentication.clientAccount", "C=", "JOINER")))
	assert.Equal(t, 1, count(t, entries, cond("list.*.number", "=", 2)))
	assert.Equal(t, 2, count(t, entries, cond("list.*.number", ">", 0)))
	assert.Equal(t, 1, count(t, entries, cond(`foo\.bar`, "=", 45)))
}

func TestTimestamps(t *testing.T) {
	entries := []map[string]any{
		{"timestamp": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"timestamp": time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
	}
	assert.Equal(t, 1, count(t, entries, cond("timestamp.$date", ">", "2026-03-01T00:00:00Z")))

	_, err := Parse([]any{cond("timestamp.$date", "=", "Canary")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ISO-8601")
	_, err = Parse([]any{cond("timestamp.$date", "=", 1)})
	assert.Error(t, err)
}

func TestParseRejectsMalformedFilters(t *testing.T) {
	for _, raw := range []any{
		"nope",
		[]any{[]any{"a", "="}},
		[]any{[]any{"a", "===", 1}},
		[]any{[]any{1, "=", 1}},
		[]any{[]any{"a", "~", "("}},
		[]any{[]any{"a", "^", 1}},
		[]any{[]any{"OR", []any{cond("a", "=", 1)}}},
	} {
		_, err := Parse(raw)
		require.Error(t, err, "%v", raw)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	}
}

func TestOptions(t *testing.T) {
	opts, err := ParseOptions(map[string]any{"get": true, "order_by": []any{"-number"}})
	require.NoError(t, err)
	got, err := Apply(data(), nil, opts)
	require.NoError(t, err)
	assert.Equal(t, "_foo_", got.(map[string]any)["foo"])

	out, err := Apply(data(), nil, Options{OrderBy: []string{"number"}, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out.([]map[string]any)[0]["number"])

	out, err = Apply(data(), nil, Options{Select: []Selection{{Path: []string{"foo"}}}})
	require.NoError(t, err)
	for _, e := range out.([]map[string]any) {
		assert.Len(t, e, 1)
		assert.Contains(t, e, "foo")
	}

	_, err = Apply(data(), MustParse([]any{cond("foo", "=", "zzz")}), Options{Get: true})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestNullOrdering(t *testing.T) {
	entries := []map[string]any{
		{"foo": "b", "n": 1},
		{"foo": nil, "n": 2},
		{"n": 3},
		{"foo": "a", "n": 4},
	}
	Sort(entries, []string{"nulls_first:foo"})
	assert.Nil(t, entries[0]["foo"])
	assert.Equal(t, "a", entries[2]["foo"])

	Sort(entries, []string{"nulls_last:foo"})
	assert.Equal(t, "a", entries[0]["foo"])
	assert.Nil(t, entries[3]["foo"])
}

func TestSelectNestedAndAliased(t *testing.T) {
	entries := []map[string]any{
		{"foobar": map[string]any{"stuff": map[string]any{"more_stuff": 4, "other": 1}}, "foo.bar": 45},
	}
	opts, err := ParseOptions(map[string]any{"select": []any{"foobar.stuff.more_stuff", []any{"foobar.stuff.more_stuff", "data"}, `foo\.bar`}})
	require.NoError(t, err)
	out, err := Apply(entries, nil, opts)
	require.NoError(t, err)
	entry := out.([]map[string]any)[0]
	assert.Equal(t, map[string]any{"stuff": map[string]any{"more_stuff": 4}}, entry["foobar"])
	assert.Equal(t, 4, entry["data"])
	assert.Equal(t, 45, entry["foo.bar"])

	for _, bad := range []any{
		[]any{[]any{"a"}},
		[]any{[]any{"a", "b", "c"}},
		[]any{[]any{1, "cat"}},
	} {
		_, err := ParseOptions(map[string]any{"select": bad})
		assert.Error(t, err)
	}
	_, err = ParseOptions(map[string]any{"limit": -1})
	assert.Error(t, err)
}
