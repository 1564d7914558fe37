package schema

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

// Options controls validation.
type Options struct {
	// Coerce converts compatible representations ("1" to 1, "true" to true).
	Coerce bool
	// ExcludeUnset leaves omitted optional fields absent instead of applying defaults.
	ExcludeUnset bool
	// Partial applies update semantics to the top-level record.
	Partial bool
	// Resolver resolves Ref nodes; usually Registry.Scope(version).
	Resolver Resolver
}

// Validate checks raw against m and returns the canonical value. Every
// structural problem is reported in a single ValidationError.
func Validate(m *Model, raw any, opts Options) (any, error) {
	v := &validator{opts: opts}
	var out any
	if opts.Partial {
		target, err := resolve(m, opts.Resolver)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "")
		}
		if target.Kind == KindRecord {
			out, _ = v.record(target, raw, "", true)
		} else {
			out, _ = v.walk(target, raw, "")
		}
	} else {
		out, _ = v.walk(m, raw, "")
	}
	return v.result(out)
}

// NormalizeArgs binds a positional argument list onto the fields of the
// accepts record. Arguments may be omitted from the right. Issues inside a
// record-typed argument are reported relative to that argument; issues on
// the argument itself carry the field name.
func NormalizeArgs(accepts *Model, positional []any, opts Options) (map[string]any, error) {
	acc, err := resolve(accepts, opts.Resolver)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "")
	}
	if acc.Kind != KindRecord {
		return nil, errs.New(errs.KindInternal, "accepts model %s is not a record", acc.Name)
	}
	if len(positional) > len(acc.Fields) {
		return nil, errs.Validation(errs.Issue{
			Message: fmt.Sprintf("too many arguments (expected at most %d, got %d)", len(acc.Fields), len(positional)),
			Code:    "too_many_arguments",
		})
	}
	values := make(map[string]any, len(positional))
	for i, arg := range positional {
		values[acc.Fields[i].Name] = arg
	}
	return normalizeFields(acc, values, opts, false)
}

// NormalizeNamedArgs is NormalizeArgs for arguments already keyed by field
// name, as produced by the version pipeline.
func NormalizeNamedArgs(accepts *Model, values map[string]any, opts Options) (map[string]any, error) {
	acc, err := resolve(accepts, opts.Resolver)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "")
	}
	if acc.Kind != KindRecord {
		return nil, errs.New(errs.KindInternal, "accepts model %s is not a record", acc.Name)
	}
	return normalizeFields(acc, values, opts, true)
}

// Positional orders a normalized argument map by the accepts record, stopping
// at the first absent field.
func Positional(accepts *Model, values map[string]any) []any {
	out := make([]any, 0, len(accepts.Fields))
	for _, f := range accepts.Fields {
		val, ok := values[f.Name]
		if !ok || IsUndefined(val) {
			break
		}
		out = append(out, val)
	}
	return out
}

func normalizeFields(acc *Model, values map[string]any, opts Options, checkExtra bool) (map[string]any, error) {
	v := &validator{opts: opts}
	out := make(map[string]any, len(acc.Fields))
	for _, f := range acc.Fields {
		val, present := values[f.Name]
		if present && IsUndefined(val) {
			present = false
		}
		if !present {
			switch {
			case f.Required:
				v.add(f.Name, "field required", "missing")
			case opts.ExcludeUnset:
			case f.hasDefault():
				out[f.Name], _ = v.walk(f.Type, f.defaultValue(), f.Name)
			}
			continue
		}
		base := f.Name
		if v.recordLike(f.Type) {
			base = ""
		}
		start := len(v.issues)
		out[f.Name], _ = v.walk(f.Type, val, base)
		for i := start; i < len(v.issues); i++ {
			if v.issues[i].Path == "" {
				v.issues[i].Path = f.Name
			}
		}
	}
	if checkExtra {
		for _, k := range sortedKeys(values) {
			if _, ok := acc.Field(k); !ok {
				v.add(k, "extra fields not permitted", "extra_forbidden")
			}
		}
	}
	res, err := v.result(out)
	if err != nil {
		return nil, err
	}
	return res.(map[string]any), nil
}

type validator struct {
	opts       Options
	issues     []errs.Issue
	unresolved error
}

func (v *validator) result(out any) (any, error) {
	if v.unresolved != nil {
		return nil, errs.Wrap(errs.KindInternal, v.unresolved, "")
	}
	if len(v.issues) > 0 {
		return nil, errs.Validation(v.issues...)
	}
	return out, nil
}

func (v *validator) add(path, msg, code string) {
	v.issues = append(v.issues, errs.Issue{Path: path, Message: msg, Code: code})
}

func (v *validator) recordLike(m *Model) bool {
	t, err := resolve(m, v.opts.Resolver)
	if err != nil {
		return false
	}
	switch t.Kind {
	case KindRecord:
		return true
	case KindNullable, KindSecret:
		return v.recordLike(t.Elem)
	case KindUnion:
		return t.Discriminator != ""
	}
	return false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func (v *validator) walk(m *Model, raw any, path string) (any, bool) {
	start := len(v.issues)
	out := v.node(m, raw, path)
	return out, len(v.issues) == start && v.unresolved == nil
}

func (v *validator) node(m *Model, raw any, path string) any {
	if m == nil {
		v.add(path, "no model", "internal")
		return nil
	}
	switch m.Kind {
	case KindRef:
		target, err := resolve(m, v.opts.Resolver)
		if err != nil {
			if v.unresolved == nil {
				v.unresolved = err
			}
			return nil
		}
		return v.node(target, raw, path)
	case KindNullable:
		if raw == nil {
			return nil
		}
		return v.node(m.Elem, raw, path)
	case KindSecret:
		return v.node(m.Elem, raw, path)
	}

	if raw == nil {
		if m.Kind == KindScalar && m.Scalar == ScalarAny {
			return nil
		}
		v.add(path, "field cannot be null", "null")
		return nil
	}

	switch m.Kind {
	case KindRecord:
		out, _ := v.record(m, raw, path, m.Partial)
		return out
	case KindUnion:
		return v.union(m, raw, path)
	case KindEnum:
		for _, allowed := range m.Values {
			if scalarEqual(allowed, raw) {
				return allowed
			}
		}
		v.add(path, fmt.Sprintf("must be one of %v", m.Values), "enum")
		return nil
	case KindArray:
		items, ok := asList(raw)
		if !ok {
			v.add(path, "expected array", "type_error")
			return nil
		}
		v.checkLength(m.Constraints, path, len(items), false)
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = v.node(m.Elem, item, join(path, strconv.Itoa(i)))
		}
		return out
	case KindMap:
		obj, ok := asObject(raw)
		if !ok {
			v.add(path, "expected object", "type_error")
			return nil
		}
		v.checkLength(m.Constraints, path, len(obj), false)
		out := make(map[string]any, len(obj))
		for _, k := range sortedKeys(obj) {
			out[k] = v.node(m.Elem, obj[k], join(path, k))
		}
		return out
	case KindScalar:
		return v.scalar(m, raw, path)
	}
	v.add(path, "unsupported model kind "+m.Kind.String(), "internal")
	return nil
}

func (v *validator) record(m *Model, raw any, path string, partial bool) (map[string]any, bool) {
	start := len(v.issues)
	obj, ok := asObject(raw)
	if !ok {
		v.add(path, "expected object", "type_error")
		return nil, false
	}
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		fp := join(path, f.Name)
		val, present := obj[f.Name]
		if present && IsUndefined(val) {
			present = false
		}
		if !present {
			switch {
			case partial:
				out[f.Name] = Undefined
			case f.Required:
				v.add(fp, "field required", "missing")
			case v.opts.ExcludeUnset:
			case f.hasDefault():
				out[f.Name] = v.node(f.Type, f.defaultValue(), fp)
			}
			continue
		}
		out[f.Name] = v.node(f.Type, val, fp)
	}
	for _, k := range sortedKeys(obj) {
		if _, declared := m.Field(k); declared {
			continue
		}
		if m.AllowExtra {
			out[k] = copyValue(obj[k])
			continue
		}
		v.add(join(path, k), "extra fields not permitted", "extra_forbidden")
	}
	return out, len(v.issues) == start
}

func (v *validator) union(m *Model, raw any, path string) any {
	if m.Discriminator != "" {
		obj, ok := asObject(raw)
		if !ok {
			v.add(path, "expected object", "type_error")
			return nil
		}
		dp := join(path, m.Discriminator)
		tag, present := obj[m.Discriminator]
		if !present || IsUndefined(tag) || tag == nil {
			v.add(dp, "discriminator field required", "union_tag_not_found")
			return nil
		}
		for _, variant := range m.Variants {
			for _, accepted := range variant.discriminatorValues(m.Discriminator, v.opts.Resolver) {
				if scalarEqual(accepted, tag) {
					return v.node(variant, raw, path)
				}
			}
		}
		v.add(dp, fmt.Sprintf("unknown discriminator value %v", tag), "union_tag_invalid")
		return nil
	}
	for _, variant := range m.Variants {
		sub := &validator{opts: v.opts}
		out, ok := sub.walk(variant, raw, path)
		if ok {
			return out
		}
		if sub.unresolved != nil && v.unresolved == nil {
			v.unresolved = sub.unresolved
		}
	}
	v.add(path, "does not match any union variant", "union_no_match")
	return nil
}

func (v *validator) scalar(m *Model, raw any, path string) any {
	c := m.Constraints
	switch m.Scalar {
	case ScalarAny:
		return copyValue(raw)
	case ScalarInt:
		n, ok := toInt(raw, v.opts.Coerce)
		if !ok && outOfIntRange(raw) {
			v.add(path, "integer out of range", "int_range")
			return nil
		}
		if !ok {
			v.add(path, "expected integer", "int_type")
			return nil
		}
		v.checkNumber(c, path, float64(n))
		v.checkOneOf(c, path, n)
		return n
	case ScalarFloat:
		f, ok := toFloat(raw, v.opts.Coerce)
		if !ok {
			v.add(path, "expected number", "float_type")
			return nil
		}
		v.checkNumber(c, path, f)
		v.checkOneOf(c, path, f)
		return f
	case ScalarBool:
		b, ok := toBool(raw, v.opts.Coerce)
		if !ok {
			v.add(path, "expected boolean", "bool_type")
			return nil
		}
		return b
	case ScalarString, ScalarPath:
		s, ok := raw.(string)
		if !ok {
			v.add(path, "expected string", "string_type")
			return nil
		}
		if m.Scalar == ScalarPath && s != "" {
			if !filepath.IsAbs(s) {
				v.add(path, "path must be absolute", "path_not_absolute")
				return nil
			}
			s = filepath.Clean(s)
		}
		v.checkLength(c, path, len([]rune(s)), true)
		v.checkPattern(c, path, s)
		v.checkOneOf(c, path, s)
		return s
	case ScalarDateTime:
		t, ok := toTime(raw, v.opts.Coerce)
		if !ok {
			v.add(path, "expected RFC 3339 date-time", "datetime_type")
			return nil
		}
		return t
	case ScalarDuration:
		d, ok := toDuration(raw)
		if !ok {
			v.add(path, "expected duration", "duration_type")
			return nil
		}
		v.checkNumber(c, path, d.Seconds())
		return d
	case ScalarBinary:
		switch b := raw.(type) {
		case []byte:
			v.checkLength(c, path, len(b), false)
			return append([]byte(nil), b...)
		case string:
			decoded, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				v.add(path, "expected base64 data", "binary_type")
				return nil
			}
			v.checkLength(c, path, len(decoded), false)
			return decoded
		}
		v.add(path, "expected binary data", "binary_type")
		return nil
	case ScalarIPAddr:
		switch a := raw.(type) {
		case netip.Addr:
			return a.String()
		case string:
			addr, err := netip.ParseAddr(a)
			if err != nil {
				v.add(path, "expected IP address", "ip_type")
				return nil
			}
			return addr.String()
		}
		v.add(path, "expected IP address", "ip_type")
		return nil
	}
	v.add(path, "unsupported scalar "+string(m.Scalar), "internal")
	return nil
}

func (v *validator) checkNumber(c *Constraints, path string, n float64) {
	if c == nil {
		return
	}
	if c.Min != nil && n < *c.Min {
		if *c.Min == 0 {
			v.add(path, "negative", "greater_than_equal")
		} else {
			v.add(path, fmt.Sprintf("must be greater than or equal to %s", formatNumber(*c.Min)), "greater_than_equal")
		}
	}
	if c.Max != nil && n > *c.Max {
		v.add(path, fmt.Sprintf("must be less than or equal to %s", formatNumber(*c.Max)), "less_than_equal")
	}
}

func (v *validator) checkLength(c *Constraints, path string, n int, text bool) {
	if c == nil {
		return
	}
	unit := "items"
	if text {
		unit = "characters"
	}
	if c.MinLength != nil && n < *c.MinLength {
		if n == 0 && text {
			v.add(path, "empty", "too_short")
		} else {
			v.add(path, fmt.Sprintf("must have at least %d %s", *c.MinLength, unit), "too_short")
		}
	}
	if c.MaxLength != nil && n > *c.MaxLength {
		v.add(path, fmt.Sprintf("must have at most %d %s", *c.MaxLength, unit), "too_long")
	}
}

func (v *validator) checkPattern(c *Constraints, path, s string) {
	if c == nil || c.Pattern == "" {
		return
	}
	re, err := c.compiled()
	if err != nil {
		v.add(path, "invalid pattern "+c.Pattern, "internal")
		return
	}
	if !re.MatchString(s) {
		v.add(path, fmt.Sprintf("does not match pattern %s", c.Pattern), "pattern_mismatch")
	}
}

func (v *validator) checkOneOf(c *Constraints, path string, val any) {
	if c == nil || len(c.OneOf) == 0 {
		return
	}
	for _, allowed := range c.OneOf {
		if scalarEqual(allowed, val) {
			return
		}
	}
	v.add(path, fmt.Sprintf("must be one of %v", c.OneOf), "enum")
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asObject(raw any) (map[string]any, bool) {
	switch t := raw.(type) {
	case map[string]any:
		return t, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, true
	case reflect.Struct:
		if _, isTime := rv.Interface().(time.Time); isTime {
			return nil, false
		}
		var out map[string]any
		if err := jsoncodec.Convert(rv.Interface(), &out); err != nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

func asList(raw any) ([]any, bool) {
	switch t := raw.(type) {
	case []any:
		return t, true
	case []byte, string, nil:
		return nil, false
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// outOfIntRange reports whether raw is a float that no int64 can hold.
func outOfIntRange(raw any) bool {
	var n float64
	switch f := raw.(type) {
	case float64:
		n = f
	case float32:
		n = float64(f)
	default:
		return false
	}
	return n < -9.223372036854775808e18 || n >= 9.223372036854775808e18
}

func toInt(raw any, coerce bool) (int64, bool) {
	switch n := raw.(type) {
	case bool:
		return 0, false
	case float64:
		if n != math.Trunc(n) || outOfIntRange(n) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return toInt(float64(n), coerce)
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		if !coerce {
			return 0, false
		}
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	}
	return 0, false
}

func toFloat(raw any, coerce bool) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		if !coerce {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		return 0, false
	}
	if i, ok := toInt(raw, false); ok {
		return float64(i), true
	}
	return 0, false
}

func toBool(raw any, coerce bool) (bool, bool) {
	switch b := raw.(type) {
	case bool:
		return b, true
	case string:
		if !coerce {
			return false, false
		}
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}

func toTime(raw any, coerce bool) (time.Time, bool) {
	switch t := raw.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed.UTC(), true
	case map[string]any:
		ms, ok := t["$date"]
		if !ok {
			return time.Time{}, false
		}
		n, ok := toInt(ms, false)
		if !ok {
			return time.Time{}, false
		}
		return time.UnixMilli(n).UTC(), true
	}
	if coerce {
		if f, ok := toFloat(raw, false); ok {
			sec, frac := math.Modf(f)
			return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
		}
	}
	return time.Time{}, false
}

func toDuration(raw any) (time.Duration, bool) {
	switch d := raw.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	}
	if f, ok := toFloat(raw, false); ok {
		return time.Duration(f * float64(time.Second)), true
	}
	return 0, false
}

func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a, false); ok {
		if fb, ok := toFloat(b, false); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}
