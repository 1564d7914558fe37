package schema

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// DumpOptions controls serialization.
type DumpOptions struct {
	// ExposeSecrets keeps secret values; otherwise they become RedactedValue.
	ExposeSecrets bool
	// ExcludeUnset drops nil optional fields that carry no default.
	ExcludeUnset bool
	// Fallback omits a subtree that fails to serialize instead of failing the dump.
	Fallback bool
	Resolver Resolver
}

// Dump produces the canonical wire form of a validated value. Undefined
// fields are always dropped.
func Dump(m *Model, value any, opts DumpOptions) (any, error) {
	d := &dumper{opts: opts}
	out, err := d.node(m, value, "")
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "serialize result: "+err.Error())
	}
	return out, nil
}

// Redact dumps value with secrets redacted and fallback enabled. It never
// fails; a value that cannot be serialized at all becomes nil.
func Redact(m *Model, value any, r Resolver) any {
	out, err := Dump(m, value, DumpOptions{Fallback: true, Resolver: r})
	if err != nil {
		return nil
	}
	return out
}

// ApplyPartial overlays the defined fields of patch onto base and returns a
// new record. Undefined fields of patch leave base untouched.
func ApplyPartial(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range patch {
		if IsUndefined(v) {
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

type dumper struct {
	opts DumpOptions
}

// errOmit marks a subtree dropped under Fallback.
type errOmit struct{ cause error }

func (e errOmit) Error() string { return e.cause.Error() }

func (d *dumper) fail(path string, format string, args ...any) error {
	err := fmt.Errorf("%s: %s", displayPath(path), fmt.Sprintf(format, args...))
	if d.opts.Fallback {
		return errOmit{cause: err}
	}
	return err
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}

func (d *dumper) node(m *Model, value any, path string) (any, error) {
	if m == nil {
		return nil, d.fail(path, "no model")
	}
	switch m.Kind {
	case KindRef:
		target, err := resolve(m, d.opts.Resolver)
		if err != nil {
			return nil, d.fail(path, "%v", err)
		}
		return d.node(target, value, path)
	case KindSecret:
		if !d.opts.ExposeSecrets {
			return RedactedValue, nil
		}
		return d.node(m.Elem, value, path)
	case KindNullable:
		if value == nil {
			return nil, nil
		}
		return d.node(m.Elem, value, path)
	}
	if value == nil {
		if m.Kind == KindScalar && m.Scalar == ScalarAny {
			return nil, nil
		}
		return nil, d.fail(path, "unexpected null")
	}

	switch m.Kind {
	case KindRecord:
		return d.record(m, value, path)
	case KindUnion:
		return d.union(m, value, path)
	case KindEnum:
		for _, allowed := range m.Values {
			if scalarEqual(allowed, value) {
				return allowed, nil
			}
		}
		return nil, d.fail(path, "value %v is not a member of %s", value, m.Name)
	case KindArray:
		items, ok := asList(value)
		if !ok {
			return nil, d.fail(path, "expected array, got %T", value)
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			dumped, err := d.node(m.Elem, item, join(path, strconv.Itoa(i)))
			if err != nil {
				if _, omit := err.(errOmit); omit {
					continue
				}
				return nil, err
			}
			out = append(out, dumped)
		}
		return out, nil
	case KindMap:
		obj, ok := asObject(value)
		if !ok {
			return nil, d.fail(path, "expected object, got %T", value)
		}
		out := make(map[string]any, len(obj))
		for _, k := range sortedKeys(obj) {
			dumped, err := d.node(m.Elem, obj[k], join(path, k))
			if err != nil {
				if _, omit := err.(errOmit); omit {
					continue
				}
				return nil, err
			}
			out[k] = dumped
		}
		return out, nil
	case KindScalar:
		return d.scalar(m, value, path)
	}
	return nil, d.fail(path, "unsupported model kind %s", m.Kind)
}

func (d *dumper) record(m *Model, value any, path string) (any, error) {
	obj, ok := asObject(value)
	if !ok {
		return nil, d.fail(path, "expected object, got %T", value)
	}
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		val, present := obj[f.Name]
		if !present || IsUndefined(val) {
			continue
		}
		if val == nil && d.opts.ExcludeUnset && !f.Required && !f.hasDefault() {
			continue
		}
		dumped, err := d.node(f.Type, val, join(path, f.Name))
		if err != nil {
			if _, omit := err.(errOmit); omit {
				continue
			}
			return nil, err
		}
		out[f.Name] = dumped
	}
	if m.AllowExtra {
		for _, k := range sortedKeys(obj) {
			if _, declared := m.Field(k); declared || IsUndefined(obj[k]) {
				continue
			}
			out[k] = copyValue(obj[k])
		}
	}
	return out, nil
}

func (d *dumper) union(m *Model, value any, path string) (any, error) {
	if variant, ok := SelectVariant(m, value, d.opts.Resolver); ok {
		return d.node(variant, value, path)
	}
	return nil, d.fail(path, "value matches no union variant")
}

func (d *dumper) scalar(m *Model, value any, path string) (any, error) {
	switch m.Scalar {
	case ScalarAny:
		return copyValue(value), nil
	case ScalarInt:
		n, ok := toInt(value, false)
		if !ok {
			return nil, d.fail(path, "expected integer, got %T", value)
		}
		return n, nil
	case ScalarFloat:
		f, ok := toFloat(value, false)
		if !ok {
			return nil, d.fail(path, "expected number, got %T", value)
		}
		return f, nil
	case ScalarBool:
		b, ok := value.(bool)
		if !ok {
			return nil, d.fail(path, "expected boolean, got %T", value)
		}
		return b, nil
	case ScalarString, ScalarPath, ScalarIPAddr:
		s, ok := value.(string)
		if !ok {
			if st, isStringer := value.(fmt.Stringer); isStringer && m.Scalar == ScalarIPAddr {
				return st.String(), nil
			}
			return nil, d.fail(path, "expected string, got %T", value)
		}
		return s, nil
	case ScalarDateTime:
		t, ok := toTime(value, false)
		if !ok {
			return nil, d.fail(path, "expected date-time, got %T", value)
		}
		return t.Format(time.RFC3339Nano), nil
	case ScalarDuration:
		dur, ok := toDuration(value)
		if !ok {
			return nil, d.fail(path, "expected duration, got %T", value)
		}
		return dur.Seconds(), nil
	case ScalarBinary:
		switch b := value.(type) {
		case []byte:
			return base64.StdEncoding.EncodeToString(b), nil
		case string:
			return b, nil
		}
		return nil, d.fail(path, "expected binary, got %T", value)
	}
	return nil, d.fail(path, "unsupported scalar %s", m.Scalar)
}
