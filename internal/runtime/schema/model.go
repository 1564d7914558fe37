// Package schema holds the declarative model tree used for method arguments,
// method results and event payloads, together with the validator and the
// serializer that enforce it.
package schema

import (
	"fmt"
	"regexp"
	"sync"
)

// Kind tags the shape of a Model node.
type Kind int

const (
	KindRecord Kind = iota + 1
	KindUnion
	KindEnum
	KindArray
	KindMap
	KindScalar
	KindSecret
	KindNullable
	KindRef
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindUnion:
		return "union"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindScalar:
		return "scalar"
	case KindSecret:
		return "secret"
	case KindNullable:
		return "nullable"
	case KindRef:
		return "ref"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ScalarType names the primitive carried by a KindScalar node.
type ScalarType string

const (
	ScalarInt      ScalarType = "int"
	ScalarFloat    ScalarType = "float"
	ScalarBool     ScalarType = "bool"
	ScalarString   ScalarType = "string"
	ScalarDateTime ScalarType = "datetime"
	ScalarDuration ScalarType = "duration"
	ScalarBinary   ScalarType = "binary"
	ScalarIPAddr   ScalarType = "ipaddr"
	ScalarPath     ScalarType = "path"
	ScalarAny      ScalarType = "any"
)

// SharedNamespace is where models of public methods live. Plugin-private
// models use PluginNamespace.
const SharedNamespace = "api"

// PluginNamespace returns the namespace for models private to a plugin.
func PluginNamespace(plugin string) string { return "plugin:" + plugin }

// RedactedValue replaces every secret position when secrets are not exposed.
const RedactedValue = "********"

type undefinedValue struct{}

func (undefinedValue) String() string { return "<undefined>" }

// Undefined marks a field that was omitted from a partial record. It is
// distinct from nil, which is an explicit null.
var Undefined any = undefinedValue{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedValue)
	return ok
}

// Transform converts a record value between adjacent API versions.
type Transform func(value map[string]any) (map[string]any, error)

// Constraints restrict scalar values and collection sizes.
type Constraints struct {
	Min       *float64
	Max       *float64
	MinLength *int
	MaxLength *int
	Pattern   string
	OneOf     []any

	patternOnce sync.Once
	pattern     *regexp.Regexp
	patternErr  error
}

func (c *Constraints) compiled() (*regexp.Regexp, error) {
	c.patternOnce.Do(func() {
		if c.Pattern != "" {
			c.pattern, c.patternErr = regexp.Compile(c.Pattern)
		}
	})
	return c.pattern, c.patternErr
}

// Constraint configures Constraints on a scalar or collection node.
type Constraint func(*Constraints)

func Min(n float64) Constraint { return func(c *Constraints) { c.Min = &n } }

func Max(n float64) Constraint { return func(c *Constraints) { c.Max = &n } }

func MinLength(n int) Constraint { return func(c *Constraints) { c.MinLength = &n } }

func MaxLength(n int) Constraint { return func(c *Constraints) { c.MaxLength = &n } }

func Pattern(expr string) Constraint { return func(c *Constraints) { c.Pattern = expr } }

func OneOf(values ...any) Constraint { return func(c *Constraints) { c.OneOf = values } }

// Field is one named member of a record.
type Field struct {
	Name        string
	Type        *Model
	Required    bool
	Description string

	Default        any
	HasDefault     bool
	DefaultFactory func() any
}

// Required declares a mandatory field.
func Required(name string, t *Model) Field {
	return Field{Name: name, Type: t, Required: true}
}

// Optional declares a field that may be omitted. It has no default, so an
// omitted value stays absent from the validated record.
func Optional(name string, t *Model) Field {
	return Field{Name: name, Type: t}
}

// WithDefault declares an optional field filled with def when omitted.
func WithDefault(name string, t *Model, def any) Field {
	return Field{Name: name, Type: t, Default: def, HasDefault: true}
}

// WithFactory declares an optional field whose default is produced by factory
// on every materialization.
func WithFactory(name string, t *Model, factory func() any) Field {
	return Field{Name: name, Type: t, DefaultFactory: factory}
}

func (f Field) hasDefault() bool { return f.HasDefault || f.DefaultFactory != nil }

func (f Field) defaultValue() any {
	if f.DefaultFactory != nil {
		return f.DefaultFactory()
	}
	return copyValue(f.Default)
}

// Model is an immutable description of a structured value. Build models
// with the constructors in this file; do not mutate them once registered.
type Model struct {
	Name        string
	Namespace   string
	Description string
	Kind        Kind

	Scalar      ScalarType
	Constraints *Constraints

	Fields     []Field
	Partial    bool
	AllowExtra bool

	Variants      []*Model
	Discriminator string

	Values []any

	Elem *Model

	RefName string

	FromPrevious Transform
	ToPrevious   Transform
}

func buildConstraints(cs []Constraint) *Constraints {
	if len(cs) == 0 {
		return nil
	}
	out := &Constraints{}
	for _, c := range cs {
		c(out)
	}
	return out
}

func newScalar(t ScalarType, cs []Constraint) *Model {
	return &Model{Kind: KindScalar, Scalar: t, Constraints: buildConstraints(cs)}
}

func Int(cs ...Constraint) *Model      { return newScalar(ScalarInt, cs) }
func Float(cs ...Constraint) *Model    { return newScalar(ScalarFloat, cs) }
func Bool() *Model                     { return newScalar(ScalarBool, nil) }
func String(cs ...Constraint) *Model   { return newScalar(ScalarString, cs) }
func DateTime() *Model                 { return newScalar(ScalarDateTime, nil) }
func Duration(cs ...Constraint) *Model { return newScalar(ScalarDuration, cs) }
func Binary(cs ...Constraint) *Model   { return newScalar(ScalarBinary, cs) }
func IPAddr() *Model                   { return newScalar(ScalarIPAddr, nil) }
func Path(cs ...Constraint) *Model     { return newScalar(ScalarPath, cs) }
func Any() *Model                      { return newScalar(ScalarAny, nil) }

// Record declares an ordered record. The field order is the positional
// argument order when the record is used as a method's accepts model.
func Record(name string, fields ...Field) *Model {
	return &Model{Name: name, Namespace: SharedNamespace, Kind: KindRecord, Fields: fields}
}

// Enum declares a finite set of values.
func Enum(name string, values ...any) *Model {
	return &Model{Name: name, Namespace: SharedNamespace, Kind: KindEnum, Values: values}
}

// ArrayOf declares a list of elem.
func ArrayOf(elem *Model, cs ...Constraint) *Model {
	return &Model{Kind: KindArray, Elem: elem, Constraints: buildConstraints(cs)}
}

// MapOf declares a string-keyed map of elem.
func MapOf(elem *Model, cs ...Constraint) *Model {
	return &Model{Kind: KindMap, Elem: elem, Constraints: buildConstraints(cs)}
}

// Secret marks inner as redacted on dump unless secrets are exposed.
func Secret(inner *Model) *Model {
	return &Model{Kind: KindSecret, Elem: inner}
}

// Nullable allows an explicit null in place of inner.
func Nullable(inner *Model) *Model {
	return &Model{Kind: KindNullable, Elem: inner}
}

// Ref is a lazy, name-based reference resolved against the registry version
// the enclosing model is validated in.
func Ref(name string) *Model {
	return &Model{Kind: KindRef, RefName: name}
}

// Union declares an untagged union; the first matching variant wins.
func Union(variants ...*Model) *Model {
	return &Model{Kind: KindUnion, Variants: variants}
}

// TaggedUnion declares a discriminated union of records. Each variant must be
// a record whose discriminator field is a single-value enum or OneOf string.
func TaggedUnion(discriminator string, variants ...*Model) *Model {
	return &Model{Kind: KindUnion, Variants: variants, Discriminator: discriminator}
}

// InNamespace sets the namespace of a named model.
func (m *Model) InNamespace(ns string) *Model {
	m.Namespace = ns
	return m
}

// Describe sets the human readable description.
func (m *Model) Describe(text string) *Model {
	m.Description = text
	return m
}

// Extra allows keys not declared by the record.
func (m *Model) Extra() *Model {
	m.AllowExtra = true
	return m
}

// WithTransforms attaches the version transforms from the previous API version.
func (m *Model) WithTransforms(from, to Transform) *Model {
	m.FromPrevious, m.ToPrevious = from, to
	return m
}

// AsPartial returns a copy of the record with update semantics: omitted
// fields stay Undefined instead of failing or taking defaults.
func (m *Model) AsPartial(name string) *Model {
	cp := *m
	cp.Name = name
	cp.Partial = true
	cp.FromPrevious, cp.ToPrevious = nil, nil
	return &cp
}

// Field looks up a record field by name.
func (m *Model) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames lists record field names in declaration order.
func (m *Model) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// discriminatorValues returns the accepted discriminator values of a variant.
func (m *Model) discriminatorValues(disc string, r Resolver) []any {
	variant, err := resolve(m, r)
	if err != nil || variant.Kind != KindRecord {
		return nil
	}
	f, ok := variant.Field(disc)
	if !ok {
		return nil
	}
	t, err := resolve(f.Type, r)
	if err != nil {
		return nil
	}
	switch {
	case t.Kind == KindEnum:
		return t.Values
	case t.Constraints != nil && len(t.Constraints.OneOf) > 0:
		return t.Constraints.OneOf
	case f.HasDefault:
		return []any{f.Default}
	}
	return nil
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

// CopyValue deep-copies maps and slices of a validated value.
func CopyValue(v any) any { return copyValue(v) }

// SelectVariant picks the union variant a value belongs to: by discriminator
// for tagged unions, by first successful validation otherwise.
func SelectVariant(m *Model, value any, r Resolver) (*Model, bool) {
	if m == nil || m.Kind != KindUnion {
		return nil, false
	}
	if m.Discriminator != "" {
		obj, ok := asObject(value)
		if !ok {
			return nil, false
		}
		tag := obj[m.Discriminator]
		for _, variant := range m.Variants {
			for _, accepted := range variant.discriminatorValues(m.Discriminator, r) {
				if scalarEqual(accepted, tag) {
					return variant, true
				}
			}
		}
		return nil, false
	}
	for _, variant := range m.Variants {
		trial := &validator{opts: Options{Resolver: r}}
		if _, ok := trial.walk(variant, value, ""); ok {
			return variant, true
		}
	}
	return nil, false
}

// HasDefaultValue reports whether an omitted field is filled on validation.
func (f Field) HasDefaultValue() bool { return f.hasDefault() }

// AsObject converts maps and structs into a generic record value.
func AsObject(raw any) (map[string]any, bool) { return asObject(raw) }

// AsList converts slices into a generic list value.
func AsList(raw any) ([]any, bool) { return asList(raw) }
