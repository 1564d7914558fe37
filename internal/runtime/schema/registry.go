package schema

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// Resolver looks up Ref targets by qualified name.
type Resolver interface {
	Resolve(name string) (*Model, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (*Model, bool)

func (f ResolverFunc) Resolve(name string) (*Model, bool) { return f(name) }

func resolve(m *Model, r Resolver) (*Model, error) {
	seen := 0
	for m != nil && m.Kind == KindRef {
		if r == nil {
			return nil, fmt.Errorf("%w: %s", errs.ErrUnresolvedReference, m.RefName)
		}
		target, ok := r.Resolve(m.RefName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", errs.ErrUnresolvedReference, m.RefName)
		}
		m = target
		seen++
		if seen > 64 {
			return nil, fmt.Errorf("%w: reference loop at %s", errs.ErrUnresolvedReference, m.RefName)
		}
	}
	if m == nil {
		return nil, errors.New("schema: nil model")
	}
	return m, nil
}

// Resolve follows Ref nodes until a concrete model is reached.
func Resolve(m *Model, r Resolver) (*Model, error) { return resolve(m, r) }

// Registry is the versioned catalog of named models. It accepts registrations
// in any order and becomes read-only after Seal.
type Registry struct {
	seq    *apiversion.Sequence
	sealed atomic.Bool

	mu     sync.RWMutex
	models map[string]map[string]*Model
	// pending defaults are checked at Seal when their type references a model
	// that was not registered yet.
	pending []pendingDefault
}

type pendingDefault struct {
	version string
	model   string
	field   Field
}

// NewRegistry creates an empty registry over the supported version sequence.
func NewRegistry(seq *apiversion.Sequence) *Registry {
	models := make(map[string]map[string]*Model)
	for _, v := range seq.Versions() {
		models[v.String()] = make(map[string]*Model)
	}
	return &Registry{seq: seq, models: models}
}

// Sequence returns the version sequence the registry was built with.
func (r *Registry) Sequence() *apiversion.Sequence { return r.seq }

func (r *Registry) versionKey(version string) (string, error) {
	v, ok := r.seq.Lookup(version)
	if !ok {
		return "", errs.New(errs.KindNotFound, "unknown API version %q", version)
	}
	return v.String(), nil
}

// Register adds a named model to a version.
func (r *Registry) Register(version string, m *Model) error {
	if r.sealed.Load() {
		return errs.ErrRegistrySealed
	}
	if m == nil || m.Name == "" {
		return errs.ErrModelNameRequired
	}
	key, err := r.versionKey(version)
	if err != nil {
		return err
	}
	if err := checkSecrets(m, m.Name, false); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.models[key][m.Name]; exists {
		return fmt.Errorf("%w: %s@%s", errs.ErrModelExists, m.Name, key)
	}

	scope := r.scopeLocked(key)
	var pending []pendingDefault
	if m.Kind == KindRecord {
		for _, f := range m.Fields {
			if !f.HasDefault {
				continue
			}
			if err := checkDefault(f, scope); err != nil {
				if errors.Is(err, errs.ErrUnresolvedReference) {
					pending = append(pending, pendingDefault{version: key, model: m.Name, field: f})
					continue
				}
				return fmt.Errorf("%w: %s.%s: %v", errs.ErrInvalidDefault, m.Name, f.Name, err)
			}
		}
	}
	r.models[key][m.Name] = m
	r.pending = append(r.pending, pending...)
	return nil
}

// MustRegister panics when Register fails.
func (r *Registry) MustRegister(version string, models ...*Model) {
	for _, m := range models {
		if err := r.Register(version, m); err != nil {
			panic(err)
		}
	}
}

// Get returns the named model of a version.
func (r *Registry) Get(name, version string) (*Model, error) {
	key, err := r.versionKey(version)
	if err != nil {
		return nil, err
	}
	if m, ok := r.lookup(key, name); ok {
		return m, nil
	}
	return nil, errs.New(errs.KindNotFound, "model %s not found in %s", name, key)
}

func (r *Registry) lookup(key, name string) (*Model, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	m, ok := r.models[key][name]
	return m, ok
}

// List returns every model of a version sorted by name.
func (r *Registry) List(version string) ([]*Model, error) {
	key, err := r.versionKey(version)
	if err != nil {
		return nil, err
	}
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	out := make([]*Model, 0, len(r.models[key]))
	for _, m := range r.models[key] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MapToVersion returns the model with the same name as source's model in
// the target version.
func (r *Registry) MapToVersion(name, source, target string) (*Model, error) {
	if _, err := r.Get(name, source); err != nil {
		return nil, err
	}
	return r.Get(name, target)
}

// Scope returns the Resolver for Ref nodes validated in version.
func (r *Registry) Scope(version string) Resolver {
	key, err := r.versionKey(version)
	if err != nil {
		return ResolverFunc(func(string) (*Model, bool) { return nil, false })
	}
	return ResolverFunc(func(name string) (*Model, bool) { return r.lookup(key, name) })
}

func (r *Registry) scopeLocked(key string) Resolver {
	return ResolverFunc(func(name string) (*Model, bool) {
		m, ok := r.models[key][name]
		return m, ok
	})
}

// Sealed reports whether Seal completed.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

// Seal verifies every reference resolves and every deferred default validates,
// then freezes the registry.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return nil
	}
	var problems []error
	versions := make([]string, 0, len(r.models))
	for v := range r.models {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	for _, v := range versions {
		scope := r.scopeLocked(v)
		names := make([]string, 0, len(r.models[v]))
		for name := range r.models[v] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := checkRefs(r.models[v][name], scope, map[*Model]bool{}); err != nil {
				problems = append(problems, fmt.Errorf("%s@%s: %w", name, v, err))
			}
		}
	}
	for _, p := range r.pending {
		if err := checkDefault(p.field, r.scopeLocked(p.version)); err != nil {
			problems = append(problems, fmt.Errorf("%w: %s.%s@%s: %v", errs.ErrInvalidDefault, p.model, p.field.Name, p.version, err))
		}
	}
	if len(problems) > 0 {
		return errors.Join(problems...)
	}
	r.pending = nil
	r.sealed.Store(true)
	return nil
}

func checkRefs(m *Model, scope Resolver, visited map[*Model]bool) error {
	if m == nil || visited[m] {
		return nil
	}
	visited[m] = true
	switch m.Kind {
	case KindRef:
		target, err := resolve(m, scope)
		if err != nil {
			return err
		}
		if err := checkSecrets(target, target.Name, false); err != nil {
			return err
		}
		return checkRefs(target, scope, visited)
	case KindRecord:
		for _, f := range m.Fields {
			if err := checkRefs(f.Type, scope, visited); err != nil {
				return err
			}
		}
	case KindUnion:
		for _, v := range m.Variants {
			if err := checkRefs(v, scope, visited); err != nil {
				return err
			}
			if target, err := resolve(v, scope); err == nil && target.Kind == KindSecret {
				return fmt.Errorf("%w: union variant %s", errs.ErrSecretInUnion, v.RefName)
			}
		}
	case KindNullable:
		if err := checkRefs(m.Elem, scope, visited); err != nil {
			return err
		}
		if target, err := resolve(m.Elem, scope); err == nil && target.Kind == KindSecret {
			return fmt.Errorf("%w: nullable %s", errs.ErrSecretInUnion, m.Elem.RefName)
		}
	case KindArray, KindMap, KindSecret:
		return checkRefs(m.Elem, scope, visited)
	}
	return nil
}

// checkSecrets rejects secrets used directly as union variants or wrapped in
// Nullable. Secrets nested inside records of a union are allowed.
func checkSecrets(m *Model, path string, wrapped bool) error {
	if m == nil {
		return nil
	}
	switch m.Kind {
	case KindSecret:
		if wrapped {
			return fmt.Errorf("%w: %s", errs.ErrSecretInUnion, path)
		}
		return checkSecrets(m.Elem, path, false)
	case KindNullable:
		return checkSecrets(m.Elem, path, true)
	case KindUnion:
		for i, v := range m.Variants {
			if err := checkSecrets(v, fmt.Sprintf("%s.<variant %d>", path, i), true); err != nil {
				return err
			}
		}
	case KindRecord:
		for _, f := range m.Fields {
			if err := checkSecrets(f.Type, path+"."+f.Name, false); err != nil {
				return err
			}
		}
	case KindArray, KindMap:
		return checkSecrets(m.Elem, path+".*", false)
	}
	return nil
}

func checkDefault(f Field, scope Resolver) error {
	if f.Default == nil {
		t, err := resolve(f.Type, scope)
		if err != nil {
			return err
		}
		if t.Kind == KindNullable || (t.Kind == KindScalar && t.Scalar == ScalarAny) {
			return nil
		}
		return errors.New("null default for a non-nullable field")
	}
	v := &validator{opts: Options{Resolver: scope}}
	v.walk(f.Type, copyValue(f.Default), f.Name)
	if v.unresolved != nil {
		return v.unresolved
	}
	if len(v.issues) > 0 {
		return errs.Validation(v.issues...)
	}
	return nil
}
