// Package versioning bridges callers speaking an older API version to
// handlers declared in a newer one.
package versioning

import (
	"fmt"

	"github.com/truenas/middleware-sub000/internal/runtime/apiversion"
	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

// Pipeline walks same-named models along the version sequence of a registry.
type Pipeline struct {
	reg *schema.Registry
}

// New builds a pipeline over a sealed registry.
func New(reg *schema.Registry) *Pipeline {
	return &Pipeline{reg: reg}
}

func (p *Pipeline) path(from, to string) ([]apiversion.Version, error) {
	seq := p.reg.Sequence()
	fv, ok := seq.Lookup(from)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "unknown API version %q", from)
	}
	tv, ok := seq.Lookup(to)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "unknown API version %q", to)
	}
	return seq.Path(fv, tv)
}

// bridged reports whether a caller on version caller needs conversion to
// reach handler. Callers at or past the handler version use the handler's
// models as they are.
func (p *Pipeline) bridged(caller, handler string) (bool, error) {
	seq := p.reg.Sequence()
	cv, ok := seq.Lookup(caller)
	if !ok {
		return false, errs.New(errs.KindNotFound, "unknown API version %q", caller)
	}
	hv, ok := seq.Lookup(handler)
	if !ok {
		return false, errs.New(errs.KindNotFound, "unknown API version %q", handler)
	}
	return cv.Less(hv), nil
}

func copyRecord(value map[string]any) map[string]any {
	out, _ := schema.CopyValue(value).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func (p *Pipeline) model(name string, v apiversion.Version) *schema.Model {
	m, err := p.reg.Get(name, v.String())
	if err != nil {
		return nil
	}
	return m
}

// structure returns the declaration of name in effect at v: the one
// registered at v or, when v does not redeclare it, at the nearest older version.
func (p *Pipeline) structure(name string, v apiversion.Version) *schema.Model {
	seq := p.reg.Sequence()
	for cur, ok := v, true; ok; cur, ok = seq.Previous(cur) {
		if m := p.model(name, cur); m != nil {
			return m
		}
	}
	return nil
}

func (p *Pipeline) scope(v apiversion.Version) schema.Resolver {
	return schema.ResolverFunc(func(name string) (*schema.Model, bool) {
		m := p.structure(name, v)
		return m, m != nil
	})
}

// Upgrade converts a value of the named record from the caller version to
// the handler version. At each step nested records are converted before
// their parent. A caller at or past the handler version gets a copy of value.
func (p *Pipeline) Upgrade(name, caller, handler string, value map[string]any) (map[string]any, error) {
	older, err := p.bridged(caller, handler)
	if err != nil {
		return nil, err
	}
	if !older {
		return copyRecord(value), nil
	}
	steps, err := p.path(caller, handler)
	if err != nil {
		return nil, err
	}
	out := copyRecord(value)
	for i := 1; i < len(steps); i++ {
		out, err = p.upgradeRecord(name, nil, steps[i-1], steps[i], out)
		if err != nil {
			return nil, err
		}
	}
	if err := p.checkAddedFields(name, steps[0], steps[len(steps)-1], out); err != nil {
		return nil, err
	}
	return out, nil
}

// Downgrade converts a handler-version value back to the caller version.
// Each step applies the outer transform first and drops fields the older
// model does not declare. A caller at or past the handler version gets a
// copy of value.
func (p *Pipeline) Downgrade(name, handler, caller string, value map[string]any) (map[string]any, error) {
	older, err := p.bridged(caller, handler)
	if err != nil {
		return nil, err
	}
	if !older {
		return copyRecord(value), nil
	}
	steps, err := p.path(handler, caller)
	if err != nil {
		return nil, err
	}
	out := copyRecord(value)
	for i := 1; i < len(steps); i++ {
		out, err = p.downgradeRecord(name, nil, steps[i-1], steps[i], out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpgradeArgs binds positional arguments by the caller's accepts model and
// upgrades them to the handler version, returning named arguments.
func (p *Pipeline) UpgradeArgs(accepts string, caller, handler string, positional []any) (map[string]any, error) {
	older, err := p.bridged(caller, handler)
	if err != nil {
		return nil, err
	}
	if !older {
		caller = handler
	}
	cv, _ := p.reg.Sequence().Lookup(caller)
	model := p.structure(accepts, cv)
	if model == nil {
		hv, _ := p.reg.Sequence().Lookup(handler)
		model = p.structure(accepts, hv)
	}
	if model == nil {
		return nil, errs.New(errs.KindInternal, "accepts model %s is not registered", accepts)
	}
	if len(positional) > len(model.Fields) {
		return nil, errs.Validation(errs.Issue{
			Message: fmt.Sprintf("too many arguments (expected at most %d, got %d)", len(model.Fields), len(positional)),
			Code:    "too_many_arguments",
		})
	}
	named := make(map[string]any, len(positional))
	for i, arg := range positional {
		named[model.Fields[i].Name] = arg
	}
	return p.Upgrade(accepts, caller, handler, named)
}

// DowngradeResult converts a handler result through the returns model, whose
// single field is named result.
func (p *Pipeline) DowngradeResult(returns string, handler, caller string, result any) (any, error) {
	out, err := p.Downgrade(returns, handler, caller, map[string]any{"result": result})
	if err != nil {
		return nil, err
	}
	return out["result"], nil
}

func (p *Pipeline) upgradeRecord(name string, inline *schema.Model, prev, next apiversion.Version, value map[string]any) (map[string]any, error) {
	structure := p.structure(name, prev)
	if structure == nil {
		structure = inline
	}
	if structure != nil && structure.Kind == schema.KindRecord {
		for _, f := range structure.Fields {
			child, ok := value[f.Name]
			if !ok || child == nil || schema.IsUndefined(child) {
				continue
			}
			converted, err := p.upgradeNested(f.Type, child, prev, next)
			if err != nil {
				return nil, err
			}
			value[f.Name] = converted
		}
	}
	if target := p.model(name, next); target != nil && target.FromPrevious != nil {
		converted, err := target.FromPrevious(value)
		if err != nil {
			return nil, errs.Wrap(errs.KindVersionIncompatible, err,
				fmt.Sprintf("%s: convert %s to %s: %v", name, prev, next, err))
		}
		return converted, nil
	}
	return value, nil
}

func (p *Pipeline) downgradeRecord(name string, inline *schema.Model, from, to apiversion.Version, value map[string]any) (map[string]any, error) {
	if source := p.model(name, from); source != nil && source.ToPrevious != nil {
		converted, err := source.ToPrevious(value)
		if err != nil {
			return nil, errs.Wrap(errs.KindVersionIncompatible, err,
				fmt.Sprintf("%s: convert %s to %s: %v", name, from, to, err))
		}
		value = converted
	}
	structure := p.structure(name, to)
	if structure == nil {
		structure = inline
	}
	if structure == nil || structure.Kind != schema.KindRecord {
		return value, nil
	}
	for key, child := range value {
		f, declared := structure.Field(key)
		if !declared {
			if !structure.AllowExtra {
				delete(value, key)
			}
			continue
		}
		if child == nil || schema.IsUndefined(child) {
			continue
		}
		converted, err := p.downgradeNested(f.Type, child, from, to)
		if err != nil {
			return nil, err
		}
		value[key] = converted
	}
	return value, nil
}

func (p *Pipeline) upgradeNested(t *schema.Model, value any, prev, next apiversion.Version) (any, error) {
	return p.nested(t, value, prev, func(name string, inline *schema.Model, rec map[string]any) (map[string]any, error) {
		return p.upgradeRecord(name, inline, prev, next, rec)
	})
}

func (p *Pipeline) downgradeNested(t *schema.Model, value any, from, to apiversion.Version) (any, error) {
	return p.nested(t, value, to, func(name string, inline *schema.Model, rec map[string]any) (map[string]any, error) {
		return p.downgradeRecord(name, inline, from, to, rec)
	})
}

type recordStep func(name string, inline *schema.Model, rec map[string]any) (map[string]any, error)

// nested finds record values inside value (through arrays, maps, nullables,
// secrets and unions) and applies step to each.
func (p *Pipeline) nested(t *schema.Model, value any, scope apiversion.Version, step recordStep) (any, error) {
	resolved, err := schema.Resolve(t, p.scope(scope))
	if err != nil {
		return value, nil
	}
	switch resolved.Kind {
	case schema.KindRecord:
		rec, ok := value.(map[string]any)
		if !ok {
			return value, nil
		}
		return step(resolved.Name, resolved, rec)
	case schema.KindNullable, schema.KindSecret:
		if value == nil {
			return nil, nil
		}
		return p.nested(resolved.Elem, value, scope, step)
	case schema.KindArray:
		items, ok := value.([]any)
		if !ok {
			return value, nil
		}
		for i, item := range items {
			converted, err := p.nested(resolved.Elem, item, scope, step)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return items, nil
	case schema.KindMap:
		entries, ok := value.(map[string]any)
		if !ok {
			return value, nil
		}
		for k, item := range entries {
			converted, err := p.nested(resolved.Elem, item, scope, step)
			if err != nil {
				return nil, err
			}
			entries[k] = converted
		}
		return entries, nil
	case schema.KindUnion:
		variant, ok := schema.SelectVariant(resolved, value, p.scope(scope))
		if !ok {
			return value, nil
		}
		return p.nested(variant, value, scope, step)
	}
	return value, nil
}

// checkAddedFields refuses values missing a required, default-less field
// that the caller's version did not know about.
func (p *Pipeline) checkAddedFields(name string, caller, handler apiversion.Version, value map[string]any) error {
	if caller.Equal(handler) {
		return nil
	}
	target := p.structure(name, handler)
	if target == nil || target.Kind != schema.KindRecord {
		return nil
	}
	origin := p.structure(name, caller)
	for _, f := range target.Fields {
		if !f.Required || f.HasDefaultValue() {
			continue
		}
		if v, ok := value[f.Name]; ok && !schema.IsUndefined(v) {
			continue
		}
		if origin != nil {
			if _, known := origin.Field(f.Name); known {
				continue
			}
		}
		return errs.New(errs.KindVersionIncompatible,
			"field %q of %s is required in %s and unknown to %s", f.Name, name, handler, caller).
			WithExtra("field", f.Name)
	}
	return nil
}
