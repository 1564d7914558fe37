package filters

import (
	"fmt"
	"sort"
	"strings"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
)

// Selection is one select entry, optionally renamed.
type Selection struct {
	Path []string
	As   string
}

// Options shapes a query result.
type Options struct {
	// OrderBy entries are field paths, optionally prefixed with "-" for
	// descending order and "nulls_first:" or "nulls_last:".
	OrderBy []string
	Select  []Selection
	Limit   int
	Offset  int
	// Get returns the first entry instead of a list, or NotFound.
	Get bool
	// Count returns the number of matches.
	Count bool
}

type rawOptions struct {
	OrderBy []string `json:"order_by"`
	Select  []any    `json:"select"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	Get     bool     `json:"get"`
	Count   bool     `json:"count"`
}

// ParseOptions decodes the wire form of query options.
func ParseOptions(raw any) (Options, error) {
	if raw == nil {
		return Options{}, nil
	}
	var ro rawOptions
	if err := jsoncodec.Convert(raw, &ro); err != nil {
		return Options{}, errs.Validation(errs.Issue{Path: "options", Message: err.Error(), Code: "invalid_options"})
	}
	if ro.Limit < 0 || ro.Offset < 0 {
		return Options{}, errs.Validation(errs.Issue{Path: "options", Message: "limit and offset must not be negative", Code: "invalid_options"})
	}
	opts := Options{OrderBy: ro.OrderBy, Limit: ro.Limit, Offset: ro.Offset, Get: ro.Get, Count: ro.Count}
	for i, s := range ro.Select {
		sel, err := parseSelection(s)
		if err != nil {
			return Options{}, errs.Validation(errs.Issue{Path: fmt.Sprintf("options.select.%d", i), Message: err.Error(), Code: "invalid_options"})
		}
		opts.Select = append(opts.Select, sel)
	}
	return opts, nil
}

func parseSelection(raw any) (Selection, error) {
	switch s := raw.(type) {
	case string:
		return Selection{Path: SplitPath(s)}, nil
	case []any:
		if len(s) != 2 {
			return Selection{}, fmt.Errorf("select as list may only contain two parameters")
		}
		name, ok := s[0].(string)
		if !ok {
			return Selection{}, fmt.Errorf("first item must be a string")
		}
		as, ok := s[1].(string)
		if !ok {
			return Selection{}, fmt.Errorf("second item must be a string")
		}
		return Selection{Path: SplitPath(name), As: as}, nil
	}
	return Selection{}, fmt.Errorf("select entries must be strings or [name, alias] pairs")
}

// Apply filters, orders, pages and projects entries. The result is a list
// of entries, a single entry for Get, or an int for Count.
func Apply(entries []map[string]any, f Filters, opts Options) (any, error) {
	matched := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	if opts.Count {
		return len(matched), nil
	}
	Sort(matched, opts.OrderBy)
	matched = page(matched, opts.Offset, opts.Limit)
	if len(opts.Select) > 0 {
		for i, e := range matched {
			matched[i] = project(e, opts.Select)
		}
	}
	if opts.Get {
		if len(matched) == 0 {
			return nil, errs.New(errs.KindNotFound, "object not found")
		}
		return matched[0], nil
	}
	return matched, nil
}

func page(entries []map[string]any, offset, limit int) []map[string]any {
	if offset >= len(entries) {
		return entries[:0]
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

type orderKey struct {
	path       []string
	desc       bool
	nullsFirst bool
}

func parseOrder(spec string) orderKey {
	var k orderKey
	switch {
	case strings.HasPrefix(spec, "nulls_first:"):
		k.nullsFirst = true
		spec = strings.TrimPrefix(spec, "nulls_first:")
	case strings.HasPrefix(spec, "nulls_last:"):
		spec = strings.TrimPrefix(spec, "nulls_last:")
	}
	if strings.HasPrefix(spec, "-") {
		k.desc = true
		spec = spec[1:]
	}
	k.path = SplitPath(spec)
	return k
}

// Sort orders entries in place by the order_by specs. The sort is stable.
func Sort(entries []map[string]any, orderBy []string) {
	if len(orderBy) == 0 {
		return
	}
	keys := make([]orderKey, len(orderBy))
	for i, spec := range orderBy {
		keys[i] = parseOrder(spec)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		for _, k := range keys {
			a := first(entries[i], k.path)
			b := first(entries[j], k.path)
			if a == nil || b == nil {
				if a == nil && b == nil {
					continue
				}
				return (a == nil) == k.nullsFirst
			}
			c, ok := order(a, b)
			if !ok || c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func first(entry map[string]any, path []string) any {
	vs, ok := lookup(entry, path)
	if !ok || len(vs) == 0 {
		return nil
	}
	return vs[0]
}

func project(entry map[string]any, sel []Selection) map[string]any {
	out := make(map[string]any, len(sel))
	for _, s := range sel {
		v, ok := lookup(entry, s.Path)
		if !ok {
			continue
		}
		if s.As != "" {
			out[s.As] = v[0]
			continue
		}
		setPath(out, s.Path, v[0])
	}
	return out
}

func setPath(dst map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		next, ok := dst[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			dst[p] = next
		}
		dst = next
	}
	dst[path[len(path)-1]] = v
}
