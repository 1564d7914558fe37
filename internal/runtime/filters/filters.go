// Package filters implements the query filter language shared by query
// methods, the datastore, job.query and event subscriptions.
//
// A filter list is a conjunction of terms. A term is either a condition
// [path, op, value] or ["OR", [branch, ...]] where each branch is a
// condition or a list of conditions.
package filters

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	errs "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// Op is a comparison operator.
type Op string

const (
	OpEq        Op = "="
	OpNe        Op = "!="
	OpGt        Op = ">"
	OpGe        Op = ">="
	OpLt        Op = "<"
	OpLe        Op = "<="
	OpRegex     Op = "~"
	OpIn        Op = "in"
	OpNotIn     Op = "nin"
	OpRIn       Op = "rin"
	OpRNotIn    Op = "rnin"
	OpStarts    Op = "^"
	OpNotStarts Op = "!^"
	OpEnds      Op = "$"
	OpNotEnds   Op = "!$"
)

// caseFoldMark prefixes an operator to compare strings case-insensitively.
const caseFoldMark = "C"

var ops = map[Op]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGe: true, OpLt: true, OpLe: true, OpRegex: true,
	OpIn: true, OpNotIn: true, OpRIn: true, OpRNotIn: true,
	OpStarts: true, OpNotStarts: true, OpEnds: true, OpNotEnds: true,
}

// Term is one element of a filter list.
type Term struct {
	// Condition fields.
	Path     []string
	Op       Op
	CaseFold bool
	Value    any
	re       *regexp.Regexp

	// Or holds the branches of an OR term; each branch is a conjunction.
	Or []Filters
}

// Filters is a parsed conjunction.
type Filters []Term

// Parse validates a raw filter list.
func Parse(raw any) (Filters, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, invalid("", "filters must be a list")
	}
	out := make(Filters, 0, len(list))
	for i, item := range list {
		term, err := parseTerm(item, fmt.Sprint(i))
		if err != nil {
			return nil, err
		}
		out = append(out, term)
	}
	return out, nil
}

// MustParse panics on an invalid filter list.
func MustParse(raw any) Filters {
	f, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return f
}

func invalid(path, msg string) error {
	return errs.Validation(errs.Issue{Path: "filters" + suffix(path), Message: msg, Code: "invalid_filter"})
}

func suffix(path string) string {
	if path == "" {
		return ""
	}
	return "." + path
}

func parseTerm(raw any, path string) (Term, error) {
	list, ok := raw.([]any)
	if !ok {
		return Term{}, invalid(path, "filter must be a list")
	}
	if len(list) == 2 && list[0] == "OR" {
		branches, ok := list[1].([]any)
		if !ok || len(branches) < 2 {
			return Term{}, invalid(path, "OR requires a list of at least two branches")
		}
		term := Term{Or: make([]Filters, 0, len(branches))}
		for i, b := range branches {
			branch, err := parseBranch(b, path+".1."+fmt.Sprint(i))
			if err != nil {
				return Term{}, err
			}
			term.Or = append(term.Or, branch)
		}
		return term, nil
	}
	if len(list) != 3 {
		return Term{}, invalid(path, "filter must be [name, operator, value]")
	}
	name, ok := list[0].(string)
	if !ok || name == "" {
		return Term{}, invalid(path, "filter name must be a non-empty string")
	}
	opText, ok := list[1].(string)
	if !ok {
		return Term{}, invalid(path, "operator must be a string")
	}
	term := Term{Path: SplitPath(name), Value: list[2]}
	if strings.HasPrefix(opText, caseFoldMark) && ops[Op(opText[1:])] {
		term.CaseFold = true
		opText = opText[1:]
	}
	term.Op = Op(opText)
	if !ops[term.Op] {
		return Term{}, invalid(path, fmt.Sprintf("invalid operator %q", list[1]))
	}
	switch term.Op {
	case OpRegex:
		pat, ok := term.Value.(string)
		if !ok {
			return Term{}, invalid(path, "regex operand must be a string")
		}
		if term.CaseFold {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile("^(?:" + pat + ")")
		if err != nil {
			return Term{}, invalid(path, "invalid regex: "+err.Error())
		}
		term.re = re
	case OpStarts, OpNotStarts, OpEnds, OpNotEnds:
		if _, ok := term.Value.(string); !ok {
			return Term{}, invalid(path, "operand must be a string")
		}
	}
	if last := term.Path[len(term.Path)-1]; last == "$date" {
		s, ok := term.Value.(string)
		if !ok {
			return Term{}, invalid(path, "value must be an ISO-8601 formatted timestamp string")
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Term{}, invalid(path, "value must be an ISO-8601 formatted timestamp string")
		}
		term.Path = term.Path[:len(term.Path)-1]
		term.Value = ts
	}
	return term, nil
}

func parseBranch(raw any, path string) (Filters, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, invalid(path, "OR branch must be a list")
	}
	if len(list) > 0 {
		if _, nested := list[0].([]any); nested {
			out := make(Filters, 0, len(list))
			for i, item := range list {
				term, err := parseTerm(item, path+"."+fmt.Sprint(i))
				if err != nil {
					return nil, err
				}
				out = append(out, term)
			}
			return out, nil
		}
	}
	term, err := parseTerm(raw, path)
	if err != nil {
		return nil, err
	}
	return Filters{term}, nil
}

// SplitPath splits a dotted path; a backslash escapes a literal dot.
func SplitPath(name string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(name); i++ {
		switch {
		case name[i] == '\\' && i+1 < len(name) && name[i+1] == '.':
			cur.WriteByte('.')
			i++
		case name[i] == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(name[i])
		}
	}
	return append(parts, cur.String())
}

// Match reports whether entry satisfies every term.
func (f Filters) Match(entry map[string]any) bool {
	for _, t := range f {
		if !t.match(entry) {
			return false
		}
	}
	return true
}

func (t Term) match(entry map[string]any) bool {
	if t.Or != nil {
		for _, branch := range t.Or {
			if branch.Match(entry) {
				return true
			}
		}
		return false
	}
	values, found := lookup(entry, t.Path)
	if !found {
		// An absent field only satisfies negative operators.
		return t.Op == OpNe || t.Op == OpNotIn || t.Op == OpRNotIn || t.Op == OpNotStarts || t.Op == OpNotEnds
	}
	for _, v := range values {
		if t.compare(v) {
			return true
		}
	}
	return false
}

// lookup resolves path in entry. A "*" segment fans out over list elements.
func lookup(value any, path []string) ([]any, bool) {
	if len(path) == 0 {
		return []any{value}, true
	}
	if path[0] == "*" {
		items, ok := value.([]any)
		if !ok {
			return nil, false
		}
		var out []any
		for _, item := range items {
			if vs, ok := lookup(item, path[1:]); ok {
				out = append(out, vs...)
			}
		}
		return out, len(out) > 0
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	child, ok := obj[path[0]]
	if !ok {
		return nil, false
	}
	return lookup(child, path[1:])
}

func (t Term) compare(v any) bool {
	want := t.Value
	if t.CaseFold {
		v, want = fold(v), fold(want)
	}
	switch t.Op {
	case OpEq:
		return equal(v, want)
	case OpNe:
		return !equal(v, want)
	case OpGt, OpGe, OpLt, OpLe:
		c, ok := order(v, want)
		if !ok {
			return false
		}
		switch t.Op {
		case OpGt:
			return c > 0
		case OpGe:
			return c >= 0
		case OpLt:
			return c < 0
		}
		return c <= 0
	case OpRegex:
		s, ok := v.(string)
		return ok && t.re.MatchString(s)
	case OpIn:
		return contains(want, v)
	case OpNotIn:
		return !contains(want, v)
	case OpRIn:
		return contains(v, want)
	case OpRNotIn:
		return !contains(v, want)
	case OpStarts, OpNotStarts, OpEnds, OpNotEnds:
		s, ok := v.(string)
		if !ok {
			return t.Op == OpNotStarts || t.Op == OpNotEnds
		}
		w := want.(string)
		switch t.Op {
		case OpStarts:
			return strings.HasPrefix(s, w)
		case OpNotStarts:
			return !strings.HasPrefix(s, w)
		case OpEnds:
			return strings.HasSuffix(s, w)
		}
		return !strings.HasSuffix(s, w)
	}
	return false
}

func fold(v any) any {
	switch v := v.(type) {
	case string:
		return strings.ToLower(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = fold(item)
		}
		return out
	}
	return v
}

func contains(container, v any) bool {
	switch c := container.(type) {
	case []any:
		for _, item := range c {
			if equal(item, v) {
				return true
			}
		}
	case []string:
		for _, item := range c {
			if equal(item, v) {
				return true
			}
		}
	case string:
		if s, ok := v.(string); ok {
			return strings.Contains(c, s)
		}
	case map[string]any:
		if s, ok := v.(string); ok {
			_, found := c[s]
			return found
		}
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		return ok && x == y
	}
	if x, ok := a.(time.Time); ok {
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	switch a.(type) {
	case string, bool:
		return a == b
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// order compares two values of the same family. ok is false when they
// cannot be ordered.
func order(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	if x, ok := a.(time.Time); ok {
		y, ok := b.(time.Time)
		if !ok {
			if s, isStr := b.(string); isStr {
				parsed, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return 0, false
				}
				y = parsed
			} else {
				return 0, false
			}
		}
		return x.Compare(y), true
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}
