package audit

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/truenas/middleware-sub000/internal/runtime/jsoncodec"
	"github.com/truenas/middleware-sub000/internal/runtime/schema"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Format replaces {field} and {field.sub} in template with values looked up
// in args. Missing values render as empty strings.
func Format(template string, args map[string]any) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		path := strings.Split(m[1:len(m)-1], ".")
		var cur any = args
		for _, part := range path {
			obj, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			if cur, ok = obj[part]; !ok {
				return ""
			}
		}
		return render(cur)
	})
}

func render(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	}
	if s, err := jsoncodec.MarshalString(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// RedactParams dumps call parameters for the record with every secret
// replaced. Validated args are preferred; otherwise the raw positional
// params are bound to accepts by position.
func RedactParams(accepts *schema.Model, params []any, args map[string]any, r schema.Resolver) (map[string]any, []any) {
	if accepts == nil || accepts.Kind != schema.KindRecord {
		return nil, params
	}
	named := args
	if named == nil {
		named = make(map[string]any, len(params))
		for i, p := range params {
			if i >= len(accepts.Fields) {
				break
			}
			named[accepts.Fields[i].Name] = p
		}
	}
	redacted, _ := schema.Redact(accepts, named, r).(map[string]any)
	if redacted == nil {
		return nil, nil
	}
	return redacted, schema.Positional(accepts, redacted)
}
