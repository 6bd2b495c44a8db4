package capability

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Parameter types accepted in a Schema.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// Param describes one capability parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`

	// Types lists alternative accepted types, e.g. a command given as a
	// string or as an argument list.
	Types []string `json:"types,omitempty"`
}

// Schema is the ordered parameter list of a capability.
type Schema []Param

// Validate fails fast with a *ValidationError on the first missing required
// parameter, wrongly typed value or value outside its enum.
func (s Schema) Validate(params map[string]any) error {
	for _, p := range s {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				return &ValidationError{Field: p.Name, Message: "is required"}
			}
			continue
		}

		types := p.Types
		if len(types) == 0 {
			types = []string{p.Type}
		}
		if !slices.ContainsFunc(types, func(t string) bool { return matchesType(t, v) }) {
			return &ValidationError{Field: p.Name, Message: fmt.Sprintf("must be of type %s, got %T", joinTypes(types), v)}
		}
		if str, isStr := v.(string); isStr && p.Required && p.Type == TypeString && str == "" {
			return &ValidationError{Field: p.Name, Message: "cannot be empty"}
		}
		if len(p.Enum) > 0 && isScalar(v) && !slices.Contains(p.Enum, v) {
			return &ValidationError{Field: p.Name, Message: fmt.Sprintf("must be one of %v", p.Enum)}
		}
	}
	return nil
}

// Apply returns a copy of params with defaults filled for absent parameters.
func (s Schema) Apply(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(s))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range s {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

func joinTypes(types []string) string {
	if len(types) == 1 {
		return types[0]
	}
	return fmt.Sprintf("%v", types)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

func matchesType(t string, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	case TypeArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case TypeObject:
		switch v.(type) {
		case map[string]any, map[string]string:
			return true
		}
		return false
	}
	return false
}

// Parameter accessors. They assume Validate already passed.

func stringParam(params map[string]any, name, def string) string {
	if s, ok := params[name].(string); ok {
		return s
	}
	return def
}

func boolParam(params map[string]any, name string, def bool) bool {
	if b, ok := params[name].(bool); ok {
		return b
	}
	return def
}

func secondsParam(params map[string]any, name string) time.Duration {
	switch n := params[name].(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	}
	return 0
}

func stringMapParam(params map[string]any, name string) map[string]string {
	switch m := params[name].(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	return nil
}

func stringSliceParam(params map[string]any, name string) []string {
	switch s := params[name].(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, v := range s {
			out = append(out, fmt.Sprint(v))
		}
		return out
	}
	return nil
}
