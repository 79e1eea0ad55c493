package tools

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Schema is the subset of JSON Schema used for tool parameters.
type Schema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties *bool               `json:"additionalProperties,omitempty"`
}

// Property describes one parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// InvalidArgumentsError reports arguments that do not satisfy a schema.
type InvalidArgumentsError struct {
	Tool   string
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	if e.Tool == "" {
		return "invalid tool arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

func invalid(format string, args ...any) error {
	return &InvalidArgumentsError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks args against schema and returns a copy with defaults
// applied for absent optional parameters. Unknown keys are rejected.
func Validate(schema Schema, args map[string]any) (map[string]any, error) {
	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return nil, invalid("missing required parameter: %s", key)
		}
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	validated := make(map[string]any, len(schema.Properties))
	for _, key := range keys {
		val := args[key]
		prop, ok := schema.Properties[key]
		if !ok {
			return nil, invalid("unknown parameter: %s", key)
		}
		if !matchesType(prop.Type, val) {
			return nil, invalid("parameter %s must be %s", key, prop.Type)
		}
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, val) {
			return nil, invalid("parameter %s must be one of %s", key, enumList(prop.Enum))
		}
		validated[key] = val
	}
	for key, prop := range schema.Properties {
		if _, ok := validated[key]; !ok && prop.Default != nil {
			validated[key] = prop.Default
		}
	}
	return validated, nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func inEnum(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprint(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
