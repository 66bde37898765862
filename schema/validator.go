// Package schema implements the JSON-Schema subset used to gate tool
// execution. It is deliberately forgiving: malformed schema nodes are skipped
// rather than reported, and a schema with no recognizable shape accepts any
// value. Callers opt into strictness by providing shape.
package schema

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Validate checks value against a draft-07-like schema subset and returns
// human-readable violations, each prefixed with a dotted/bracketed path
// (for example "args.items[2]"). An empty result means valid. Validate never
// panics and never returns errors for malformed schemas.
func Validate(schema map[string]any, value any, path string) []string {
	if len(schema) == 0 {
		return nil
	}

	types := schemaTypes(schema)
	if len(types) == 0 {
		// No explicit type; an object shape is implied by properties/required.
		if _, ok := schema["properties"]; ok {
			types = []string{"object"}
		} else if _, ok := schema["required"]; ok {
			types = []string{"object"}
		} else {
			return nil
		}
	}

	actual := typeName(value)
	if !typeMatches(types, actual, value) {
		return []string{fmt.Sprintf("%s: expected %s, got %s", path, strings.Join(types, " or "), actual)}
	}

	var errs []string
	switch actual {
	case "object":
		errs = append(errs, validateObject(schema, value.(map[string]any), path)...)
	case "array":
		errs = append(errs, validateArray(schema, value.([]any), path)...)
	case "string":
		errs = append(errs, validateString(schema, value.(string), path)...)
	case "number", "integer":
		errs = append(errs, validateNumber(schema, toFloat(value), path)...)
	}

	errs = append(errs, validateEnum(schema, value, path)...)
	return errs
}

func validateObject(schema map[string]any, obj map[string]any, path string) []string {
	var errs []string

	for _, key := range stringSlice(schema["required"]) {
		if _, ok := obj[key]; !ok {
			errs = append(errs, fmt.Sprintf("%s: missing required property %q", path, key))
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, raw := range props {
		child, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if val, present := obj[name]; present {
			errs = append(errs, Validate(child, val, path+"."+name)...)
		}
	}

	if additional, ok := schema["additionalProperties"].(bool); ok && !additional {
		var extras []string
		for key := range obj {
			if _, declared := props[key]; !declared {
				extras = append(extras, key)
			}
		}
		sort.Strings(extras)
		for _, key := range extras {
			errs = append(errs, fmt.Sprintf("%s: unexpected property %q", path, key))
		}
	}

	return errs
}

func validateArray(schema map[string]any, arr []any, path string) []string {
	var errs []string

	if min, ok := toInt(schema["minItems"]); ok && len(arr) < min {
		errs = append(errs, fmt.Sprintf("%s: expected at least %d items, got %d", path, min, len(arr)))
	}
	if max, ok := toInt(schema["maxItems"]); ok && len(arr) > max {
		errs = append(errs, fmt.Sprintf("%s: expected at most %d items, got %d", path, max, len(arr)))
	}

	if items, ok := schema["items"].(map[string]any); ok {
		for i, elem := range arr {
			errs = append(errs, Validate(items, elem, fmt.Sprintf("%s[%d]", path, i))...)
		}
	}

	return errs
}

func validateString(schema map[string]any, s string, path string) []string {
	var errs []string

	if min, ok := toInt(schema["minLength"]); ok && len(s) < min {
		errs = append(errs, fmt.Sprintf("%s: expected at least %d characters, got %d", path, min, len(s)))
	}
	if max, ok := toInt(schema["maxLength"]); ok && len(s) > max {
		errs = append(errs, fmt.Sprintf("%s: expected at most %d characters, got %d", path, max, len(s)))
	}

	return errs
}

func validateNumber(schema map[string]any, n float64, path string) []string {
	var errs []string

	if min, ok := toFloatOK(schema["minimum"]); ok && n < min {
		errs = append(errs, fmt.Sprintf("%s: %v is below minimum %v", path, n, min))
	}
	if max, ok := toFloatOK(schema["maximum"]); ok && n > max {
		errs = append(errs, fmt.Sprintf("%s: %v is above maximum %v", path, n, max))
	}

	return errs
}

func validateEnum(schema map[string]any, value any, path string) []string {
	options, ok := schema["enum"].([]any)
	if !ok || len(options) == 0 {
		return nil
	}

	for _, opt := range options {
		if reflect.DeepEqual(opt, value) {
			return nil
		}
		// JSON decoding yields float64 for every number; compare numerics loosely.
		if a, aok := toFloatOK(opt); aok {
			if b, bok := toFloatOK(value); bok && a == b {
				return nil
			}
		}
	}

	return []string{fmt.Sprintf("%s: value %v is not one of the allowed values", path, value)}
}

// Normalize tolerates bare {properties: ...} descriptor shapes by implicitly
// wrapping them as {type: "object", properties: ...}.
func Normalize(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	if _, hasType := schema["type"]; hasType {
		return schema
	}
	if _, hasProps := schema["properties"]; !hasProps {
		return schema
	}

	wrapped := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		wrapped[k] = v
	}
	wrapped["type"] = "object"
	return wrapped
}

func schemaTypes(schema map[string]any) []string {
	switch t := schema["type"].(type) {
	case string:
		return []string{t}
	case []any:
		var types []string
		for _, v := range t {
			if s, ok := v.(string); ok {
				types = append(types, s)
			}
		}
		return types
	case []string:
		return t
	}
	return nil
}

func typeName(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64:
		if v == math.Trunc(v) {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func typeMatches(types []string, actual string, value any) bool {
	for _, t := range types {
		if t == actual {
			return true
		}
		// An integer satisfies "number".
		if t == "number" && actual == "integer" {
			return true
		}
	}
	return false
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		var out []string
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func toFloat(v any) float64 {
	f, _ := toFloatOK(v)
	return f
}

func toFloatOK(v any) (float64, bool) {
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

func toInt(v any) (int, bool) {
	f, ok := toFloatOK(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}
