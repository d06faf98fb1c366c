package actions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// validateParams checks decoded call parameters against a JSON-schema
// spec (the map shape used in Action.Parameters) and returns a coerced
// copy. Models routinely quote numbers and booleans, so scalar types
// are coerced rather than rejected. A nil schema accepts anything.
func validateParams(schema, params map[string]any) (map[string]any, error) {
	if schema == nil {
		return params, nil
	}
	if params == nil {
		params = map[string]any{}
	}

	for _, name := range requiredKeys(schema) {
		if _, ok := params[name]; !ok {
			return nil, fmt.Errorf("missing required parameter %q", name)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(params))
	for k, v := range params {
		spec, ok := props[k].(map[string]any)
		if !ok {
			// Parameters the schema does not describe pass through;
			// strictness here would reject harmless extras.
			out[k] = v
			continue
		}
		want, _ := spec["type"].(string)
		cv, err := coerce(v, want)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func coerce(v any, want string) (any, error) {
	if want == "" || v == nil {
		return v, nil
	}
	switch want {
	case "string":
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(t), nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("want string, got %T", v)
			}
			return string(b), nil
		}
	case "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return nil, fmt.Errorf("want number, got %q", t)
			}
			return f, nil
		}
		return nil, fmt.Errorf("want number, got %T", v)
	case "integer":
		switch t := v.(type) {
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("want integer, got %v", t)
			}
			return int(t), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("want integer, got %q", t)
			}
			return n, nil
		}
		return nil, fmt.Errorf("want integer, got %T", v)
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			if err != nil {
				return nil, fmt.Errorf("want boolean, got %q", t)
			}
			return b, nil
		}
		return nil, fmt.Errorf("want boolean, got %T", v)
	case "array":
		if _, ok := v.([]any); ok {
			return v, nil
		}
		return nil, fmt.Errorf("want array, got %T", v)
	case "object":
		if _, ok := v.(map[string]any); ok {
			return v, nil
		}
		return nil, fmt.Errorf("want object, got %T", v)
	}
	return v, nil
}
