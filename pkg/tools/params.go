package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParamError reports every parameter violation for one tool call at once.
type ParamError struct {
	ToolID     string
	Violations []string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("tool %s: invalid parameters: %s", e.ToolID, strings.Join(e.Violations, "; "))
}

// coerceParams validates and coerces the caller's arguments against the
// tool's parameter contract. The result preserves declaration order as the
// query endpoint expects positional-by-name params.
func coerceParams(def *ToolDefinition, args map[string]any) ([]map[string]any, error) {
	var violations []string
	out := make([]map[string]any, 0, len(def.Params))

	for _, spec := range def.Params {
		raw, present := args[spec.Name]
		if !present || raw == nil {
			if spec.Default != nil {
				out = append(out, map[string]any{spec.Name: spec.Default})
				continue
			}
			if spec.Required {
				violations = append(violations, fmt.Sprintf("%s is required", spec.Name))
			}
			continue
		}

		value, err := coerceValue(spec.Type, raw)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s: %v", spec.Name, err))
			continue
		}
		out = append(out, map[string]any{spec.Name: value})
	}

	if len(violations) > 0 {
		return nil, &ParamError{ToolID: def.ID, Violations: violations}
	}
	return out, nil
}

func coerceValue(paramType string, raw any) (any, error) {
	switch paramType {
	case TypeKeyword:
		// Arrays pass through untouched for IN clauses.
		switch v := raw.(type) {
		case []any:
			return v, nil
		case []string:
			return v, nil
		case string:
			return v, nil
		default:
			return fmt.Sprint(v), nil
		}

	case TypeInteger:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not an integer", v)
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not an integer", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("%T is not an integer", raw)
		}

	case TypeDouble:
		switch v := raw.(type) {
		case float64:
			if math.IsNaN(v) {
				return nil, fmt.Errorf("NaN is not a valid double")
			}
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(f) {
				return nil, fmt.Errorf("%q is not a valid double", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("%T is not a valid double", raw)
		}

	case TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339), nil
		case string:
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return nil, fmt.Errorf("%q is not an ISO-8601 date", v)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("%T is not a date", raw)
		}
	}
	return nil, fmt.Errorf("unknown parameter type %q", paramType)
}
