package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// NullLiteral is the text form of an absent value.
const NullLiteral = "null"

// ValueString returns the plain text form of a value: strings are returned
// unquoted, numbers in their shortest form, containers as JSON.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return NullLiteral
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case ExecuteStatus:
		return string(val)
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// ToFloat converts numeric values to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// CloneValue deep-copies JSON-shaped values. Other values are returned as-is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, vv := range val {
			m[k] = CloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, vv := range val {
			s[i] = CloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Normalize converts a value to its JSON-shaped form (numbers as float64,
// maps as map[string]any), as produced by decoding JSON.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	if f, ok := ToFloat(v); ok {
		return f, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
