package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"agent-gateway/internal/model"
)

// FilterApplier applies a configured filter chain to a value. The asset
// service implements it; ApplyFilters is the default behaviour.
type FilterApplier interface {
	ApplyValueFilters(value any, filters []Filter) (any, error)
}

// FilterFunc adapts a function to FilterApplier.
type FilterFunc func(value any, filters []Filter) (any, error)

func (f FilterFunc) ApplyValueFilters(value any, filters []Filter) (any, error) {
	return f(value, filters)
}

// Inbound converts a protocol-reported value into the value stored on the
// attribute: value filters, then the value converter, then type coercion.
func Inbound(attr *model.Attribute, value any, applier FilterApplier) Result {
	if raw, ok := attr.MetaValue(model.MetaValueFilters); ok && raw != nil {
		filters, err := ParseFilters(raw)
		if err != nil {
			return drop(err)
		}
		if len(filters) > 0 {
			if applier == nil {
				applier = FilterFunc(ApplyFilters)
			}
			value, err = applier.ApplyValueFilters(value, filters)
			if err != nil {
				return drop(fmt.Errorf("%w: %v", ErrFilter, err))
			}
		}
	}

	conv, ok, err := converterMeta(attr, model.MetaValueConverter)
	if err != nil {
		return drop(err)
	}
	if ok {
		r := ApplyConverter(value, conv)
		if r.Ignore {
			return r
		}
		value = r.Value
	}

	if value == nil {
		return keep(nil)
	}
	coerced, err := Coerce(value, attr.Type)
	if err != nil {
		return drop(err)
	}
	return keep(coerced)
}

// Coerce converts value to the JSON-shaped representation of typ.
func Coerce(value any, typ model.ValueType) (any, error) {
	if value == nil {
		return nil, nil
	}
	fail := func() (any, error) {
		return nil, fmt.Errorf("%w: %v (%T) to %s", ErrCoerce, value, value, typ)
	}

	switch typ {
	case model.TypeBoolean:
		if b, ok := toBool(value); ok {
			return b, nil
		}
		return fail()

	case model.TypeNumber, model.TypeInteger:
		f, ok := model.ToFloat(value)
		if !ok {
			switch v := value.(type) {
			case string:
				parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil {
					return fail()
				}
				f = parsed
			case bool:
				if v {
					f = 1
				}
			default:
				return fail()
			}
		}
		if typ == model.TypeInteger {
			if f != math.Trunc(f) {
				return fail()
			}
		}
		return f, nil

	case model.TypeText:
		switch value.(type) {
		case map[string]any, []any:
			return fail()
		}
		return model.ValueString(value), nil

	case model.TypeExecution:
		if s, ok := model.ParseExecuteStatus(value); ok {
			return string(s), nil
		}
		return fail()

	case model.TypeJSON, model.TypeArray:
		v := value
		if s, ok := value.(string); ok {
			var parsed any
			if err := json.Unmarshal([]byte(s), &parsed); err != nil {
				return fail()
			}
			v = parsed
		}
		norm, err := model.Normalize(v)
		if err != nil {
			return fail()
		}
		if typ == model.TypeArray {
			if _, ok := norm.([]any); !ok {
				return fail()
			}
		}
		return norm, nil

	default:
		norm, err := model.Normalize(value)
		if err != nil {
			return fail()
		}
		return norm, nil
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToUpper(strings.TrimSpace(b)) {
		case "TRUE", "1", "ON":
			return true, true
		case "FALSE", "0", "OFF":
			return false, true
		}
		return false, false
	default:
		if f, ok := model.ToFloat(v); ok {
			return f != 0, true
		}
		return false, false
	}
}
