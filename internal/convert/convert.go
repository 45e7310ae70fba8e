// Package convert implements the value conversion pipeline between attribute
// values and protocol-native values. All functions are pure; callers decide
// how to log a dropped value.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agent-gateway/internal/model"
)

// Converter sentinels and tokens.
const (
	SentinelIgnore = "@IGNORE"
	SentinelNull   = "@NULL"
	NullKey        = "NULL"
	Placeholder    = "{$value}"
)

var (
	ErrNoConverterMatch = errors.New("convert: no converter entry for value")
	ErrInvalidConverter = errors.New("convert: converter is not an object")
	ErrTemplate         = errors.New("convert: invalid write value template")
	ErrFilter           = errors.New("convert: value filter failed")
	ErrCoerce           = errors.New("convert: value type coercion failed")
)

// Result is the outcome of a pipeline run. When Ignore is set the value
// must not be forwarded; Err explains why, if it was a failure rather
// than an explicit @IGNORE.
type Result struct {
	Ignore bool
	Value  any
	Err    error
}

func keep(v any) Result { return Result{Value: v} }

func drop(err error) Result { return Result{Ignore: true, Err: err} }

// ApplyConverter maps value through a converter table keyed by the
// upper-cased text form of the value (NULL when absent). Keys are matched
// exactly, so a lower-case key never matches.
func ApplyConverter(value any, converter map[string]any) Result {
	key := NullKey
	if value != nil {
		key = strings.ToUpper(model.ValueString(value))
	}

	mapped, ok := converter[key]
	if !ok {
		return drop(fmt.Errorf("%w: %q", ErrNoConverterMatch, key))
	}

	if s, isStr := mapped.(string); isStr && strings.HasPrefix(s, "@") {
		switch strings.ToUpper(s) {
		case SentinelIgnore:
			return Result{Ignore: true}
		case SentinelNull:
			return keep(nil)
		}
	}
	return keep(model.CloneValue(mapped))
}

// converterMeta reads a converter table from attribute meta.
func converterMeta(attr *model.Attribute, name string) (map[string]any, bool, error) {
	v, ok := attr.MetaValue(name)
	if !ok || v == nil {
		return nil, false, nil
	}
	switch m := v.(type) {
	case map[string]any:
		return m, true, nil
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(m), &parsed); err != nil {
			return nil, true, fmt.Errorf("%w: %s: %v", ErrInvalidConverter, name, err)
		}
		return parsed, true, nil
	default:
		norm, err := model.Normalize(v)
		if mm, isMap := norm.(map[string]any); err == nil && isMap {
			return mm, true, nil
		}
		return nil, true, fmt.Errorf("%w: %s", ErrInvalidConverter, name)
	}
}

// HasDynamicPlaceholder reports whether the attribute's write template
// contains the {$value} token.
func HasDynamicPlaceholder(attr *model.Attribute) bool {
	v, ok := attr.MetaValue(model.MetaWriteValue)
	if !ok || v == nil {
		return false
	}
	text, err := templateText(v)
	if err != nil {
		return false
	}
	return strings.Contains(text, Placeholder)
}
