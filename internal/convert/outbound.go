package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"agent-gateway/internal/model"
)

// Outbound converts an attribute write into the value handed to a
// protocol's write hook. dynamic is the link-time flag recording that the
// write template contains the {$value} placeholder.
func Outbound(attr *model.Attribute, value any, dynamic bool) Result {
	tmpl, hasTemplate := attr.MetaValue(model.MetaWriteValue)

	// Executable start requests send the template verbatim.
	if attr.IsExecutable() && hasTemplate && tmpl != nil {
		if status, ok := model.ParseExecuteStatus(value); ok && status == model.ExecRequestStart {
			parsed, err := parseTemplate(tmpl)
			if err != nil {
				return drop(err)
			}
			return keep(parsed)
		}
	}

	conv, ok, err := converterMeta(attr, model.MetaWriteValueConverter)
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

	if !hasTemplate {
		return keep(value)
	}
	if tmpl == nil {
		return keep(nil)
	}

	if !dynamic {
		parsed, err := parseTemplate(tmpl)
		if err != nil {
			return drop(err)
		}
		return keep(parsed)
	}

	text, err := templateText(tmpl)
	if err != nil {
		return drop(err)
	}
	parsed, err := parseJSON(SubstituteValue(text, value))
	if err != nil {
		return drop(err)
	}
	return keep(parsed)
}

// SubstituteValue replaces every {$value} token in text. A token wrapped in
// double quotes keeps its quotes and receives JSON-escaped text; a bare token
// receives the plain text form of the value.
func SubstituteValue(text string, value any) string {
	str := model.ValueString(value)

	escaped, _ := json.Marshal(str)
	quoted := string(escaped)
	if value == nil {
		quoted = model.NullLiteral
	}

	text = strings.ReplaceAll(text, `"`+Placeholder+`"`, quoted)
	return strings.ReplaceAll(text, Placeholder, str)
}

func templateText(tmpl any) (string, error) {
	if s, ok := tmpl.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return string(data), nil
}

// parseTemplate parses a template meta value. Structured values are used as-is.
func parseTemplate(tmpl any) (any, error) {
	s, ok := tmpl.(string)
	if !ok {
		return model.Normalize(model.CloneValue(tmpl))
	}
	return parseJSON(s)
}

func parseJSON(text string) (any, error) {
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrTemplate, text, err)
	}
	return out, nil
}
