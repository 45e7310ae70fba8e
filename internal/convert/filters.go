package convert

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/tidwall/gjson"

	"agent-gateway/internal/model"
)

// Filter types.
const (
	FilterRegex     = "regex"
	FilterJSONPath  = "jsonPath"
	FilterSubstring = "substring"
	FilterScript    = "script"
)

// Filter is one step of a value filter chain, decoded from the
// valueFilters meta item.
type Filter struct {
	Type string `json:"type"`

	// regex
	Pattern    string `json:"pattern,omitempty"`
	MatchGroup int    `json:"matchGroup,omitempty"`
	MatchIndex int    `json:"matchIndex,omitempty"`

	// jsonPath
	Path        string `json:"path,omitempty"`
	ReturnFirst bool   `json:"returnFirst,omitempty"`
	ReturnLast  bool   `json:"returnLast,omitempty"`

	// substring
	BeginIndex int  `json:"beginIndex,omitempty"`
	EndIndex   *int `json:"endIndex,omitempty"`

	// script
	Code string `json:"code,omitempty"`
}

// ParseFilters decodes a valueFilters meta value: a JSON array (as text or
// already decoded) of filter objects.
func ParseFilters(raw any) ([]Filter, error) {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFilter, err)
		}
	}
	var filters []Filter
	if err := json.Unmarshal(data, &filters); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrFilter, err)
	}
	for i, f := range filters {
		switch f.Type {
		case FilterRegex, FilterJSONPath, FilterSubstring, FilterScript:
		default:
			return nil, fmt.Errorf("%w: filter %d: unknown type %q", ErrFilter, i, f.Type)
		}
	}
	return filters, nil
}

// ApplyFilters runs filters in order. A filter producing nil ends the chain.
func ApplyFilters(value any, filters []Filter) (any, error) {
	for _, f := range filters {
		if value == nil {
			return nil, nil
		}
		var err error
		value, err = f.Apply(value)
		if err != nil {
			return nil, fmt.Errorf("%s filter: %w", f.Type, err)
		}
	}
	return value, nil
}

// Apply runs a single filter.
func (f Filter) Apply(value any) (any, error) {
	switch f.Type {
	case FilterRegex:
		return f.applyRegex(value)
	case FilterJSONPath:
		return f.applyJSONPath(value)
	case FilterSubstring:
		return f.applySubstring(value), nil
	case FilterScript:
		return runScript(f.Code, value)
	default:
		return nil, fmt.Errorf("unknown filter type %q", f.Type)
	}
}

var (
	regexMu    sync.Mutex
	regexCache = make(map[string]*regexp.Regexp)
)

func compileCached(pattern string) (*regexp.Regexp, error) {
	regexMu.Lock()
	defer regexMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache[pattern] = re
	return re, nil
}

// applyRegex returns group MatchGroup of match MatchIndex, or nil when
// there is no such match.
func (f Filter) applyRegex(value any) (any, error) {
	if f.Pattern == "" {
		return nil, fmt.Errorf("regex filter without pattern")
	}
	re, err := compileCached(f.Pattern)
	if err != nil {
		return nil, err
	}
	matches := re.FindAllStringSubmatch(model.ValueString(value), f.MatchIndex+1)
	if f.MatchIndex < 0 || len(matches) <= f.MatchIndex {
		return nil, nil
	}
	m := matches[f.MatchIndex]
	if f.MatchGroup < 0 || f.MatchGroup >= len(m) {
		return nil, nil
	}
	return m[f.MatchGroup], nil
}

// applyJSONPath evaluates a gjson path against the JSON text of value.
func (f Filter) applyJSONPath(value any) (any, error) {
	if f.Path == "" {
		return nil, fmt.Errorf("jsonPath filter without path")
	}
	var doc string
	if s, ok := value.(string); ok {
		doc = s
	} else {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		doc = string(data)
	}
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("value is not valid JSON")
	}

	res := gjson.Get(doc, f.Path)
	if !res.Exists() {
		return nil, nil
	}
	out := res.Value()
	if arr, ok := out.([]any); ok && (f.ReturnFirst || f.ReturnLast) {
		if len(arr) == 0 {
			return nil, nil
		}
		if f.ReturnFirst {
			return arr[0], nil
		}
		return arr[len(arr)-1], nil
	}
	return out, nil
}

func (f Filter) applySubstring(value any) any {
	s := model.ValueString(value)
	begin := f.BeginIndex
	if begin < 0 {
		begin = 0
	}
	if begin > len(s) {
		return nil
	}
	end := len(s)
	if f.EndIndex != nil && *f.EndIndex < end {
		end = *f.EndIndex
	}
	if end < begin {
		return nil
	}
	return s[begin:end]
}
