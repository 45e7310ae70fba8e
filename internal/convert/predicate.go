package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"agent-gateway/internal/model"
)

// Match modes of a StringPredicate.
const (
	MatchExact    = "EXACT"
	MatchBegin    = "BEGIN"
	MatchEnd      = "END"
	MatchContains = "CONTAINS"
)

// StringPredicate matches message text, decoded from the matchPredicate
// meta item.
type StringPredicate struct {
	Match         string `json:"match"`
	CaseSensitive bool   `json:"caseSensitive"`
	Value         string `json:"value"`
	Negate        bool   `json:"negate"`
}

// ParsePredicate decodes a matchPredicate meta value.
func ParsePredicate(raw any) (*StringPredicate, error) {
	var data []byte
	if s, ok := raw.(string); ok {
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(raw); err != nil {
			return nil, err
		}
	}
	p := &StringPredicate{Match: MatchExact, CaseSensitive: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode match predicate: %w", err)
	}
	p.Match = strings.ToUpper(p.Match)
	switch p.Match {
	case MatchExact, MatchBegin, MatchEnd, MatchContains:
	case "":
		p.Match = MatchExact
	default:
		return nil, fmt.Errorf("unknown match mode %q", p.Match)
	}
	return p, nil
}

// Matches reports whether the text form of value satisfies the predicate.
func (p *StringPredicate) Matches(value any) bool {
	if value == nil {
		return p.Negate
	}
	s, want := model.ValueString(value), p.Value
	if !p.CaseSensitive {
		s, want = strings.ToUpper(s), strings.ToUpper(want)
	}

	var ok bool
	switch p.Match {
	case MatchBegin:
		ok = strings.HasPrefix(s, want)
	case MatchEnd:
		ok = strings.HasSuffix(s, want)
	case MatchContains:
		ok = strings.Contains(s, want)
	default:
		ok = s == want
	}
	return ok != p.Negate
}
