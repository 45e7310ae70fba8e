package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueType is the declared type of an attribute value.
type ValueType string

const (
	TypeAny       ValueType = "any"
	TypeBoolean   ValueType = "boolean"
	TypeNumber    ValueType = "number"
	TypeInteger   ValueType = "integer"
	TypeText      ValueType = "text"
	TypeJSON      ValueType = "json"
	TypeArray     ValueType = "array"
	TypeExecution ValueType = "executeStatus"
)

// Well-known attribute meta item names.
const (
	MetaAgentLink           = "agentLink"
	MetaValueFilters        = "valueFilters"
	MetaValueConverter      = "valueConverter"
	MetaWriteValueConverter = "writeValueConverter"
	MetaWriteValue          = "writeValue"
	MetaPollingMillis       = "pollingMillis"
	MetaMatchPredicate      = "matchPredicate"
	MetaMatchFilters        = "matchFilters"
	MetaMacroActionIndex    = "macroActionIndex"
	MetaTimerValue          = "timerValue"
	MetaMQTTSubscribeTopic  = "mqttSubscriptionTopic"
	MetaMQTTPublishTopic    = "mqttPublishTopic"
	MetaHTTPPath            = "httpPath"
	MetaHTTPMethod          = "httpMethod"
	MetaReadOnly            = "readOnly"
)

// AttributeRef identifies one attribute slot on one asset.
type AttributeRef struct {
	EntityID string `json:"entityId" yaml:"entityId"`
	Name     string `json:"name" yaml:"name"`
}

func (r AttributeRef) String() string {
	return r.EntityID + ":" + r.Name
}

// MetaItem is a named configuration value attached to an attribute.
type MetaItem struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// Attribute is a named, typed value holder owned by an asset.
type Attribute struct {
	Name      string     `json:"name" yaml:"name"`
	Type      ValueType  `json:"type" yaml:"type"`
	Value     any        `json:"value,omitempty" yaml:"value,omitempty"`
	Timestamp time.Time  `json:"timestamp,omitempty" yaml:"-"`
	Meta      []MetaItem `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// MetaValue returns the value of the first meta item with the given name.
func (a *Attribute) MetaValue(name string) (any, bool) {
	for _, m := range a.Meta {
		if m.Name == name {
			return m.Value, true
		}
	}
	return nil, false
}

// HasMeta reports whether a meta item with the given name is present,
// regardless of its value.
func (a *Attribute) HasMeta(name string) bool {
	_, ok := a.MetaValue(name)
	return ok
}

// MetaString returns the meta value as a string, or "" when absent or not a string.
func (a *Attribute) MetaString(name string) string {
	v, _ := a.MetaValue(name)
	s, _ := v.(string)
	return s
}

// SetMeta replaces or appends a meta item.
func (a *Attribute) SetMeta(name string, value any) {
	for i := range a.Meta {
		if a.Meta[i].Name == name {
			a.Meta[i].Value = value
			return
		}
	}
	a.Meta = append(a.Meta, MetaItem{Name: name, Value: value})
}

// IsExecutable reports whether the attribute is a command-style attribute.
func (a *Attribute) IsExecutable() bool {
	return a.Type == TypeExecution
}

// AgentID returns the agent this attribute is linked to, if any.
func (a *Attribute) AgentID() string {
	return a.MetaString(MetaAgentLink)
}

// Clone returns a deep copy suitable as a link-time snapshot.
func (a *Attribute) Clone() *Attribute {
	c := *a
	c.Value = CloneValue(a.Value)
	if a.Meta != nil {
		c.Meta = make([]MetaItem, len(a.Meta))
		for i, m := range a.Meta {
			c.Meta[i] = MetaItem{Name: m.Name, Value: CloneValue(m.Value)}
		}
	}
	return &c
}

// Asset groups attributes under one entity ID.
type Asset struct {
	ID         string       `json:"id" yaml:"id"`
	Name       string       `json:"name" yaml:"name"`
	Type       string       `json:"type,omitempty" yaml:"type,omitempty"`
	Attributes []*Attribute `json:"attributes" yaml:"attributes"`
}

// Attribute returns the named attribute, or nil.
func (a *Asset) Attribute(name string) *Attribute {
	for _, attr := range a.Attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	c := *a
	c.Attributes = make([]*Attribute, len(a.Attributes))
	for i, attr := range a.Attributes {
		c.Attributes[i] = attr.Clone()
	}
	return &c
}

// Agent describes one adapter's target endpoint and settings.
type Agent struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Protocol string         `json:"protocol" yaml:"protocol"`
	Disabled bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Config != nil {
		c.Config, _ = CloneValue(a.Config).(map[string]any)
	}
	return &c
}

// ConfigString returns a string config value or def.
func (a *Agent) ConfigString(key, def string) string {
	if s, ok := a.Config[key].(string); ok && s != "" {
		return s
	}
	return def
}

// ConfigInt returns an integer config value or def.
func (a *Agent) ConfigInt(key string, def int) int {
	if n, ok := ToFloat(a.Config[key]); ok {
		return int(n)
	}
	return def
}

// ConfigBool returns a boolean config value or def.
func (a *Agent) ConfigBool(key string, def bool) bool {
	if b, ok := a.Config[key].(bool); ok {
		return b
	}
	return def
}

// ConfigDecode re-decodes a config entry into out via JSON.
func (a *Agent) ConfigDecode(key string, out any) error {
	v, ok := a.Config[key]
	if !ok {
		return fmt.Errorf("agent %s: config %q missing", a.ID, key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("agent %s: config %q: %w", a.ID, key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("agent %s: config %q: %w", a.ID, key, err)
	}
	return nil
}
