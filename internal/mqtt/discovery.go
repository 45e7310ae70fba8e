//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"strings"

	"agent-gateway/internal/model"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/agentgw_room/temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery. Each asset is one device.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Device            haDevice `json:"device"`
}

// discoveryComponents lists every component an attribute may be announced
// as, so removal can clear all of them.
var discoveryComponents = []string{"sensor", "binary_sensor", "switch"}

// assetDisplayName returns the asset name, or its ID when unnamed.
func assetDisplayName(asset *model.Asset) string {
	if asset.Name != "" {
		return asset.Name
	}
	return asset.ID
}

func assetIdentifier(asset *model.Asset) string {
	return "agentgw_" + topicSafe(asset.ID)
}

// topicSafe lowercases s and replaces characters that are not safe in a
// topic level.
func topicSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// attributeComponent picks the HA component for an attribute, or "" when
// the attribute type has no sensible representation.
func attributeComponent(attr *model.Attribute) string {
	writable := !readOnly(attr)
	switch attr.Type {
	case model.TypeBoolean:
		if writable {
			return "switch"
		}
		return "binary_sensor"
	case model.TypeNumber, model.TypeInteger, model.TypeText:
		return "sensor"
	}
	return ""
}

func readOnly(attr *model.Attribute) bool {
	v, _ := attr.MetaValue(model.MetaReadOnly)
	return v == true
}

// buildDiscovery generates HA discovery messages for the attributes of an
// asset. State and command topics follow the bridge layout.
func buildDiscovery(asset *model.Asset, prefix, discoveryPrefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	nodeID := assetIdentifier(asset)
	dev := haDevice{
		Identifiers: []string{nodeID},
		Model:       "agent-gateway asset",
		Name:        assetDisplayName(asset),
	}

	var msgs []discoveryMsg
	for _, attr := range asset.Attributes {
		component := attributeComponent(attr)
		if component == "" {
			continue
		}
		objectID := topicSafe(attr.Name)
		stateTopic := stateTopic(prefix, model.AttributeRef{EntityID: asset.ID, Name: attr.Name})
		d := haDiscovery{
			Name:              attr.Name,
			UniqueID:          nodeID + "_" + objectID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			Device:            dev,
		}
		switch component {
		case "switch":
			d.CommandTopic = stateTopic + "/set"
			d.PayloadOn, d.PayloadOff = "true", "false"
			d.StateOn, d.StateOff = "true", "false"
		case "binary_sensor":
			d.PayloadOn, d.PayloadOff = "true", "false"
		case "sensor":
			if attr.Type != model.TypeText {
				d.StateClass = "measurement"
			}
		}
		payload, err := json.Marshal(d)
		if err != nil {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryPrefix + "/" + component + "/" + nodeID + "/" + objectID + "/config",
			Payload: payload,
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages that remove every
// discovery entry of the named attributes.
func buildRemoveDiscovery(assetID string, attrs []string, discoveryPrefix string) []discoveryMsg {
	nodeID := assetIdentifier(&model.Asset{ID: assetID})
	var msgs []discoveryMsg
	for _, name := range attrs {
		for _, component := range discoveryComponents {
			msgs = append(msgs, discoveryMsg{
				Topic: discoveryPrefix + "/" + component + "/" + nodeID + "/" + topicSafe(name) + "/config",
			})
		}
	}
	return msgs
}
