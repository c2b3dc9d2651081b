//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"regexp"
	"strings"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string
	Payload []byte // empty removes the entity
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

type haEntity struct {
	component string // sensor, binary_sensor, button
	key       string
	config    haDiscovery
}

var unsafeTopic = regexp.MustCompile(`[^a-z0-9_-]+`)

// nodeID derives the discovery node id from the topic prefix.
func nodeID(prefix string) string {
	id := unsafeTopic.ReplaceAllString(strings.ToLower(prefix), "_")
	return "republic_" + strings.Trim(id, "_")
}

// centerEntities lists the entities the center exposes to Home Assistant.
func centerEntities(prefix string) []haEntity {
	session := prefix + "/session"
	health := prefix + "/health"
	return []haEntity{
		{"binary_sensor", "session", haDiscovery{
			Name: "Pairing session", StateTopic: session, DeviceClass: "connectivity",
			ValueTemplate: "{{ 'ON' if value_json.status == 'connected' else 'OFF' }}",
			PayloadOn:     "ON", PayloadOff: "OFF",
		}},
		{"sensor", "devices", haDiscovery{
			Name: "Connected devices", StateTopic: session, StateClass: "measurement",
			ValueTemplate: "{{ value_json.devices | count }}", Icon: "mdi:cellphone-link",
		}},
		{"sensor", "health", haDiscovery{
			Name: "System health", StateTopic: health,
			ValueTemplate: "{{ value_json.status }}", Icon: "mdi:heart-pulse",
		}},
		{"sensor", "auto_fixed", haDiscovery{
			Name: "Auto-fixed issues", StateTopic: health, StateClass: "total_increasing",
			ValueTemplate: "{{ value_json.auto_fixed_issues }}", Icon: "mdi:wrench",
		}},
		{"button", "toggle", haDiscovery{
			Name: "Toggle session", CommandTopic: prefix + "/command/toggle", PayloadPress: "toggle",
		}},
		{"button", "repair", haDiscovery{
			Name: "Run repair", CommandTopic: prefix + "/command/repair", PayloadPress: "home assistant",
		}},
		{"button", "disconnect", haDiscovery{
			Name: "Disconnect", CommandTopic: prefix + "/command/disconnect", PayloadPress: "disconnect",
		}},
	}
}

// buildDiscovery returns the discovery configs for all center entities.
func buildDiscovery(prefix, discoveryPrefix, version string) []discoveryMsg {
	node := nodeID(prefix)
	dev := haDevice{
		Identifiers:  []string{node},
		Manufacturer: "Republic",
		Model:        "Smart Center",
		Name:         "Republic Smart Center",
		SWVersion:    version,
	}
	entities := centerEntities(prefix)
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		cfg := e.config
		cfg.UniqueID = node + "_" + e.key
		cfg.AvailabilityTopic = prefix + "/bridge/state"
		cfg.Device = dev
		payload, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   discoveryTopic(discoveryPrefix, e.component, node, e.key),
			Payload: payload,
		})
	}
	return msgs
}

// buildRemoveDiscovery returns empty retained configs that delete every
// center entity from Home Assistant.
func buildRemoveDiscovery(prefix, discoveryPrefix string) []discoveryMsg {
	node := nodeID(prefix)
	var msgs []discoveryMsg
	for _, e := range centerEntities(prefix) {
		msgs = append(msgs, discoveryMsg{Topic: discoveryTopic(discoveryPrefix, e.component, node, e.key)})
	}
	return msgs
}

func discoveryTopic(discoveryPrefix, component, node, key string) string {
	return discoveryPrefix + "/" + component + "/" + node + "/" + key + "/config"
}
