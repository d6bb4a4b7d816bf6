// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/homeassistant_sensors.yaml
var homeAssistantSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled         bool
	DiscoveryPrefix string
	RetainDiscovery bool
}

// SensorConfig is one sensor definition from the layouts YAML. Scaled marks
// sensors whose state reads the scaled field of the published value instead
// of the raw register value.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
	Category          string `yaml:"category,omitempty"`
	Scaled            bool   `yaml:"scaled,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	ValueTemplate     string     `json:"value_template"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
}

// AutoDiscovery generates Home Assistant MQTT discovery messages for the
// values published per register group.
type AutoDiscovery struct {
	config Config
	layout *LayoutConfig
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config) (*AutoDiscovery, error) {
	var layout LayoutConfig
	if err := yaml.Unmarshal(homeAssistantSensorsYAML, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	log.Info().
		Str("version", layout.Version).
		Int("sensor_count", len(layout.Sensors)).
		Msg("Home Assistant layout configuration loaded")

	return &AutoDiscovery{config: config, layout: &layout}, nil
}

// MessagesFor builds the discovery messages for the named values of one
// inverter's group. stateTopic is the topic the group values are published
// on; names without a layout entry are skipped.
func (ad *AutoDiscovery) MessagesFor(serial, stateTopic string, names []string) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	device := DeviceInfo{
		Identifiers:  []string{fmt.Sprintf("saj_%s", strings.ToLower(serial))},
		Name:         fmt.Sprintf("SAJ H1 %s", serial),
		Manufacturer: "SAJ",
		Model:        "H1",
	}

	for _, name := range names {
		sensor, found := ad.layout.Sensors[name]
		if !found {
			continue
		}

		field := "value"
		if sensor.Scaled {
			field = "scaled"
		}

		messages[ad.discoveryTopic(serial, name)] = DiscoveryMessage{
			Name:              sensor.Name,
			UniqueID:          fmt.Sprintf("saj_%s_%s", strings.ToLower(serial), name),
			StateTopic:        stateTopic,
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s.%s }}", name, field),
			DeviceClass:       sensor.DeviceClass,
			UnitOfMeasurement: sensor.UnitOfMeasurement,
			StateClass:        sensor.StateClass,
			Icon:              sensor.Icon,
			EntityCategory:    sensor.Category,
			Device:            device,
		}
	}

	return messages
}

// CleanupMessages returns the config topics whose retained discovery
// messages must be cleared to remove the sensors from Home Assistant.
// Names without a layout entry were never announced and are skipped.
func (ad *AutoDiscovery) CleanupMessages(serial string, names []string) []string {
	topics := make([]string, 0, len(names))
	for _, name := range names {
		if _, found := ad.layout.Sensors[name]; !found {
			continue
		}
		topics = append(topics, ad.discoveryTopic(serial, name))
	}
	return topics
}

// discoveryTopic follows the Home Assistant convention
// <prefix>/sensor/<node_id>/<object_id>/config.
func (ad *AutoDiscovery) discoveryTopic(serial, name string) string {
	nodeID := fmt.Sprintf("saj_%s", strings.ToLower(serial))
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", ad.config.DiscoveryPrefix, nodeID, nodeID, name)
}

// Retain reports whether discovery messages should be published retained.
func (ad *AutoDiscovery) Retain() bool {
	return ad.config.RetainDiscovery
}
