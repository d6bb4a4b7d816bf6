package homeassistant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscovery(t *testing.T) *AutoDiscovery {
	t.Helper()
	ad, err := New(Config{
		Enabled:         true,
		DiscoveryPrefix: "homeassistant",
		RetainDiscovery: true,
	})
	require.NoError(t, err)
	return ad
}

func TestNewLoadsEmbeddedLayout(t *testing.T) {
	ad := newTestDiscovery(t)

	assert.Equal(t, "1.0", ad.layout.Version)
	assert.NotEmpty(t, ad.layout.Sensors)

	soc, found := ad.layout.Sensors["battery_soc"]
	require.True(t, found)
	assert.Equal(t, "battery", soc.DeviceClass)
	assert.True(t, soc.Scaled)
}

func TestMessagesFor(t *testing.T) {
	ad := newTestDiscovery(t)

	messages := ad.MessagesFor("H1S2602J2119E01121", "saj/H1S2602J2119E01121/sensors/realtime",
		[]string{"battery_soc", "summary_pv_power", "not_in_layout"})

	require.Len(t, messages, 2, "unknown names are skipped")

	topic := "homeassistant/sensor/saj_h1s2602j2119e01121/saj_h1s2602j2119e01121_battery_soc/config"
	msg, found := messages[topic]
	require.True(t, found)

	assert.Equal(t, "Battery State of Charge", msg.Name)
	assert.Equal(t, "saj_h1s2602j2119e01121_battery_soc", msg.UniqueID)
	assert.Equal(t, "saj/H1S2602J2119E01121/sensors/realtime", msg.StateTopic)
	assert.Equal(t, "{{ value_json.battery_soc.scaled }}", msg.ValueTemplate)
	assert.Equal(t, "%", msg.UnitOfMeasurement)
	assert.Equal(t, []string{"saj_h1s2602j2119e01121"}, msg.Device.Identifiers)
	assert.Equal(t, "SAJ", msg.Device.Manufacturer)
}

func TestMessagesForUnscaledSensor(t *testing.T) {
	ad := newTestDiscovery(t)

	messages := ad.MessagesFor("SER1", "saj/SER1/sensors/config", []string{"app_mode"})
	require.Len(t, messages, 1)

	for _, msg := range messages {
		assert.Equal(t, "{{ value_json.app_mode.value }}", msg.ValueTemplate)
		assert.Equal(t, "diagnostic", msg.EntityCategory)
	}
}

func TestCleanupMessages(t *testing.T) {
	ad := newTestDiscovery(t)

	topics := ad.CleanupMessages("SER1", []string{"battery_soc", "app_mode", "not_in_layout"})
	require.Len(t, topics, 2, "names without a layout entry are skipped")
	assert.Contains(t, topics, "homeassistant/sensor/saj_ser1/saj_ser1_battery_soc/config")
	assert.Contains(t, topics, "homeassistant/sensor/saj_ser1/saj_ser1_app_mode/config")
}
