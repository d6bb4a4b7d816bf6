package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
)

// recordingTransport captures JSON and retained publishes so tests can
// inspect the sensor and discovery traffic.
type recordingTransport struct {
	mu        sync.Mutex
	published []publishedMessage
	retained  []publishedMessage
}

type publishedMessage struct {
	topic  string
	data   interface{}
	retain bool
}

func (r *recordingTransport) Connect(_ context.Context) error { return nil }
func (r *recordingTransport) Close() error                    { return nil }

func (r *recordingTransport) PublishRaw(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (r *recordingTransport) PublishJSON(_ context.Context, topic string, data interface{}, retain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, publishedMessage{topic: topic, data: data, retain: retain})
	return nil
}

func (r *recordingTransport) PublishRetained(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained = append(r.retained, publishedMessage{topic: topic, data: payload, retain: true})
	return nil
}

func (r *recordingTransport) retainedMessages() []publishedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publishedMessage, len(r.retained))
	copy(out, r.retained)
	return out
}

func (r *recordingTransport) Subscribe(_ string, _ func(string, []byte)) error { return nil }

func (r *recordingTransport) messages() []publishedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publishedMessage, len(r.published))
	copy(out, r.published)
	return out
}

func (r *recordingTransport) onTopic(topic string) []publishedMessage {
	var out []publishedMessage
	for _, m := range r.messages() {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Inverters = []string{"H1TEST001"}
	cfg.API.Enabled = false
	cfg.ScanIntervals.RealtimeData = 0 // tests drive refreshes directly
	return cfg
}

func realtimeResult(serial string) domain.GroupResult {
	values := map[uint16]domain.RegisterValue{
		0x40A0: {Register: 0x40A0, Name: "summary_system_load_power", Value: int64(700)},
		0x40A1: {Register: 0x40A1, Name: "summary_smart_meter_load_power_1", Value: int64(-80)},
		0x40A5: {Register: 0x40A5, Name: "summary_pv_power", Value: int64(1050)},
		0x40A6: {Register: 0x40A6, Name: "summary_battery_power", Value: int64(-300)},
		0x40AD: {Register: 0x40AD, Name: "summary_smart_meter_load_power_2", Value: int64(30)},
		0x406F: {Register: 0x406F, Name: "battery_soc", Value: int64(8500), Scaled: 85.0},
	}
	return domain.GroupResult{
		Serial: serial,
		Group:  "realtime",
		Values: values,
		At:     time.Now(),
	}
}

func TestPublishResultSensorPayload(t *testing.T) {
	cfg := newTestConfig()
	cfg.AccuratePower = true
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	bridge.publishResult(realtimeResult("H1TEST001"))

	published := transport.onTopic("saj/H1TEST001/sensors/realtime")
	require.Len(t, published, 1)
	assert.False(t, published[0].retain)

	// Round-trip through JSON the way a subscriber would see it.
	raw, err := json.Marshal(published[0].data)
	require.NoError(t, err)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))

	soc, found := payload["battery_soc"]
	require.True(t, found)
	assert.Equal(t, "0x406f", soc["register"])
	assert.Equal(t, float64(8500), soc["value"])
	assert.Equal(t, 85.0, soc["scaled"])

	// Smart meter reads -80 W, so the corrected grid power follows it.
	grid, found := payload["grid_power_corrected"]
	require.True(t, found)
	assert.Equal(t, float64(-80), grid["value"])
	assert.NotContains(t, grid, "register")

	load, found := payload["load_power_corrected"]
	require.True(t, found)
	assert.Equal(t, float64(650), load["value"])

	assert.Equal(t, "producing", payload["solar_state"]["value"])
	assert.Equal(t, "charging", payload["battery_state"]["value"])
	assert.Equal(t, "exporting", payload["grid_state"]["value"])
}

func TestPublishResultWithoutAccuratePowerMirrorsRaw(t *testing.T) {
	cfg := newTestConfig()
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	result := realtimeResult("H1TEST001")
	result.Values[0x40AD] = domain.RegisterValue{
		Register: 0x40AD, Name: "summary_smart_meter_load_power_2", Value: int64(120),
	}
	bridge.publishResult(result)

	published := transport.onTopic("saj/H1TEST001/sensors/realtime")
	require.Len(t, published, 1)

	raw, err := json.Marshal(published[0].data)
	require.NoError(t, err)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))

	grid, found := payload["grid_power_corrected"]
	require.True(t, found)
	assert.Equal(t, float64(-120), grid["value"])
	assert.Equal(t, float64(700), payload["load_power_corrected"]["value"])
}

func TestPublishResultNonRealtimeGroupSkipsReconciliation(t *testing.T) {
	cfg := newTestConfig()
	cfg.AccuratePower = true
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	bridge.publishResult(domain.GroupResult{
		Serial: "H1TEST001",
		Group:  "config",
		Values: map[uint16]domain.RegisterValue{
			0x3247: {Register: 0x3247, Name: "app_mode", Value: int64(1)},
		},
		At: time.Now(),
	})

	published := transport.onTopic("saj/H1TEST001/sensors/config")
	require.Len(t, published, 1)

	raw, err := json.Marshal(published[0].data)
	require.NoError(t, err)
	var payload map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.Contains(t, payload, "app_mode")
	assert.NotContains(t, payload, "grid_power_corrected")
}

func TestPublishResultRespectsRetainSetting(t *testing.T) {
	cfg := newTestConfig()
	cfg.MQTT.Retain = true
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	bridge.publishResult(realtimeResult("H1TEST001"))

	published := transport.onTopic("saj/H1TEST001/sensors/realtime")
	require.Len(t, published, 1)
	assert.True(t, published[0].retain)
}

func TestDiscoveryAnnouncedOncePerGroup(t *testing.T) {
	cfg := newTestConfig()
	cfg.HomeAssistantAutoDiscovery.Enabled = true
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	bridge.publishResult(realtimeResult("H1TEST001"))
	bridge.publishResult(realtimeResult("H1TEST001"))

	var discovery []publishedMessage
	for _, m := range transport.messages() {
		if m.topic != "saj/H1TEST001/sensors/realtime" {
			discovery = append(discovery, m)
		}
	}
	require.NotEmpty(t, discovery)

	topics := make(map[string]int)
	for _, m := range discovery {
		topics[m.topic]++
		assert.True(t, m.retain, "discovery messages are retained by default")
	}
	for topic, count := range topics {
		assert.Equal(t, 1, count, "duplicate discovery publish on %s", topic)
	}

	socTopic := "homeassistant/sensor/saj_h1test001/saj_h1test001_battery_soc/config"
	assert.Contains(t, topics, socTopic)
}

func TestDiscoveryDisabledPublishesNothingExtra(t *testing.T) {
	cfg := newTestConfig()
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	bridge.publishResult(realtimeResult("H1TEST001"))

	messages := transport.messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "saj/H1TEST001/sensors/realtime", messages[0].topic)
}

func TestStopClearsRetainedDiscovery(t *testing.T) {
	cfg := newTestConfig()
	cfg.HomeAssistantAutoDiscovery.Enabled = true
	cfg.HomeAssistantAutoDiscovery.RetainDiscovery = true
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.Start(ctx))
	bridge.publishResult(realtimeResult("H1TEST001"))
	require.NoError(t, bridge.Stop(ctx))

	retained := transport.retainedMessages()
	require.NotEmpty(t, retained, "announced sensors get their configs cleared on shutdown")

	socTopic := "homeassistant/sensor/saj_h1test001/saj_h1test001_battery_soc/config"
	topics := make(map[string]bool)
	for _, m := range retained {
		topics[m.topic] = true
		payload, ok := m.data.([]byte)
		require.True(t, ok)
		assert.Empty(t, payload, "clearing a retained message needs an empty payload")
	}
	assert.True(t, topics[socTopic])
}

func TestStopWithoutRetainedDiscoveryClearsNothing(t *testing.T) {
	cfg := newTestConfig()
	cfg.HomeAssistantAutoDiscovery.Enabled = true
	cfg.HomeAssistantAutoDiscovery.RetainDiscovery = false
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bridge.Start(ctx))
	bridge.publishResult(realtimeResult("H1TEST001"))
	require.NoError(t, bridge.Stop(ctx))

	assert.Empty(t, transport.retainedMessages())
}

func TestBridgeStartStop(t *testing.T) {
	cfg := newTestConfig()
	transport := &recordingTransport{}

	bridge, err := NewBridge(cfg, transport)
	require.NoError(t, err)

	_, found := bridge.Scheduler("H1TEST001")
	assert.True(t, found)

	ctx := context.Background()
	require.NoError(t, bridge.Start(ctx))
	require.NoError(t, bridge.Stop(ctx))
}
