package pvoutput

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Inverters = []string{"SER1"}
	cfg.PVOutput.Enabled = true
	cfg.PVOutput.APIKey = "test-api-key"
	cfg.PVOutput.SystemID = "12345"
	cfg.PVOutput.UpdateLimitMinutes = 5
	return cfg
}

func realtimeResult() domain.GroupResult {
	return domain.GroupResult{
		Serial: "SER1",
		Group:  "realtime",
		Values: map[uint16]domain.RegisterValue{
			0x40A5: {Register: 0x40A5, Name: "summary_pv_power", Value: int64(3200)},
			0x40A0: {Register: 0x40A0, Name: "summary_system_load_power", Value: int64(650)},
			0x4031: {Register: 0x4031, Name: "grid_voltage", Value: int64(2302), Scaled: 230.2},
			0x4010: {Register: 0x4010, Name: "heatsink_temperature", Value: int64(385), Scaled: 38.5},
			0x40BF: {Register: 0x40BF, Name: "energy_pv", Value: int64(1482133), Scaled: 14821.33},
			0x40DF: {Register: 0x40DF, Name: "energy_system_load", Value: int64(910010), Scaled: 9100.10},
		},
		At: time.Date(2026, 8, 23, 14, 30, 0, 0, time.Local),
	}
}

// captureServer collects every form post the client makes.
func captureServer(t *testing.T) *[]url.Values {
	t.Helper()

	var requests []url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		requests = append(requests, r.PostForm)
		w.WriteHeader(http.StatusOK)
	}))

	endpointOverride = server.URL
	t.Cleanup(func() {
		endpointOverride = ""
		server.Close()
	})
	return &requests
}

func TestSendGenerationUpdate(t *testing.T) {
	requests := captureServer(t)

	client := NewClient(testConfig())
	require.NoError(t, client.Send(context.Background(), realtimeResult()))

	require.Len(t, *requests, 1)
	params := (*requests)[0]

	assert.Equal(t, "test-api-key", params.Get("key"))
	assert.Equal(t, "12345", params.Get("sid"))
	assert.Equal(t, "20260823", params.Get("d"))
	assert.Equal(t, "14:30", params.Get("t"))
	assert.Equal(t, "14821330", params.Get("v1"), "lifetime kWh converted to Wh")
	assert.Equal(t, "1", params.Get("c1"), "v1 flagged as cumulative")
	assert.Equal(t, "3200", params.Get("v2"))
	assert.Equal(t, "230.2", params.Get("v6"))
	assert.Empty(t, params.Get("v5"), "inverter temperature disabled by default")
}

func TestSendWithInverterTemperature(t *testing.T) {
	requests := captureServer(t)

	cfg := testConfig()
	cfg.PVOutput.UseInverterTemp = true
	client := NewClient(cfg)

	require.NoError(t, client.Send(context.Background(), realtimeResult()))
	require.Len(t, *requests, 1)
	assert.Equal(t, "38.5", (*requests)[0].Get("v5"))
}

func TestSendConsumptionDualPost(t *testing.T) {
	requests := captureServer(t)

	cfg := testConfig()
	cfg.PVOutput.UploadConsumption = true
	client := NewClient(cfg)

	require.NoError(t, client.Send(context.Background(), realtimeResult()))
	require.Len(t, *requests, 2)

	consumption := (*requests)[1]
	assert.Equal(t, "9100100", consumption.Get("v3"))
	assert.Equal(t, "3", consumption.Get("c1"))
	assert.Equal(t, "650", consumption.Get("v4"))
}

func TestSendRateLimited(t *testing.T) {
	requests := captureServer(t)

	client := NewClient(testConfig())
	require.NoError(t, client.Send(context.Background(), realtimeResult()))
	require.NoError(t, client.Send(context.Background(), realtimeResult()))

	assert.Len(t, *requests, 1, "second update inside the limit window is skipped")
}

func TestSendIgnoresOtherGroups(t *testing.T) {
	requests := captureServer(t)

	client := NewClient(testConfig())
	result := realtimeResult()
	result.Group = "config"

	require.NoError(t, client.Send(context.Background(), result))
	assert.Empty(t, *requests)
}

func TestSendDisabled(t *testing.T) {
	requests := captureServer(t)

	cfg := testConfig()
	cfg.PVOutput.Enabled = false
	client := NewClient(cfg)

	require.NoError(t, client.Send(context.Background(), realtimeResult()))
	assert.Empty(t, *requests)
}

func TestSendMissingAPIKey(t *testing.T) {
	captureServer(t)

	cfg := testConfig()
	cfg.PVOutput.APIKey = ""
	client := NewClient(cfg)

	err := client.Send(context.Background(), realtimeResult())
	assert.ErrorContains(t, err, "API key")
}

func TestSendUsesInverterMapping(t *testing.T) {
	requests := captureServer(t)

	cfg := testConfig()
	cfg.PVOutput.InverterMappings = append(cfg.PVOutput.InverterMappings, struct {
		InverterSerial string `mapstructure:"inverter_serial"`
		SystemID       string `mapstructure:"system_id"`
	}{InverterSerial: "SER1", SystemID: "99999"})
	client := NewClient(cfg)

	require.NoError(t, client.Send(context.Background(), realtimeResult()))
	require.Len(t, *requests, 1)
	assert.Equal(t, "99999", (*requests)[0].Get("sid"))
}

func TestSendServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	endpointOverride = server.URL
	t.Cleanup(func() {
		endpointOverride = ""
		server.Close()
	})

	client := NewClient(testConfig())
	err := client.Send(context.Background(), realtimeResult())
	assert.ErrorContains(t, err, "status code 403")
}

func TestNoopClient(t *testing.T) {
	client := NewNoopClient()
	assert.NoError(t, client.Send(context.Background(), realtimeResult()))
	assert.NoError(t, client.Close())
}
