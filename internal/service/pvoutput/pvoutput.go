// Package pvoutput uploads realtime readings to PVOutput.org.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
)

const statusEndpoint = "https://pvoutput.org/service/r2/addstatus.jsp"

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ domain.GroupResult) error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org. It
// extracts generation and consumption readings from realtime group results
// and posts them as status updates, rate limited per inverter.
type Client struct {
	config        *config.Config
	httpClient    *http.Client
	logger        zerolog.Logger
	lastUpdateMap map[string]time.Time
	mutex         sync.Mutex
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        log.With().Str("component", "pvoutput").Logger(),
		lastUpdateMap: make(map[string]time.Time),
	}
}

// Send uploads one realtime refresh result to PVOutput. Results from other
// register groups are ignored.
func (c *Client) Send(ctx context.Context, result domain.GroupResult) error {
	if !c.config.PVOutput.Enabled || result.Group != "realtime" {
		return nil
	}

	if c.config.PVOutput.APIKey == "" {
		return fmt.Errorf("PVOutput API key not configured")
	}

	if !c.canUpdate(result.Serial) {
		return nil
	}

	systemID := c.systemIDFor(result.Serial)
	if systemID == "" {
		return fmt.Errorf("no PVOutput system ID configured for inverter %s", result.Serial)
	}

	if err := c.sendGeneration(ctx, result, systemID); err != nil {
		return err
	}

	if c.config.PVOutput.UploadConsumption {
		if err := c.sendConsumption(ctx, result, systemID); err != nil {
			return err
		}
	}

	c.updateTimestamp(result.Serial)
	c.logger.Debug().
		Str("serial", result.Serial).
		Str("system_id", systemID).
		Msg("Uploaded status to PVOutput")
	return nil
}

// sendGeneration posts the PV side of the status update: lifetime generation
// energy (v1, cumulative flag), PV power (v2), inverter temperature (v5) and
// grid voltage (v6).
func (c *Client) sendGeneration(ctx context.Context, result domain.GroupResult, systemID string) error {
	params := c.baseParams(systemID, result.At)

	if energy, found := scaledByName(result, "energy_pv"); found && energy > 0 {
		// Lifetime kWh to Wh; c1=1 marks v1 as a cumulative counter.
		params.Set("v1", strconv.FormatFloat(energy*1000, 'f', 0, 64))
		params.Set("c1", "1")
	}

	if power, found := scaledByName(result, "summary_pv_power"); found && power > 0 {
		params.Set("v2", strconv.FormatFloat(power, 'f', 0, 64))
	}

	if c.config.PVOutput.UseInverterTemp {
		if temp, found := scaledByName(result, "heatsink_temperature"); found && temp > 0 {
			params.Set("v5", strconv.FormatFloat(temp, 'f', 1, 64))
		}
	}

	if voltage, found := scaledByName(result, "grid_voltage"); found && voltage > 0 {
		params.Set("v6", strconv.FormatFloat(voltage, 'f', 1, 64))
	}

	return c.makeRequest(ctx, params)
}

// sendConsumption posts the load side as a second status update: lifetime
// consumption energy (v3, cumulative flag) and load power (v4).
func (c *Client) sendConsumption(ctx context.Context, result domain.GroupResult, systemID string) error {
	params := c.baseParams(systemID, result.At)

	if energy, found := scaledByName(result, "energy_system_load"); found && energy > 0 {
		params.Set("v3", strconv.FormatFloat(energy*1000, 'f', 0, 64))
		params.Set("c1", "3")
	}

	if power, found := scaledByName(result, "summary_system_load_power"); found && power > 0 {
		params.Set("v4", strconv.FormatFloat(power, 'f', 0, 64))
	}

	if len(params) <= 4 {
		// Nothing beyond the base fields to report.
		return nil
	}

	if err := c.makeRequest(ctx, params); err != nil {
		return fmt.Errorf("consumption POST failed: %w", err)
	}
	return nil
}

func (c *Client) baseParams(systemID string, at time.Time) url.Values {
	if at.IsZero() {
		at = time.Now()
	}
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", systemID)
	params.Set("d", at.Format("20060102"))
	params.Set("t", at.Format("15:04"))
	return params
}

// makeRequest makes an HTTP POST request to the PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// endpointOverride lets tests point the client at a local server.
var endpointOverride string

func (c *Client) endpoint() string {
	if endpointOverride != "" {
		return endpointOverride
	}
	return statusEndpoint
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	// No resources to clean up for HTTP client
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(serial string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[serial]
	if !exists {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return time.Since(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(serial string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[serial] = time.Now()
}

// systemIDFor returns the PVOutput system ID for an inverter, preferring an
// explicit mapping over the default system ID.
func (c *Client) systemIDFor(serial string) string {
	for _, mapping := range c.config.PVOutput.InverterMappings {
		if mapping.InverterSerial == serial {
			return mapping.SystemID
		}
	}
	return c.config.PVOutput.SystemID
}

// scaledByName finds a reading by tuple name, preferring the scaled value
// over the raw register value.
func scaledByName(result domain.GroupResult, name string) (float64, bool) {
	for _, v := range result.Values {
		if v.Name != name {
			continue
		}
		if v.Scaled != 0 {
			return v.Scaled, true
		}
		if n, ok := v.Value.(int64); ok {
			return float64(n), true
		}
		return 0, false
	}
	return 0, false
}
