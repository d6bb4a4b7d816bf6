// Package domain provides core domain models and interfaces for the saj-h1-mqtt bridge.
package domain

import (
	"context"
	"time"
)

// RegisterValue is one decoded register reading.
type RegisterValue struct {
	Register uint16  `json:"register"`
	Name     string  `json:"name"`
	Value    any     `json:"value"`
	Scaled   float64 `json:"scaled,omitempty"`
	Raw      []byte  `json:"-"`
}

// GroupResult is the outcome of one register group refresh. Values maps
// register address to the decoded reading; a partial refresh still carries
// every value that did succeed.
type GroupResult struct {
	Serial string                   `json:"serial"`
	Group  string                   `json:"group"`
	Values map[uint16]RegisterValue `json:"-"`
	At     time.Time                `json:"at"`
}

// RealtimePowerSample holds the raw realtime power registers plus the
// corrected values filled in by the accurate power reconciler. Raw fields
// stay untouched for diagnostics. Sign convention: positive grid power is
// importing, positive battery power is discharging, load is non-negative.
type RealtimePowerSample struct {
	GridPowerRaw    int64 `json:"grid_power_raw"`
	SmartMeterPower int64 `json:"smart_meter_power"`
	PVPower         int64 `json:"pv_power"`
	BatteryPower    int64 `json:"battery_power"`
	LoadPowerRaw    int64 `json:"load_power_raw"`

	GridPowerCorrected int64 `json:"grid_power_corrected"`
	LoadPowerCorrected int64 `json:"load_power_corrected"`
}

// Power flow states derived from the realtime sample.
const (
	SolarStateProducing = "producing"
	SolarStateStandby   = "standby"

	BatteryStateCharging    = "charging"
	BatteryStateDischarging = "discharging"
	BatteryStateStandby     = "standby"

	GridStateImporting = "importing"
	GridStateExporting = "exporting"
	GridStateStandby   = "standby"
)

// SolarState returns the PV production state for the sample.
func (s RealtimePowerSample) SolarState() string {
	if s.PVPower > 0 {
		return SolarStateProducing
	}
	return SolarStateStandby
}

// BatteryState returns the battery flow state for the sample.
func (s RealtimePowerSample) BatteryState() string {
	switch {
	case s.BatteryPower > 0:
		return BatteryStateDischarging
	case s.BatteryPower < 0:
		return BatteryStateCharging
	default:
		return BatteryStateStandby
	}
}

// GridState returns the grid flow state for the corrected grid power.
func (s RealtimePowerSample) GridState() string {
	switch {
	case s.GridPowerCorrected > 0:
		return GridStateImporting
	case s.GridPowerCorrected < 0:
		return GridStateExporting
	default:
		return GridStateStandby
	}
}

// Transport abstracts the pub/sub message broker. Payloads are raw binary.
type Transport interface {
	// Connect establishes a connection to the broker
	Connect(ctx context.Context) error

	// PublishRaw sends a binary payload to the given topic
	PublishRaw(ctx context.Context, topic string, payload []byte) error

	// PublishJSON marshals data and sends it to the given topic
	PublishJSON(ctx context.Context, topic string, data interface{}, retain bool) error

	// PublishRetained sends a retained raw payload to the given topic; an
	// empty payload clears the broker's retained message
	PublishRetained(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for incoming messages on a topic
	Subscribe(topic string, handler func(topic string, payload []byte)) error

	// Close terminates the connection to the broker
	Close() error
}

// MonitoringService uploads refreshed readings to an external monitoring
// platform.
type MonitoringService interface {
	// Send uploads one group refresh result
	Send(ctx context.Context, result GroupResult) error

	// Close releases any resources held by the service
	Close() error
}

// RegisterClient issues register transactions against one inverter.
type RegisterClient interface {
	// ReadRegisters reads count registers starting at register, splitting
	// oversized reads into chunked transactions
	ReadRegisters(ctx context.Context, register, count uint16) ([]byte, error)

	// WriteRegister writes value to register, confirmed by device echo
	WriteRegister(ctx context.Context, register, value uint16) error
}

// GroupRefresher triggers register group refreshes on demand.
type GroupRefresher interface {
	// Refresh performs an out-of-cadence refresh of the named group
	Refresh(ctx context.Context, group string) (GroupResult, error)

	// Groups lists the configured group names
	Groups() []string
}
