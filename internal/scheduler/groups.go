package scheduler

import (
	"time"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/config"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
)

// Group names.
const (
	GroupRealtime          = "realtime"
	GroupInverter          = "inverter"
	GroupBattery           = "battery"
	GroupBatteryController = "battery_controller"
	GroupConfig            = "config"
)

// Tuple describes one value carved out of a group's register block. Offset
// is the byte offset within the block; the register address follows from the
// block start. Scale 0 means the value carries no scaled representation.
type Tuple struct {
	Name   string
	Offset int
	Format protocol.Format
	Scale  float64
}

// Group is one schedulable register block. A zero interval disables the
// periodic refresh; the group stays reachable through on-demand refreshes.
type Group struct {
	Name     string
	Start    uint16
	Count    uint16
	Interval time.Duration
	Tuples   []Tuple
}

// Register returns the address of the tuple within its group.
func (g Group) Register(t Tuple) uint16 {
	return g.Start + uint16(t.Offset/2)
}

var (
	fmtU16   = protocol.MustFormat(">H")
	fmtS16   = protocol.MustFormat(">h")
	fmtU32   = protocol.MustFormat(">I")
	fmtStr16 = protocol.MustFormat(">S16")
	fmtStr20 = protocol.MustFormat(">S20")
)

// realtimeTuples covers the measurement, power summary and energy statistics
// values of the realtime block at 0x4000.
var realtimeTuples = []Tuple{
	{Name: "inverter_working_mode", Offset: 0x08, Format: fmtU16},
	{Name: "heatsink_temperature", Offset: 0x20, Format: fmtS16, Scale: 0.1},
	{Name: "earth_leakage_current", Offset: 0x24, Format: fmtU16, Scale: 1.0},

	{Name: "grid_voltage", Offset: 0x62, Format: fmtU16, Scale: 0.1},
	{Name: "grid_current", Offset: 0x64, Format: fmtS16, Scale: 0.01},
	{Name: "grid_frequency", Offset: 0x66, Format: fmtU16, Scale: 0.01},
	{Name: "grid_dc_component", Offset: 0x68, Format: fmtS16, Scale: 0.001},
	{Name: "grid_power_active", Offset: 0x6A, Format: fmtS16, Scale: 1.0},
	{Name: "grid_power_apparent", Offset: 0x6C, Format: fmtS16, Scale: 1.0},
	{Name: "grid_power_factor", Offset: 0x6E, Format: fmtS16, Scale: 0.1},

	{Name: "inverter_voltage", Offset: 0x8C, Format: fmtU16, Scale: 0.1},
	{Name: "inverter_current", Offset: 0x8E, Format: fmtS16, Scale: 0.01},
	{Name: "inverter_frequency", Offset: 0x90, Format: fmtU16, Scale: 0.01},
	{Name: "inverter_power_active", Offset: 0x92, Format: fmtS16, Scale: 1.0},
	{Name: "inverter_power_apparent", Offset: 0x94, Format: fmtS16, Scale: 1.0},

	{Name: "output_voltage", Offset: 0xAA, Format: fmtU16, Scale: 0.1},
	{Name: "output_current", Offset: 0xAC, Format: fmtS16, Scale: 0.01},
	{Name: "output_frequency", Offset: 0xAE, Format: fmtU16, Scale: 0.01},
	{Name: "output_dc_voltage", Offset: 0xB0, Format: fmtS16, Scale: 0.001},
	{Name: "output_power_active", Offset: 0xB2, Format: fmtS16, Scale: 1.0},
	{Name: "output_power_apparent", Offset: 0xB4, Format: fmtS16, Scale: 1.0},

	{Name: "inverter_bus_master_voltage", Offset: 0xCE, Format: fmtU16, Scale: 0.1},
	{Name: "inverter_bus_slave_voltage", Offset: 0xD0, Format: fmtU16, Scale: 0.1},

	{Name: "battery_voltage", Offset: 0xD2, Format: fmtU16, Scale: 0.1},
	{Name: "battery_current", Offset: 0xD4, Format: fmtS16, Scale: 0.01},
	{Name: "battery_control_current_1", Offset: 0xD6, Format: fmtS16, Scale: 0.01},
	{Name: "battery_control_current_2", Offset: 0xD8, Format: fmtS16, Scale: 0.01},
	{Name: "battery_power", Offset: 0xDA, Format: fmtS16, Scale: 1.0},
	{Name: "battery_temperature", Offset: 0xDC, Format: fmtS16, Scale: 0.1},
	{Name: "battery_soc", Offset: 0xDE, Format: fmtU16, Scale: 0.01},

	{Name: "pv_array_1_voltage", Offset: 0xE2, Format: fmtU16, Scale: 0.1},
	{Name: "pv_array_1_current", Offset: 0xE4, Format: fmtU16, Scale: 0.01},
	{Name: "pv_array_1_power", Offset: 0xE6, Format: fmtU16, Scale: 1.0},
	{Name: "pv_array_2_voltage", Offset: 0xE8, Format: fmtU16, Scale: 0.1},
	{Name: "pv_array_2_current", Offset: 0xEA, Format: fmtU16, Scale: 0.01},
	{Name: "pv_array_2_power", Offset: 0xEC, Format: fmtU16, Scale: 1.0},

	{Name: "summary_system_load_power", Offset: 0x140, Format: fmtU16, Scale: 1.0},
	{Name: "summary_smart_meter_load_power_1", Offset: 0x142, Format: fmtS16, Scale: 1.0},
	{Name: "summary_pv_power", Offset: 0x14A, Format: fmtU16, Scale: 1.0},
	{Name: "summary_battery_power", Offset: 0x14C, Format: fmtS16, Scale: 1.0},
	{Name: "summary_grid_power", Offset: 0x14E, Format: fmtS16, Scale: 1.0},
	{Name: "summary_inverter_power", Offset: 0x152, Format: fmtS16, Scale: 1.0},
	{Name: "summary_backup_load_power", Offset: 0x156, Format: fmtS16, Scale: 1.0},
	{Name: "summary_smart_meter_load_power_2", Offset: 0x15A, Format: fmtS16, Scale: 1.0},

	{Name: "energy_pv", Offset: 0x17E, Format: fmtU32, Scale: 0.01},
	{Name: "energy_battery_charged", Offset: 0x18E, Format: fmtU32, Scale: 0.01},
	{Name: "energy_battery_discharged", Offset: 0x19E, Format: fmtU32, Scale: 0.01},
	{Name: "energy_system_load", Offset: 0x1BE, Format: fmtU32, Scale: 0.01},
	{Name: "energy_backup_load", Offset: 0x1CE, Format: fmtU32, Scale: 0.01},
	{Name: "energy_grid_exported", Offset: 0x1DE, Format: fmtU32, Scale: 0.01},
	{Name: "energy_grid_imported", Offset: 0x1EE, Format: fmtU32, Scale: 0.01},
}

// inverterTuples covers the static device information block at 0x8F00.
var inverterTuples = []Tuple{
	{Name: "inverter_type", Offset: 0, Format: fmtU16},
	{Name: "inverter_sub_type", Offset: 2, Format: fmtU16},
	{Name: "inverter_comm_pro_version", Offset: 4, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_serial_number", Offset: 6, Format: fmtStr20},
	{Name: "inverter_product_code", Offset: 26, Format: fmtStr20},
	{Name: "inverter_display_sw_version", Offset: 46, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_master_control_sw_version", Offset: 48, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_slave_control_sw_version", Offset: 50, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_display_board_hw_version", Offset: 52, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_control_board_hw_version", Offset: 54, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_power_board_hw_version", Offset: 56, Format: fmtU16, Scale: 0.001},
	{Name: "inverter_battery_numbers", Offset: 58, Format: fmtU16},
}

// batteryTuples covers the per-pack identification block at 0x8E00 for the
// first two battery packs. Packs repeat every 40 bytes.
var batteryTuples = []Tuple{
	{Name: "battery_1_bms_type", Offset: 0, Format: fmtU16},
	{Name: "battery_1_bms_serial_number", Offset: 2, Format: fmtStr16},
	{Name: "battery_1_bms_sw_version", Offset: 18, Format: fmtU16, Scale: 0.001},
	{Name: "battery_1_bms_hw_version", Offset: 20, Format: fmtU16, Scale: 0.001},
	{Name: "battery_1_type", Offset: 22, Format: fmtU16},
	{Name: "battery_1_serial_number", Offset: 24, Format: fmtStr16},

	{Name: "battery_2_bms_type", Offset: 40, Format: fmtU16},
	{Name: "battery_2_bms_serial_number", Offset: 42, Format: fmtStr16},
	{Name: "battery_2_bms_sw_version", Offset: 58, Format: fmtU16, Scale: 0.001},
	{Name: "battery_2_bms_hw_version", Offset: 60, Format: fmtU16, Scale: 0.001},
	{Name: "battery_2_type", Offset: 62, Format: fmtU16},
	{Name: "battery_2_serial_number", Offset: 64, Format: fmtStr16},
}

// batteryControllerTuples covers the BMS controller block at 0xA000 for the
// first two battery packs.
var batteryControllerTuples = []Tuple{
	{Name: "battery_numbers", Offset: 0, Format: fmtU16},
	{Name: "battery_capacity", Offset: 2, Format: fmtU16},
	{Name: "battery_1_fault", Offset: 4, Format: fmtU16},
	{Name: "battery_1_warning", Offset: 6, Format: fmtU16},
	{Name: "battery_2_fault", Offset: 8, Format: fmtU16},
	{Name: "battery_2_warning", Offset: 10, Format: fmtU16},

	{Name: "battery_1_soc", Offset: 24, Format: fmtU16, Scale: 0.01},
	{Name: "battery_1_soh", Offset: 26, Format: fmtU16, Scale: 0.01},
	{Name: "battery_1_voltage", Offset: 28, Format: fmtU16, Scale: 0.1},
	{Name: "battery_1_current", Offset: 30, Format: fmtS16, Scale: 0.01},
	{Name: "battery_1_temperature", Offset: 32, Format: fmtS16, Scale: 0.1},
	{Name: "battery_1_cycle_num", Offset: 34, Format: fmtU16},

	{Name: "battery_2_soc", Offset: 36, Format: fmtU16, Scale: 0.01},
	{Name: "battery_2_soh", Offset: 38, Format: fmtU16, Scale: 0.01},
	{Name: "battery_2_voltage", Offset: 40, Format: fmtU16, Scale: 0.1},
	{Name: "battery_2_current", Offset: 42, Format: fmtS16, Scale: 0.01},
	{Name: "battery_2_temperature", Offset: 44, Format: fmtS16, Scale: 0.1},
	{Name: "battery_2_cycle_num", Offset: 46, Format: fmtU16},
}

// configTuples covers the writable configuration block at 0x3247.
var configTuples = []Tuple{
	{Name: "app_mode", Offset: 0, Format: fmtU16},
	{Name: "grid_charge_power_limit", Offset: 2, Format: fmtU16},
	{Name: "grid_feed_power_limit", Offset: 4, Format: fmtU16},
	{Name: "battery_soc_backup", Offset: 84, Format: fmtU16},
	{Name: "battery_soc_high", Offset: 88, Format: fmtU16},
	{Name: "battery_soc_low", Offset: 90, Format: fmtU16},
}

// BuildGroups assembles the register groups with the intervals from the
// configuration. Group order is stable.
func BuildGroups(cfg *config.Config) []Group {
	interval := func(seconds int) time.Duration {
		return time.Duration(seconds) * time.Second
	}

	return []Group{
		{
			Name:     GroupRealtime,
			Start:    protocol.RegRealtimeDataStart,
			Count:    protocol.RegRealtimeDataCount,
			Interval: interval(cfg.ScanIntervals.RealtimeData),
			Tuples:   realtimeTuples,
		},
		{
			Name:     GroupInverter,
			Start:    protocol.RegInverterDataStart,
			Count:    protocol.RegInverterDataCount,
			Interval: interval(cfg.ScanIntervals.InverterData),
			Tuples:   inverterTuples,
		},
		{
			Name:     GroupBattery,
			Start:    protocol.RegBatteryDataStart,
			Count:    protocol.RegBatteryDataCount,
			Interval: interval(cfg.ScanIntervals.BatteryData),
			Tuples:   batteryTuples,
		},
		{
			Name:     GroupBatteryController,
			Start:    protocol.RegBatteryControllerDataStart,
			Count:    protocol.RegBatteryControllerDataCount,
			Interval: interval(cfg.ScanIntervals.BatteryControllerData),
			Tuples:   batteryControllerTuples,
		},
		{
			Name:     GroupConfig,
			Start:    protocol.RegConfigDataStart,
			Count:    protocol.RegConfigDataCount,
			Interval: interval(cfg.ScanIntervals.ConfigData),
			Tuples:   configTuples,
		},
	}
}
