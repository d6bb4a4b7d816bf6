// Package power reconciles the realtime power registers into corrected grid
// and load values. The inverter clamps small grid exchange out of its grid
// power register and folds smart meter flows into the reported load, so the
// raw registers alone misstate the household balance.
package power

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/domain"
	"github.com/h3llrais3r/ha-saj-h1-mqtt/internal/protocol"
)

// SampleFrom extracts the raw power registers from a realtime group result.
// Returns false when any required register is missing, e.g. after a partial
// refresh that lost the power summary chunk.
func SampleFrom(result domain.GroupResult) (domain.RealtimePowerSample, bool) {
	get := func(register uint16) (int64, bool) {
		v, ok := result.Values[register]
		if !ok {
			return 0, false
		}
		n, ok := v.Value.(int64)
		return n, ok
	}

	load, okLoad := get(protocol.RegRealtimeSystemLoadPower)
	sm1, okSM1 := get(protocol.RegRealtimeSmartMeter1)
	pv, okPV := get(protocol.RegRealtimePVPower)
	battery, okBattery := get(protocol.RegRealtimeBatteryPower)
	grid, okGrid := get(protocol.RegRealtimeSmartMeter2)

	if !okLoad || !okSM1 || !okPV || !okBattery || !okGrid {
		return domain.RealtimePowerSample{}, false
	}

	return domain.RealtimePowerSample{
		GridPowerRaw:    grid,
		SmartMeterPower: sm1,
		PVPower:         pv,
		BatteryPower:    battery,
		LoadPowerRaw:    load,
	}, true
}

// Reconciler computes corrected grid and load power from a raw sample.
type Reconciler struct {
	enabled bool
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler. When disabled, corrected values simply
// mirror the raw registers.
func NewReconciler(enabled bool) *Reconciler {
	return &Reconciler{
		enabled: enabled,
		logger:  log.With().Str("component", "power").Logger(),
	}
}

// Reconcile fills in the corrected fields of the sample. Raw fields are
// never modified.
//
// Sign conventions: positive grid power is importing, positive battery power
// is discharging. The grid register (smart meter 2) reports with the opposite
// sign and is clamped to zero for exchanges under roughly 100W, so the
// unclamped smart meter 1 register is preferred; when that register reads
// zero the grid power is recovered from the power balance
// pv + battery - load instead. Corrected load folds both smart meter flows
// back into the reported system load.
func (r *Reconciler) Reconcile(sample domain.RealtimePowerSample) domain.RealtimePowerSample {
	if !r.enabled {
		sample.GridPowerCorrected = -sample.GridPowerRaw
		sample.LoadPowerCorrected = sample.LoadPowerRaw
		return sample
	}

	switch {
	case sample.SmartMeterPower != 0:
		sample.GridPowerCorrected = sample.SmartMeterPower
	default:
		// Residual of the measured flows. Negative residual means
		// production exceeds consumption, i.e. exporting.
		sample.GridPowerCorrected = -(sample.PVPower + sample.BatteryPower - sample.LoadPowerRaw)
	}

	// The two smart meters report residual flows with opposite signs;
	// folding both back in restores the unclamped system load.
	sample.LoadPowerCorrected = sample.LoadPowerRaw + sample.SmartMeterPower + sample.GridPowerRaw
	if sample.LoadPowerCorrected < 0 {
		sample.LoadPowerCorrected = 0
	}

	r.logger.Debug().
		Int64("grid_raw", sample.GridPowerRaw).
		Int64("grid_corrected", sample.GridPowerCorrected).
		Int64("load_raw", sample.LoadPowerRaw).
		Int64("load_corrected", sample.LoadPowerCorrected).
		Msg("Reconciled power sample")

	return sample
}
