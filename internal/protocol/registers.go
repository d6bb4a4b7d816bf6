package protocol

import "fmt"

// Register blocks read by the periodic group refreshes.
const (
	RegRealtimeDataStart          = 0x4000
	RegRealtimeDataCount          = 0x100
	RegInverterDataStart          = 0x8F00
	RegInverterDataCount          = 0x1E
	RegBatteryDataStart           = 0x8E00
	RegBatteryDataCount           = 0x50
	RegBatteryControllerDataStart = 0xA000
	RegBatteryControllerDataCount = 0x24
	RegConfigDataStart            = 0x3247
	RegConfigDataCount            = 0x2E
)

// Writable config registers.
const (
	RegAppMode              = 0x3247
	RegGridChargePowerLimit = 0x3248
	RegGridFeedPowerLimit   = 0x3249
	RegBatterySocBackup     = 0x3271
	RegBatterySocHigh       = 0x3273
	RegBatterySocLow        = 0x3274
)

// Realtime power registers inside the realtime block. The device clamps
// small grid exchange out of the 0x40AD reading; 0x40A1 keeps the unclamped
// smart meter value.
const (
	RegRealtimeSystemLoadPower = 0x40A0
	RegRealtimeSmartMeter1     = 0x40A1
	RegRealtimePVPower         = 0x40A5
	RegRealtimeBatteryPower    = 0x40A6
	RegRealtimeInverterPower   = 0x40A9
	RegRealtimeBackupLoadPower = 0x40AB
	RegRealtimeSmartMeter2     = 0x40AD
)

// AppMode is the inverter application mode held in register 0x3247.
type AppMode uint16

const (
	AppModeSelfUse AppMode = iota
	AppModeTimeOfUse
	AppModeBackup
	AppModePassive
)

// String returns the app mode name.
func (m AppMode) String() string {
	switch m {
	case AppModeSelfUse:
		return "self_use"
	case AppModeTimeOfUse:
		return "time_of_use"
	case AppModeBackup:
		return "backup"
	case AppModePassive:
		return "passive"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(m))
	}
}

// ParseAppMode converts a mode name back to its register value.
func ParseAppMode(name string) (AppMode, error) {
	switch name {
	case "self_use":
		return AppModeSelfUse, nil
	case "time_of_use":
		return AppModeTimeOfUse, nil
	case "backup":
		return AppModeBackup, nil
	case "passive":
		return AppModePassive, nil
	default:
		return 0, fmt.Errorf("invalid app mode: %q", name)
	}
}
