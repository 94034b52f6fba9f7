package types

import "time"

// Capability names the core cares about. These mirror the platform's
// capability IDs.
const (
	CapabilityOnOff              = "onoff"
	CapabilityTargetTemperature  = "target_temperature"
	CapabilityMeasurePower       = "measure_power"
	CapabilityMeterPower         = "meter_power"
	CapabilityMeasureTemperature = "measure_temperature"
)

// ExpectedPowerSource identifies how a device's expected power figure was
// chosen.
type ExpectedPowerSource string

const (
	SourceManual         ExpectedPowerSource = "manual"
	SourceMeasuredPeak   ExpectedPowerSource = "measured-peak"
	SourceLoadSetting    ExpectedPowerSource = "load-setting"
	SourcePlatformEnergy ExpectedPowerSource = "platform-energy"
	SourceDefault        ExpectedPowerSource = "default"
)

// DeviceSettings is the per-device settings block the platform exposes.
type DeviceSettings struct {
	LoadW          float64 `json:"load,omitempty"`
	EnergyValueOnW float64 `json:"energy_value_on,omitempty"`
	EnergyValueOff float64 `json:"energy_value_off,omitempty"`
}

// DeviceEnergy is the platform's energy-estimate block.
type DeviceEnergy struct {
	W             float64            `json:"W,omitempty"`
	Approximation map[string]float64 `json:"approximation,omitempty"`
}

// DeviceInfo is the raw telemetry the platform bridge reports for one device.
type DeviceInfo struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Zone         string         `json:"zone,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Settings     DeviceSettings `json:"settings"`
	Energy       DeviceEnergy   `json:"energy"`
	Available    bool           `json:"available"`

	// Live capability readings; nil when the device doesn't report them.
	On                 *bool    `json:"onoff,omitempty"`
	TargetTemperature  *float64 `json:"target_temperature,omitempty"`
	CurrentTemperature *float64 `json:"measure_temperature,omitempty"`
	MeasurePowerW      *float64 `json:"measure_power,omitempty"`

	// Declared capability bounds, when the platform exposes them.
	TargetTemperatureMin  *float64 `json:"target_temperature_min,omitempty"`
	TargetTemperatureMax  *float64 `json:"target_temperature_max,omitempty"`
	TargetTemperatureStep *float64 `json:"target_temperature_step,omitempty"`
}

// HasCapability reports whether the device declares the given capability.
func (d DeviceInfo) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Device is the per-cycle snapshot the plan engine consumes. It is refreshed
// by the app shell and read-only inside the engine.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Zone string `json:"zone,omitempty"`

	Controllable bool `json:"controllable"`
	Managed      bool `json:"managed"`
	HasOnOff     bool `json:"hasOnOff"`
	HasTarget    bool `json:"hasTarget"`
	ReportsPower bool `json:"reportsPower"`

	CurrentOn          *bool    `json:"currentOn,omitempty"`
	CurrentTemperature *float64 `json:"currentTemperature,omitempty"`
	CurrentTarget      *float64 `json:"currentTarget,omitempty"`
	MeasuredPowerKW    *float64 `json:"measuredPowerKw,omitempty"`

	TargetMin  *float64 `json:"targetMin,omitempty"`
	TargetMax  *float64 `json:"targetMax,omitempty"`
	TargetStep *float64 `json:"targetStep,omitempty"`

	// Derived each cycle by the estimator.
	ExpectedPowerKW     float64             `json:"expectedPowerKw"`
	ExpectedPowerSource ExpectedPowerSource `json:"expectedPowerSource"`
	LoadKW              float64             `json:"loadKw,omitempty"`

	Available   bool      `json:"available"`
	LastUpdated time.Time `json:"lastUpdated"`
}
