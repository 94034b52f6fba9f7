package estimator

import (
	"math"
	"sync"

	"github.com/pelshome/pels/pkg/types"
)

// Estimate is the per-device power figure chosen for one cycle.
type Estimate struct {
	// PowerKW is the device's live contribution: measured when available,
	// otherwise the expected figure while on, zero while known off.
	PowerKW float64
	// ExpectedKW is what the device is expected to draw while on.
	ExpectedKW float64
	Source     types.ExpectedPowerSource
	MeasuredKW *float64
	LoadKW     float64
}

// Estimator chooses expected and measured power figures per device. It
// remembers manual overrides and the historic measured peak per device.
type Estimator struct {
	mu        sync.Mutex
	overrides map[string]float64
	peaks     map[string]float64
}

// New creates an empty estimator.
func New() *Estimator {
	return &Estimator{
		overrides: make(map[string]float64),
		peaks:     make(map[string]float64),
	}
}

// SetOverride installs a manual expected-power override (kW) for a device.
// A value <= 0 clears the override.
func (e *Estimator) SetOverride(deviceID string, kw float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kw <= 0 || math.IsNaN(kw) || math.IsInf(kw, 0) {
		delete(e.overrides, deviceID)
		return
	}
	e.overrides[deviceID] = kw
}

// Override returns the manual override for a device, if any.
func (e *Estimator) Override(deviceID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kw, ok := e.overrides[deviceID]
	return kw, ok
}

// Estimate picks the power figures for one device. Fresh measurements update
// the remembered peak.
func (e *Estimator) Estimate(d types.DeviceInfo) Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	var measured *float64
	if d.MeasurePowerW != nil && isFinite(*d.MeasurePowerW) && *d.MeasurePowerW >= 0 {
		kw := *d.MeasurePowerW / 1000
		measured = &kw
		if kw > e.peaks[d.ID] {
			e.peaks[d.ID] = kw
		}
	}

	loadKW := 0.0
	if d.Settings.LoadW > 0 && isFinite(d.Settings.LoadW) {
		loadKW = d.Settings.LoadW / 1000
	}

	expected, source := e.expectedLocked(d, measured, loadKW)

	power := expected
	if measured != nil {
		power = *measured
	} else if d.On != nil && !*d.On {
		power = 0
	}

	return Estimate{
		PowerKW:    power,
		ExpectedKW: expected,
		Source:     source,
		MeasuredKW: measured,
		LoadKW:     loadKW,
	}
}

// expectedLocked applies the source rules in priority order.
func (e *Estimator) expectedLocked(d types.DeviceInfo, measured *float64, loadKW float64) (float64, types.ExpectedPowerSource) {
	// 1. manual override, beaten by a higher live measurement
	if override, ok := e.overrides[d.ID]; ok {
		if measured != nil && *measured > override {
			return *measured, types.SourceMeasuredPeak
		}
		return override, types.SourceManual
	}

	// 2. configured load setting
	if loadKW > 0 {
		return loadKW, types.SourceLoadSetting
	}

	// 3. historic measured peak
	if peak, ok := e.peaks[d.ID]; ok && peak > 0 {
		return peak, types.SourceMeasuredPeak
	}

	// 4. platform-declared energy estimates
	if d.Settings.EnergyValueOnW > 0 {
		kw := (d.Settings.EnergyValueOnW - d.Settings.EnergyValueOff) / 1000
		if kw > 0 {
			return kw, types.SourcePlatformEnergy
		}
	}
	if len(d.Energy.Approximation) > 0 {
		if w, ok := d.Energy.Approximation["usageOn"]; ok && w > 0 {
			return w / 1000, types.SourcePlatformEnergy
		}
		if w, ok := d.Energy.Approximation["usageConstant"]; ok && w > 0 {
			return w / 1000, types.SourcePlatformEnergy
		}
	}
	if d.Energy.W > 0 && d.On != nil && *d.On {
		return d.Energy.W / 1000, types.SourcePlatformEnergy
	}

	// 5. default
	return types.DefaultExpectedKW, types.SourceDefault
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
