package app

import (
	"context"
	"fmt"
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// refreshDevices re-reads the fleet from the platform bridge and rebuilds the
// per-cycle device snapshot.
func (a *App) refreshDevices(ctx context.Context) error {
	infos, err := a.client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool, len(infos))
	for _, info := range infos {
		seen[info.ID] = true
		a.infos[info.ID] = info
		a.devices[info.ID] = a.deriveDeviceLocked(info)
	}
	for id := range a.devices {
		if !seen[id] {
			delete(a.devices, id)
			delete(a.infos, id)
		}
	}
	return nil
}

// deriveDeviceLocked builds the plan-engine view of one device from raw
// telemetry plus settings. Devices with an actuating capability default to
// controllable; both flags default on and are overridable per device.
func (a *App) deriveDeviceLocked(info types.DeviceInfo) types.Device {
	est := a.est.Estimate(info)

	hasOnOff := info.HasCapability(types.CapabilityOnOff)
	hasTarget := info.HasCapability(types.CapabilityTargetTemperature)

	controllable := hasOnOff || hasTarget
	if v, ok := a.settings.ControllableDevices[info.ID]; ok {
		controllable = v
	}
	managed := true
	if v, ok := a.settings.ManagedDevices[info.ID]; ok {
		managed = v
	}

	return types.Device{
		ID:   info.ID,
		Name: info.Name,
		Zone: info.Zone,

		Controllable: controllable,
		Managed:      managed,
		HasOnOff:     hasOnOff,
		HasTarget:    hasTarget,
		ReportsPower: info.HasCapability(types.CapabilityMeasurePower),

		CurrentOn:          info.On,
		CurrentTemperature: info.CurrentTemperature,
		CurrentTarget:      info.TargetTemperature,
		MeasuredPowerKW:    est.MeasuredKW,

		TargetMin:  info.TargetTemperatureMin,
		TargetMax:  info.TargetTemperatureMax,
		TargetStep: info.TargetTemperatureStep,

		ExpectedPowerKW:     est.ExpectedKW,
		ExpectedPowerSource: est.Source,
		LoadKW:              est.LoadKW,

		Available:   info.Available,
		LastUpdated: time.Now(),
	}
}

// controlledKW sums the live contribution of the controllable, managed
// devices, for tagging tracker samples.
func (a *App) controlledKW() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum float64
	for _, d := range a.devices {
		if !d.Controllable || !d.Managed {
			continue
		}
		sum += deviceLiveKW(d)
	}
	return sum
}

func deviceLiveKW(d types.Device) float64 {
	if d.MeasuredPowerKW != nil {
		return *d.MeasuredPowerKW
	}
	if d.CurrentOn != nil && !*d.CurrentOn {
		return 0
	}
	return d.ExpectedPowerKW
}
