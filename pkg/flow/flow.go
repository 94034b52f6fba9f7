// Package flow exposes the automation cards: actions that mutate settings or
// feed telemetry, conditions that query the live capacity state, and the
// trigger fan-out.
package flow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// Backend is what the cards need from the running app. The app shell is the
// single implementation.
type Backend interface {
	Settings() types.Settings
	SetSetting(ctx context.Context, key string, value any) error

	// HeadroomKW is soft limit minus measured power, nil before the first
	// power sample.
	HeadroomKW() *float64
	PriceLevel() types.PriceLevel

	// DeviceLoad reports a device's current and expected draw in kW.
	DeviceLoad(deviceID string) (currentKW, expectedKW float64, ok bool)

	SetExpectedPowerOverride(deviceID string, kw float64)
	ReportPower(ts time.Time, watts float64)

	Rebuild(reason string)
}

// Cards binds the flow-card handlers to a backend.
type Cards struct {
	backend  Backend
	triggers *Triggers
	now      func() time.Time
}

// NewCards creates the card set.
func NewCards(backend Backend, triggers *Triggers) *Cards {
	return &Cards{backend: backend, triggers: triggers, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (c *Cards) SetNowFunc(fn func() time.Time) { c.now = fn }

// SetCapacityLimit is the "set capacity limit" action.
func (c *Cards) SetCapacityLimit(ctx context.Context, kw float64) error {
	if math.IsNaN(kw) || math.IsInf(kw, 0) || kw <= 0 {
		return fmt.Errorf("invalid capacity limit: %v", kw)
	}
	if err := c.backend.SetSetting(ctx, types.KeyCapacityLimitKW, kw); err != nil {
		return err
	}
	c.backend.Rebuild("flow:capacity-limit")
	return nil
}

// SetDailyBudget is the "set daily budget" action. Zero disables the budget;
// anything else is clamped to the supported range.
func (c *Cards) SetDailyBudget(ctx context.Context, kwh float64) error {
	if math.IsNaN(kwh) || math.IsInf(kwh, 0) || kwh < 0 {
		return fmt.Errorf("invalid daily budget: %v", kwh)
	}
	if kwh == 0 {
		if err := c.backend.SetSetting(ctx, types.KeyDailyBudgetEnabled, false); err != nil {
			return err
		}
		c.backend.Rebuild("flow:daily-budget")
		return nil
	}
	kwh = math.Min(types.MaxDailyBudgetKWH, math.Max(types.MinDailyBudgetKWH, kwh))
	if err := c.backend.SetSetting(ctx, types.KeyDailyBudgetKWH, kwh); err != nil {
		return err
	}
	if err := c.backend.SetSetting(ctx, types.KeyDailyBudgetEnabled, true); err != nil {
		return err
	}
	c.backend.Rebuild("flow:daily-budget")
	return nil
}

// SetOperatingMode is the "set operating mode" action. The name resolves
// through the alias map; unknown modes are rejected.
func (c *Cards) SetOperatingMode(ctx context.Context, name string) error {
	settings := c.backend.Settings()
	canonical, ok := settings.CanonicalMode(name)
	if !ok {
		return fmt.Errorf("unknown operating mode: %q", name)
	}
	if canonical == settings.OperatingMode {
		return nil
	}
	if err := c.backend.SetSetting(ctx, types.KeyOperatingMode, canonical); err != nil {
		return err
	}
	c.triggers.OperatingModeChanged(canonical)
	c.backend.Rebuild("flow:operating-mode")
	return nil
}

// SetDeviceManaged is the "enable/disable capacity control for device"
// action.
func (c *Cards) SetDeviceManaged(ctx context.Context, deviceID string, managed bool) error {
	if deviceID == "" {
		return fmt.Errorf("device id required")
	}
	settings := c.backend.Settings()
	managedMap := make(map[string]bool, len(settings.ManagedDevices)+1)
	for k, v := range settings.ManagedDevices {
		managedMap[k] = v
	}
	managedMap[deviceID] = managed
	if err := c.backend.SetSetting(ctx, types.KeyManagedDevices, managedMap); err != nil {
		return err
	}
	c.backend.Rebuild("flow:managed")
	return nil
}

// OverrideExpectedPower is the "override expected power" action. A value of
// zero or less clears the override.
func (c *Cards) OverrideExpectedPower(ctx context.Context, deviceID string, kw float64) error {
	if deviceID == "" {
		return fmt.Errorf("device id required")
	}
	if math.IsNaN(kw) || math.IsInf(kw, 0) {
		return fmt.Errorf("invalid expected power: %v", kw)
	}
	c.backend.SetExpectedPowerOverride(deviceID, kw)
	c.backend.Rebuild("flow:expected-power")
	return nil
}

// ReportPowerSample is the "report power sample" action, for homes whose
// meter reading arrives through a flow instead of a device.
func (c *Cards) ReportPowerSample(_ context.Context, watts float64) error {
	if math.IsNaN(watts) || math.IsInf(watts, 0) {
		return fmt.Errorf("invalid power sample: %v", watts)
	}
	c.backend.ReportPower(c.now(), watts)
	c.backend.Rebuild("flow:power-sample")
	return nil
}

// HasCapacityFor is the "has capacity for N kW" condition. Unknown headroom
// answers false.
func (c *Cards) HasCapacityFor(kw float64) bool {
	h := c.backend.HeadroomKW()
	return h != nil && *h >= kw
}

// HasHeadroomForDevice is the "has headroom for device" condition: would the
// device fit if it ran at its expected draw, counting what it already pulls.
func (c *Cards) HasHeadroomForDevice(deviceID string) bool {
	h := c.backend.HeadroomKW()
	if h == nil {
		return false
	}
	current, expected, ok := c.backend.DeviceLoad(deviceID)
	if !ok {
		return false
	}
	return *h+current >= expected
}

// PriceLevelIs is the "price level is" condition.
func (c *Cards) PriceLevelIs(level string) bool {
	return strings.EqualFold(string(c.backend.PriceLevel()), level)
}

// IsOperatingMode is the "operating mode is" condition, matched through the
// alias map.
func (c *Cards) IsOperatingMode(name string) bool {
	settings := c.backend.Settings()
	canonical, ok := settings.CanonicalMode(name)
	if !ok {
		return false
	}
	return canonical == settings.OperatingMode
}
