package types

import (
	"fmt"
	"math"
	"strings"
)

// CurrentSettingsVersion is the current version of the stored settings.
// Increment this value when adding new keys that require default values.
const CurrentSettingsVersion = 3

// Capacity-control defaults used whenever a stored value is missing or not
// finite.
const (
	DefaultLimitKW    = 10
	DefaultMarginKW   = 0.2
	DefaultMode       = "Home"
	DefaultPriority   = 999
	MinDailyBudgetKWH = 1
	MaxDailyBudgetKWH = 500
	DefaultExpectedKW = 1
)

// Settings is the aggregate of every capacity-control key the core reads from
// the settings store. The app shell hydrates it at boot and on key changes.
type Settings struct {
	LimitKW  float64 `json:"limitKw"`
	MarginKW float64 `json:"marginKw"`
	DryRun   bool    `json:"dryRun"`

	OperatingMode      string                        `json:"operatingMode"`
	ModeAliases        map[string]string             `json:"modeAliases"`
	ModeDeviceTargets  map[string]map[string]float64 `json:"modeDeviceTargets"`
	CapacityPriorities map[string]map[string]int     `json:"capacityPriorities"`

	ControllableDevices map[string]bool         `json:"controllableDevices"`
	ManagedDevices      map[string]bool         `json:"managedDevices"`
	OvershootBehaviors  map[string]ShedBehavior `json:"overshootBehaviors"`

	PriceOptimizationEnabled  bool                         `json:"priceOptimizationEnabled"`
	PriceOptimizationSettings map[string]PriceOptimization `json:"priceOptimizationSettings"`

	DailyBudgetEnabled bool    `json:"dailyBudgetEnabled"`
	DailyBudgetKWH     float64 `json:"dailyBudgetKwh"`
}

// Normalize substitutes defaults for missing or non-finite values so the plan
// engine never sees malformed settings.
func (s *Settings) Normalize() {
	if !isFinite(s.LimitKW) || s.LimitKW <= 0 {
		s.LimitKW = DefaultLimitKW
	}
	if !isFinite(s.MarginKW) || s.MarginKW < 0 {
		s.MarginKW = DefaultMarginKW
	}
	if s.OperatingMode == "" {
		s.OperatingMode = DefaultMode
	}
	if s.ModeAliases == nil {
		s.ModeAliases = map[string]string{}
	}
	if s.ModeDeviceTargets == nil {
		s.ModeDeviceTargets = map[string]map[string]float64{}
	}
	if s.CapacityPriorities == nil {
		s.CapacityPriorities = map[string]map[string]int{}
	}
	if s.ControllableDevices == nil {
		s.ControllableDevices = map[string]bool{}
	}
	if s.ManagedDevices == nil {
		s.ManagedDevices = map[string]bool{}
	}
	if s.OvershootBehaviors == nil {
		s.OvershootBehaviors = map[string]ShedBehavior{}
	}
	if s.PriceOptimizationSettings == nil {
		s.PriceOptimizationSettings = map[string]PriceOptimization{}
	}
	if !isFinite(s.DailyBudgetKWH) || s.DailyBudgetKWH < 0 {
		s.DailyBudgetKWH = 0
	}
}

// CanonicalMode resolves a mode name through the alias map (lowercased) and
// returns the canonical name. Unknown names return ok=false.
func (s Settings) CanonicalMode(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if canonical, ok := s.ModeAliases[strings.ToLower(name)]; ok {
		return canonical, true
	}
	// a canonical name is always valid for itself
	for mode := range s.CapacityPriorities {
		if strings.EqualFold(mode, name) {
			return mode, true
		}
	}
	for mode := range s.ModeDeviceTargets {
		if strings.EqualFold(mode, name) {
			return mode, true
		}
	}
	return "", false
}

// Priority returns the shed priority for a device in the given mode.
// 1 is most important (shed last); absent devices get DefaultPriority.
func (s Settings) Priority(mode, deviceID string) int {
	if m, ok := s.CapacityPriorities[mode]; ok {
		if p, ok := m[deviceID]; ok && p > 0 {
			return p
		}
	}
	return DefaultPriority
}

// ModeTarget returns the configured target temperature for a device in the
// given mode.
func (s Settings) ModeTarget(mode, deviceID string) (float64, bool) {
	if m, ok := s.ModeDeviceTargets[mode]; ok {
		if t, ok := m[deviceID]; ok && isFinite(t) {
			return t, true
		}
	}
	return 0, false
}

// MigrateSettings migrates stored settings to the current version, filling in
// defaults added since the stored version. It returns the migrated settings, a
// boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial capacity settings
			if s.LimitKW == 0 {
				s.LimitKW = DefaultLimitKW
				migrated = true
			}
			if s.MarginKW == 0 {
				s.MarginKW = DefaultMarginKW
				migrated = true
			}
			if s.OperatingMode == "" {
				s.OperatingMode = DefaultMode
				migrated = true
			}
		case 2:
			// version 2: mode aliases for flow-card matching
			if s.ModeAliases == nil {
				s.ModeAliases = map[string]string{
					"home":  "Home",
					"away":  "Away",
					"night": "Night",
				}
				migrated = true
			}
		case 3:
			// version 3: price optimization settings map
			if s.PriceOptimizationSettings == nil {
				s.PriceOptimizationSettings = map[string]PriceOptimization{}
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
