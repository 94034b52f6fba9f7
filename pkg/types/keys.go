package types

// Settings-store keys read by the core. These are stable names shared with the
// settings UI and must not be renamed.
const (
	KeyCapacityLimitKW           = "capacity_limit_kw"
	KeyCapacityMarginKW          = "capacity_margin_kw"
	KeyCapacityDryRun            = "capacity_dry_run"
	KeyModeDeviceTargets         = "mode_device_targets"
	KeyModeAliases               = "mode_aliases"
	KeyCapacityPriorities        = "capacity_priorities"
	KeyOperatingMode             = "operating_mode"
	KeyControllableDevices       = "controllable_devices"
	KeyManagedDevices            = "managed_devices"
	KeyOvershootBehaviors        = "overshoot_behaviors"
	KeyPriceOptimizationEnabled  = "price_optimization_enabled"
	KeyPriceOptimizationSettings = "price_optimization_settings"
	KeyCombinedPrices            = "combined_prices"
	KeyDailyBudgetEnabled        = "daily_budget_enabled"
	KeyDailyBudgetKWH            = "daily_budget_kwh"
	KeyPowerTrackerState         = "power_tracker_state"
	KeySettingsVersion           = "settings_version"
)

// Settings-store keys written by the core.
const (
	KeyDevicePlanSnapshot  = "device_plan_snapshot"
	KeyStatus              = "pels_status"
	KeyCapacityInShortfall = "capacity_in_shortfall"
	KeyEngineState         = "capacity_engine_state"
	KeySettingsUILog       = "settings_ui_log"
)
