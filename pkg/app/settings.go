package app

import (
	"context"
	"log/slog"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/plan"
	"github.com/pelshome/pels/pkg/types"
)

// loadSettings reads every capacity-control key, runs migrations, and
// substitutes defaults for anything missing or malformed.
func (a *App) loadSettings(ctx context.Context) types.Settings {
	var s types.Settings
	a.getKey(ctx, types.KeyCapacityLimitKW, &s.LimitKW)
	a.getKey(ctx, types.KeyCapacityMarginKW, &s.MarginKW)
	a.getKey(ctx, types.KeyCapacityDryRun, &s.DryRun)
	a.getKey(ctx, types.KeyOperatingMode, &s.OperatingMode)
	a.getKey(ctx, types.KeyModeAliases, &s.ModeAliases)
	a.getKey(ctx, types.KeyModeDeviceTargets, &s.ModeDeviceTargets)
	a.getKey(ctx, types.KeyCapacityPriorities, &s.CapacityPriorities)
	a.getKey(ctx, types.KeyControllableDevices, &s.ControllableDevices)
	a.getKey(ctx, types.KeyManagedDevices, &s.ManagedDevices)
	a.getKey(ctx, types.KeyOvershootBehaviors, &s.OvershootBehaviors)
	a.getKey(ctx, types.KeyPriceOptimizationEnabled, &s.PriceOptimizationEnabled)
	a.getKey(ctx, types.KeyPriceOptimizationSettings, &s.PriceOptimizationSettings)
	a.getKey(ctx, types.KeyDailyBudgetEnabled, &s.DailyBudgetEnabled)
	a.getKey(ctx, types.KeyDailyBudgetKWH, &s.DailyBudgetKWH)

	var version int
	a.getKey(ctx, types.KeySettingsVersion, &version)
	migrated, changed, err := types.MigrateSettings(s, version)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "settings migration failed", slog.Any("error", err))
		migrated = s
	} else if changed || version != types.CurrentSettingsVersion {
		a.persistMigration(ctx, migrated)
	}
	migrated.Normalize()
	return migrated
}

// persistMigration writes back the keys migrations may have filled in, plus
// the new version marker.
func (a *App) persistMigration(ctx context.Context, s types.Settings) {
	writes := map[string]any{
		types.KeyCapacityLimitKW:           s.LimitKW,
		types.KeyCapacityMarginKW:          s.MarginKW,
		types.KeyOperatingMode:             s.OperatingMode,
		types.KeyModeAliases:               s.ModeAliases,
		types.KeyPriceOptimizationSettings: s.PriceOptimizationSettings,
		types.KeySettingsVersion:           types.CurrentSettingsVersion,
	}
	for key, value := range writes {
		if err := a.store.Set(ctx, key, value); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated setting",
				slog.String("key", key), slog.Any("error", err))
		}
	}
}

// ackUILog surfaces messages the settings UI appended and acknowledges them by
// nulling the key, so the UI knows they were consumed. A stored null reads as
// absent, which keeps the follow-up notification a no-op.
func (a *App) ackUILog(ctx context.Context) {
	var entries []string
	ok, err := a.store.Get(ctx, types.KeySettingsUILog, &entries)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read settings ui log", slog.Any("error", err))
		return
	}
	if !ok || len(entries) == 0 {
		return
	}
	for _, msg := range entries {
		log.Ctx(ctx).InfoContext(ctx, "settings ui", slog.String("message", msg))
	}
	if err := a.store.Set(ctx, types.KeySettingsUILog, nil); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to acknowledge settings ui log", slog.Any("error", err))
	}
}

func (a *App) getKey(ctx context.Context, key string, out any) {
	if _, err := a.store.Get(ctx, key, out); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read setting",
			slog.String("key", key), slog.Any("error", err))
	}
}

// outputKeys are written by the core itself; changes to them never trigger a
// reload.
var outputKeys = map[string]bool{
	types.KeyDevicePlanSnapshot:  true,
	types.KeyStatus:              true,
	types.KeyCapacityInShortfall: true,
	types.KeyEngineState:         true,
	types.KeyPowerTrackerState:   true,
	types.KeySettingsVersion:     true,
}

var inputKeys = map[string]bool{
	types.KeyCapacityLimitKW:           true,
	types.KeyCapacityMarginKW:          true,
	types.KeyCapacityDryRun:            true,
	types.KeyModeDeviceTargets:         true,
	types.KeyModeAliases:               true,
	types.KeyCapacityPriorities:        true,
	types.KeyOperatingMode:             true,
	types.KeyControllableDevices:       true,
	types.KeyManagedDevices:            true,
	types.KeyOvershootBehaviors:        true,
	types.KeyPriceOptimizationEnabled:  true,
	types.KeyPriceOptimizationSettings: true,
	types.KeyDailyBudgetEnabled:        true,
	types.KeyDailyBudgetKWH:            true,
}

// handleSettingChange runs on the serial change loop, one key at a time.
func (a *App) handleSettingChange(ctx context.Context, key string) {
	if key == types.KeySettingsUILog {
		a.ackUILog(ctx)
		return
	}
	if outputKeys[key] {
		return
	}
	if key == types.KeyCombinedPrices {
		var prices types.CombinedPrices
		a.getKey(ctx, key, &prices)
		a.mu.Lock()
		a.prices = prices
		a.mu.Unlock()
		a.service.Rebuild("prices")
		return
	}
	if !inputKeys[key] {
		return
	}

	s := a.loadSettings(ctx)

	a.mu.Lock()
	prevMode := a.settings.OperatingMode
	a.settings = s
	// settings shape controllable/managed flags and estimates, so re-derive
	// the snapshot rows from the held telemetry
	for id, info := range a.infos {
		a.devices[id] = a.deriveDeviceLocked(info)
	}
	a.mu.Unlock()

	a.guard.SetLimits(s.LimitKW, s.MarginKW, plan.RestoreMarginKW)
	if s.OperatingMode != prevMode {
		a.triggers.OperatingModeChanged(s.OperatingMode)
	}
	a.service.Rebuild("settings:" + key)
}
