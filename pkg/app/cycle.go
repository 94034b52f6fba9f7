package app

import (
	"context"
	"sort"
	"time"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/plan"
	"github.com/pelshome/pels/pkg/price"
	"github.com/pelshome/pels/pkg/sdk"
	"github.com/pelshome/pels/pkg/types"
)

// buildSnapshot is the immutable per-cycle view handed to the plan builder.
type buildSnapshot struct {
	now           time.Time
	devices       []types.Device
	settings      types.Settings
	total         *float64
	shedding      bool
	shortfall     bool
	restoreMargin float64
	used          float64
	minutes       int
	daily         *types.DailyBudgetSnapshot
	level         types.PriceLevel
}

func (s *buildSnapshot) Now() time.Time                          { return s.now }
func (s *buildSnapshot) Devices() []types.Device                 { return s.devices }
func (s *buildSnapshot) Settings() types.Settings                { return s.settings }
func (s *buildSnapshot) TotalPowerKW() *float64                  { return s.total }
func (s *buildSnapshot) SheddingActive() bool                    { return s.shedding }
func (s *buildSnapshot) InShortfall() bool                       { return s.shortfall }
func (s *buildSnapshot) RestoreMarginKW() float64                { return s.restoreMargin }
func (s *buildSnapshot) UsedThisHourKWH() float64                { return s.used }
func (s *buildSnapshot) MinutesRemainingInHour() int             { return s.minutes }
func (s *buildSnapshot) DailyBudget() *types.DailyBudgetSnapshot { return s.daily }
func (s *buildSnapshot) PriceLevel() types.PriceLevel            { return s.level }

// BuilderContext implements the plan service's cycle provider.
func (a *App) BuilderContext() plan.BuilderContext {
	a.mu.Lock()
	devices := make([]types.Device, 0, len(a.devices))
	for _, d := range a.devices {
		devices = append(devices, d)
	}
	settings := a.settings
	prices := a.prices
	a.mu.Unlock()
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	now := time.Now()
	hourEnd := a.tracker.CurrentHourStart().Add(time.Hour)
	minutes := int(hourEnd.Sub(now).Minutes())

	return &buildSnapshot{
		now:           now,
		devices:       devices,
		settings:      settings,
		total:         a.guard.MainPowerKW(),
		shedding:      a.guard.SheddingActive(),
		shortfall:     a.guard.InShortfall(),
		restoreMargin: a.guard.RestoreMarginKW(),
		used:          a.tracker.CurrentHourUsedKWH(),
		minutes:       minutes,
		daily:         a.dailyBudgetSnapshot(now, settings),
		level:         price.Level(prices, now),
	}
}

// ExecutorContext implements the plan service's cycle provider.
func (a *App) ExecutorContext() plan.ExecutorContext { return a }

// SetCapability implements plan.ExecutorContext.
func (a *App) SetCapability(ctx context.Context, deviceID, capability string, value any) error {
	wctx, cancel := context.WithTimeout(ctx, sdk.CapabilityTimeout)
	defer cancel()
	return a.client.SetCapability(wctx, deviceID, capability, value)
}

// UpdateLocalDevice implements plan.ExecutorContext: the optimistic snapshot
// update so the next cycle observes the commanded state.
func (a *App) UpdateLocalDevice(deviceID string, mutate func(*types.Device)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.devices[deviceID]; ok {
		mutate(&d)
		d.LastUpdated = time.Now()
		a.devices[deviceID] = d
	}
}

// MarkUnavailable implements plan.ExecutorContext.
func (a *App) MarkUnavailable(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.devices[deviceID]; ok {
		d.Available = false
		a.devices[deviceID] = d
	}
}

// DryRun implements plan.ExecutorContext.
func (a *App) DryRun() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.DryRun
}

// Settings returns a copy of the hydrated settings. Part of the flow backend
// and the API core.
func (a *App) Settings() types.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// SetSetting writes one settings key; the change fans back in through the
// store subscription.
func (a *App) SetSetting(ctx context.Context, key string, value any) error {
	return a.store.Set(ctx, key, value)
}

// HeadroomKW implements the flow backend.
func (a *App) HeadroomKW() *float64 { return a.guard.Headroom() }

// PriceLevel implements the flow backend.
func (a *App) PriceLevel() types.PriceLevel {
	a.mu.Lock()
	prices := a.prices
	a.mu.Unlock()
	return price.Level(prices, time.Now())
}

// DeviceLoad implements the flow backend.
func (a *App) DeviceLoad(deviceID string) (currentKW, expectedKW float64, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.devices[deviceID]
	if !ok {
		return 0, 0, false
	}
	return deviceLiveKW(d), d.ExpectedPowerKW, true
}

// SetExpectedPowerOverride implements the flow backend.
func (a *App) SetExpectedPowerOverride(deviceID string, kw float64) {
	a.est.SetOverride(deviceID, kw)
	a.mu.Lock()
	if info, ok := a.infos[deviceID]; ok {
		a.devices[deviceID] = a.deriveDeviceLocked(info)
	}
	a.mu.Unlock()
}

// ReportPower implements the flow backend: a whole-house sample arriving via
// a flow action instead of a meter device.
func (a *App) ReportPower(ts time.Time, watts float64) {
	a.onPowerSample(ts, watts)
}

// Rebuild implements the flow backend and the API core.
func (a *App) Rebuild(reason string) { a.service.Rebuild(reason) }

// Status implements the API core: the most recently persisted status payload.
func (a *App) Status() types.StatusPayload {
	var st types.StatusPayload
	ok, err := a.store.Get(context.Background(), types.KeyStatus, &st)
	if err != nil || !ok {
		if err != nil {
			log.Ctx(context.Background()).Warn("failed to read status")
		}
		st = types.StatusPayload{
			Mode:        a.Settings().OperatingMode,
			SoftLimitKW: a.guard.SoftLimit(),
			TotalKW:     a.guard.MainPowerKW(),
			HeadroomKW:  a.guard.Headroom(),
		}
	}
	return st
}

// Plan implements the API core.
func (a *App) Plan() *types.DevicePlan { return a.engine.LastPlan() }

// Buckets implements the API core: the tracker's rolling hour buckets for the
// UI chart.
func (a *App) Buckets() []types.HourBucket { return a.tracker.Buckets() }
