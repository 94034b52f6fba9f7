package app

import (
	"math"
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// dailyBudgetSnapshot derives the read-only snapshot the plan engine consumes
// from the configured daily budget and the tracker's buckets: the remaining
// energy spread over the rest of the local day.
func (a *App) dailyBudgetSnapshot(now time.Time, settings types.Settings) *types.DailyBudgetSnapshot {
	if !settings.DailyBudgetEnabled || settings.DailyBudgetKWH <= 0 {
		return nil
	}
	budget := math.Min(types.MaxDailyBudgetKWH, math.Max(types.MinDailyBudgetKWH, settings.DailyBudgetKWH))

	used := a.tracker.DayUsedKWH(now)
	remaining := budget - used

	local := now.In(a.tracker.Location())
	dayEnd := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.tracker.Location()).AddDate(0, 0, 1)
	hoursLeft := dayEnd.Sub(local).Hours()
	if hoursLeft < 1 {
		hoursLeft = 1
	}

	hourEnd := a.tracker.CurrentHourStart().Add(time.Hour)
	controlled, uncontrolled := a.tracker.CurrentHourSplit()

	allowance := math.Max(0, remaining) / hoursLeft
	snap := &types.DailyBudgetSnapshot{
		HourlyAllowanceKWH:  allowance,
		DailyRemainingKWH:   remaining,
		Exceeded:            remaining <= 0,
		HourControlledKWH:   controlled,
		HourUncontrolledKWH: uncontrolled,
		MinutesRemaining:    int(hourEnd.Sub(now).Minutes()),
	}

	// average kW that keeps the day inside the budget; only reported when it
	// actually tightens the working limit
	soft := allowance
	if soft < a.guard.CapacitySoftLimit() {
		snap.SoftLimitKW = &soft
		snap.SoftLimitSource = types.SoftLimitDaily
	}
	return snap
}
