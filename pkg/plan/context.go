package plan

import (
	"context"
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// BuilderContext supplies the pure reads the plan builder needs for one cycle.
// The app shell provides the single concrete implementation; tests supply
// hand-rolled fakes.
type BuilderContext interface {
	Now() time.Time

	// Devices returns the immutable device snapshot for this cycle, with the
	// estimator-derived fields already filled in.
	Devices() []types.Device

	Settings() types.Settings

	// TotalPowerKW is the guard's last whole-house sample, nil before the
	// first sample.
	TotalPowerKW() *float64

	// SheddingActive reports the guard's shedding latch before this rebuild.
	SheddingActive() bool

	// InShortfall reports the guard's shortfall latch.
	InShortfall() bool

	// RestoreMarginKW is the hysteresis margin applied while shedding is
	// active.
	RestoreMarginKW() float64

	// UsedThisHourKWH is the tracker's current-hour accumulation.
	UsedThisHourKWH() float64

	// MinutesRemainingInHour is clipped to >= 1 by the builder.
	MinutesRemainingInHour() int

	// DailyBudget returns the daily-budget snapshot, nil when disabled.
	DailyBudget() *types.DailyBudgetSnapshot

	PriceLevel() types.PriceLevel
}

// ExecutorContext is what the plan executor needs to apply a plan: SDK writes
// plus the optimistic local snapshot.
type ExecutorContext interface {
	SetCapability(ctx context.Context, deviceID, capability string, value any) error

	// UpdateLocalDevice applies mutate to the local snapshot for deviceID so
	// the next cycle observes the optimistic state.
	UpdateLocalDevice(deviceID string, mutate func(*types.Device))

	// MarkUnavailable flags a device whose write failed.
	MarkUnavailable(deviceID string)

	DryRun() bool
}
