package plan

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelshome/pels/pkg/guard"
	"github.com/pelshome/pels/pkg/types"
)

type fakeBuilderCtx struct {
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

func (f *fakeBuilderCtx) Now() time.Time                           { return f.now }
func (f *fakeBuilderCtx) Devices() []types.Device                  { return f.devices }
func (f *fakeBuilderCtx) Settings() types.Settings                 { return f.settings }
func (f *fakeBuilderCtx) TotalPowerKW() *float64                   { return f.total }
func (f *fakeBuilderCtx) SheddingActive() bool                     { return f.shedding }
func (f *fakeBuilderCtx) InShortfall() bool                        { return f.shortfall }
func (f *fakeBuilderCtx) RestoreMarginKW() float64                 { return f.restoreMargin }
func (f *fakeBuilderCtx) UsedThisHourKWH() float64                 { return f.used }
func (f *fakeBuilderCtx) MinutesRemainingInHour() int              { return f.minutes }
func (f *fakeBuilderCtx) DailyBudget() *types.DailyBudgetSnapshot  { return f.daily }
func (f *fakeBuilderCtx) PriceLevel() types.PriceLevel             { return f.level }

func ptrF(v float64) *float64 { return &v }
func ptrB(v bool) *bool       { return &v }

func testSettings() types.Settings {
	s := types.Settings{
		LimitKW:       10,
		MarginKW:      0.2,
		OperatingMode: "Home",
		CapacityPriorities: map[string]map[string]int{
			"Home": {"a": 1, "b": 2, "c": 3},
		},
	}
	s.Normalize()
	return s
}

func onOffDevice(id, name string, on bool, expectedKW float64) types.Device {
	return types.Device{
		ID:              id,
		Name:            name,
		Controllable:    true,
		Managed:         true,
		HasOnOff:        true,
		CurrentOn:       ptrB(on),
		ExpectedPowerKW: expectedKW,
		Available:       true,
	}
}

func newTestEngine() *Engine {
	return NewEngine(guard.New(10, 0.2, 0.5))
}

func newTestCtx() *fakeBuilderCtx {
	return &fakeBuilderCtx{
		now:           time.Date(2026, 1, 15, 17, 10, 0, 0, time.UTC),
		settings:      testSettings(),
		restoreMargin: 0.5,
		minutes:       30,
		level:         types.PriceNormal,
	}
}

func rowByID(t *testing.T, p types.DevicePlan, id string) types.PlanDevice {
	t.Helper()
	for _, d := range p.Devices {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("no row for %s", id)
	return types.PlanDevice{}
}

func TestBuildShedsLowestPriorityFirst(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
		onOffDevice("b", "Floor Heating", true, 1.5),
		onOffDevice("c", "Car Charger", true, 1),
	}
	bctx.total = ptrF(10.5)

	p := e.Build(bctx)

	require.NotNil(t, p.Meta.HeadroomKW)
	assert.InDelta(t, -0.7, *p.Meta.HeadroomKW, 1e-9)

	c := rowByID(t, p, "c")
	assert.Equal(t, types.PlannedShed, c.PlannedState)
	assert.Equal(t, types.ShedTurnOff, c.ShedAction)
	assert.Equal(t, "shed due to capacity", c.Reason)
	assert.Equal(t, types.PlannedKeep, rowByID(t, p, "a").PlannedState)
	assert.Equal(t, types.PlannedKeep, rowByID(t, p, "b").PlannedState)

	// rows come back most important first
	assert.Equal(t, "a", p.Devices[0].ID)
	assert.Equal(t, "c", p.Devices[2].ID)
}

func TestBuildHoldsShedDeviceAndEscalates(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
		onOffDevice("b", "Floor Heating", true, 1.5),
		onOffDevice("c", "Car Charger", true, 1),
	}
	bctx.total = ptrF(10.5)
	e.Build(bctx)

	// next cycle: c is off but the house is still over, with the restore
	// margin stacked on top of the deficit
	bctx.now = bctx.now.Add(10 * time.Second)
	bctx.devices[2].CurrentOn = ptrB(false)
	bctx.total = ptrF(10.0)
	bctx.shedding = true

	p := e.Build(bctx)

	assert.Equal(t, types.PlannedShed, rowByID(t, p, "b").PlannedState)
	assert.Equal(t, types.PlannedShed, rowByID(t, p, "c").PlannedState)
	assert.Equal(t, types.PlannedKeep, rowByID(t, p, "a").PlannedState)
}

func TestBuildNoTotalPowerNoActions(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
	}

	p := e.Build(bctx)

	assert.Nil(t, p.Meta.HeadroomKW)
	assert.Nil(t, p.Meta.TotalKW)
	assert.Equal(t, types.PlannedKeep, rowByID(t, p, "a").PlannedState)
}

func TestBuildShedCoversDeficit(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
		onOffDevice("b", "Floor Heating", true, 1.5),
		onOffDevice("c", "Car Charger", true, 1),
	}
	bctx.total = ptrF(12.0)

	p := e.Build(bctx)

	require.NotNil(t, p.Meta.HeadroomKW)
	var shedKW float64
	for _, d := range p.Devices {
		if d.PlannedState == types.PlannedShed {
			shedKW += d.PowerKW
		}
	}
	assert.GreaterOrEqual(t, shedKW+*p.Meta.HeadroomKW, 0.0)
}

func TestBuildRestoreOnePerCycle(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
		onOffDevice("b", "Floor Heating", true, 1.5),
		onOffDevice("c", "Car Charger", true, 1),
	}
	bctx.total = ptrF(12.0)
	p := e.Build(bctx)
	require.Equal(t, types.PlannedShed, rowByID(t, p, "b").PlannedState)
	require.Equal(t, types.PlannedShed, rowByID(t, p, "c").PlannedState)

	// well past the shed cooldown, with plenty of headroom
	bctx.now = bctx.now.Add(2 * time.Minute)
	bctx.devices[1].CurrentOn = ptrB(false)
	bctx.devices[2].CurrentOn = ptrB(false)
	bctx.total = ptrF(7.0)
	bctx.shedding = true

	p = e.Build(bctx)

	b := rowByID(t, p, "b")
	assert.Equal(t, types.PlannedKeep, b.PlannedState)
	assert.Equal(t, "restoring", b.Reason)
	c := rowByID(t, p, "c")
	assert.Equal(t, types.PlannedShed, c.PlannedState)
	assert.Equal(t, "restore throttled", c.Reason)
}

func TestBuildRestoreShedCooldown(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
		onOffDevice("c", "Car Charger", true, 1),
	}
	bctx.total = ptrF(10.5)
	e.Build(bctx)

	// 30s later: headroom is back but c was shed too recently
	bctx.now = bctx.now.Add(30 * time.Second)
	bctx.devices[1].CurrentOn = ptrB(false)
	bctx.total = ptrF(7.0)
	bctx.shedding = true

	p := e.Build(bctx)

	c := rowByID(t, p, "c")
	assert.Equal(t, types.PlannedShed, c.PlannedState)
	assert.Equal(t, "cooldown (shedding, 30s remaining)", c.Reason)
}

func TestBuildRestoreNeedsHeadroomBuffer(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
		onOffDevice("c", "Car Charger", false, 1),
	}
	// held from a previous run, long past any cooldown
	e.st.lastPlannedShed["c"] = struct{}{}

	// headroom 1.3 < expected 1 + margin 0.5
	bctx.total = ptrF(8.5)
	bctx.shedding = true

	p := e.Build(bctx)

	c := rowByID(t, p, "c")
	assert.Equal(t, types.PlannedShed, c.PlannedState)
	assert.Equal(t, "shed due to capacity", c.Reason)
}

func TestBuildRestoreSwap(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	measured := 2.0
	peer := onOffDevice("c", "Car Charger", true, 2)
	peer.MeasuredPowerKW = &measured
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", false, 1),
		peer,
	}
	e.st.lastPlannedShed["a"] = struct{}{}

	// headroom 0.5 is not enough for a's 1.5 buffer, but shedding c frees 2
	bctx.total = ptrF(9.3)
	bctx.shedding = true

	p := e.Build(bctx)

	a := rowByID(t, p, "a")
	assert.Equal(t, types.PlannedKeep, a.PlannedState)
	assert.Equal(t, "restoring", a.Reason)
	c := rowByID(t, p, "c")
	assert.Equal(t, types.PlannedShed, c.PlannedState)
	assert.Equal(t, "swapped out for a", c.Reason)
	assert.Contains(t, e.st.pendingSwaps, "a")
	assert.Equal(t, "a", e.st.swappedOutFor["c"])

	// the swap expires once the settle window passes without a being observed on
	bctx.now = bctx.now.Add(SwapSettle + time.Second)
	e.Build(bctx)
	assert.NotContains(t, e.st.pendingSwaps, "a")
	assert.NotContains(t, e.st.swappedOutFor, "c")
}

func TestBuildHourlyBudgetExhausted(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
	}
	bctx.total = ptrF(5.0)
	bctx.used = 9.8
	bctx.minutes = 30

	p := e.Build(bctx)

	assert.True(t, p.Meta.HourlyBudgetExhausted)
	assert.InDelta(t, 0, p.Meta.SoftLimitKW, 1e-9)
	a := rowByID(t, p, "a")
	assert.Equal(t, types.PlannedShed, a.PlannedState)
	assert.Equal(t, "hourly budget exhausted", a.Reason)
}

func TestBuildDailyBudgetSoftLimit(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
	}
	bctx.total = ptrF(6.0)
	bctx.daily = &types.DailyBudgetSnapshot{
		HourlyAllowanceKWH: 4,
		DailyRemainingKWH:  2.5,
		Exceeded:           true,
		SoftLimitKW:        ptrF(5),
		SoftLimitSource:    types.SoftLimitDaily,
	}

	p := e.Build(bctx)

	assert.InDelta(t, 5, p.Meta.SoftLimitKW, 1e-9)
	assert.Equal(t, types.SoftLimitDaily, p.Meta.SoftLimitSource)
	require.NotNil(t, p.Meta.DailyBudgetExceeded)
	assert.True(t, *p.Meta.DailyBudgetExceeded)
	a := rowByID(t, p, "a")
	assert.Equal(t, types.PlannedShed, a.PlannedState)
	assert.Equal(t, "daily budget exceeded", a.Reason)
}

func TestBuildShortfallReason(t *testing.T) {
	e := newTestEngine()
	e.guard.SetInShortfall(true)
	bctx := newTestCtx()
	bctx.shortfall = true
	bctx.devices = []types.Device{
		onOffDevice("c", "Car Charger", true, 1),
	}
	bctx.total = ptrF(12.0)

	p := e.Build(bctx)

	c := rowByID(t, p, "c")
	assert.Equal(t, types.PlannedShed, c.PlannedState)
	assert.Equal(t, fmt.Sprintf("shortfall (need %.1f kW, headroom %.1f kW)", 2.2, -2.2), c.Reason)
}

func TestBuildPriceShaping(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.settings.ModeDeviceTargets = map[string]map[string]float64{
		"Home": {"t": 20},
	}
	bctx.settings.PriceOptimizationEnabled = true
	bctx.settings.PriceOptimizationSettings = map[string]types.PriceOptimization{
		"t": {Enabled: true, CheapDelta: 2, ExpensiveDelta: -3},
	}
	thermostat := types.Device{
		ID:           "t",
		Name:         "Bedroom",
		Controllable: true,
		Managed:      true,
		HasTarget:    true,
		CurrentTarget: ptrF(20),
		TargetMin:    ptrF(5),
		TargetMax:    ptrF(21.5),
		Available:    true,
	}
	bctx.devices = []types.Device{thermostat}
	bctx.total = ptrF(3.0)

	bctx.level = types.PriceCheap
	p := e.Build(bctx)
	target := rowByID(t, p, "t").PlannedTarget
	require.NotNil(t, target)
	// 20 + 2 clamped to the device max
	assert.InDelta(t, 21.5, *target, 1e-9)

	bctx.level = types.PriceExpensive
	p = e.Build(bctx)
	target = rowByID(t, p, "t").PlannedTarget
	require.NotNil(t, target)
	assert.InDelta(t, 17, *target, 1e-9)
}

func TestBuildTargetQuantisation(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.settings.ModeDeviceTargets = map[string]map[string]float64{
		"Home": {"t": 20.3},
	}
	bctx.devices = []types.Device{{
		ID:           "t",
		Name:         "Bedroom",
		Controllable: true,
		Managed:      true,
		HasTarget:    true,
		Available:    true,
	}}
	bctx.total = ptrF(3.0)

	p := e.Build(bctx)
	target := rowByID(t, p, "t").PlannedTarget
	require.NotNil(t, target)
	assert.InDelta(t, 20.5, *target, 1e-9)
}

func TestBuildUnmanagedAndUncontrollableRows(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	uncontrollable := onOffDevice("a", "Fridge", true, 0.2)
	uncontrollable.Controllable = false
	unmanaged := onOffDevice("b", "Oven", true, 2)
	unmanaged.Managed = false
	bctx.devices = []types.Device{uncontrollable, unmanaged}
	bctx.total = ptrF(15.0)

	p := e.Build(bctx)

	a := rowByID(t, p, "a")
	assert.Equal(t, types.PlannedKeep, a.PlannedState)
	assert.Equal(t, "not controllable", a.Reason)
	b := rowByID(t, p, "b")
	assert.Equal(t, types.PlannedKeep, b.PlannedState)
	assert.Equal(t, "not managed", b.Reason)
}

func TestBuildTemperatureShedBehavior(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.settings.OvershootBehaviors = map[string]types.ShedBehavior{
		"t": {Action: types.ShedSetTemperature, Temperature: 5},
	}
	bctx.devices = []types.Device{{
		ID:            "t",
		Name:          "Bathroom",
		Controllable:  true,
		Managed:       true,
		HasTarget:     true,
		CurrentTarget: ptrF(22),
		Available:     true,
		ExpectedPowerKW: 1,
	}}
	bctx.total = ptrF(10.2)

	p := e.Build(bctx)

	row := rowByID(t, p, "t")
	assert.Equal(t, types.PlannedShed, row.PlannedState)
	assert.Equal(t, types.ShedSetTemperature, row.ShedAction)
	require.NotNil(t, row.ShedTemperature)
	assert.InDelta(t, 5, *row.ShedTemperature, 1e-9)
}

func TestBuildMetaControlledSplit(t *testing.T) {
	e := newTestEngine()
	bctx := newTestCtx()
	measured := 1.2
	d := onOffDevice("a", "Water Heater", true, 2)
	d.MeasuredPowerKW = &measured
	bctx.devices = []types.Device{d}
	bctx.total = ptrF(4.0)

	p := e.Build(bctx)

	assert.InDelta(t, 1.2, p.Meta.ControlledKW, 1e-9)
	assert.InDelta(t, 2.8, p.Meta.UncontrolledKW, 1e-9)
}
