package plan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/types"
)

// logRecorder captures slog records so tests can assert on what was logged.
type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) devicesFor(msg string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, rec := range r.records {
		if rec.Message != msg {
			continue
		}
		rec.Attrs(func(a slog.Attr) bool {
			if a.Key == "device" {
				out = append(out, a.Value.String())
			}
			return true
		})
	}
	return out
}

type capWrite struct {
	DeviceID   string
	Capability string
	Value      any
}

type fakeExecCtx struct {
	writes      []capWrite
	failIDs     map[string]error
	unavailable []string
	updated     []string
	dryRun      bool
}

func (f *fakeExecCtx) SetCapability(_ context.Context, deviceID, capability string, value any) error {
	if err, ok := f.failIDs[deviceID]; ok {
		return err
	}
	f.writes = append(f.writes, capWrite{DeviceID: deviceID, Capability: capability, Value: value})
	return nil
}

func (f *fakeExecCtx) UpdateLocalDevice(deviceID string, _ func(*types.Device)) {
	f.updated = append(f.updated, deviceID)
}

func (f *fakeExecCtx) MarkUnavailable(deviceID string) {
	f.unavailable = append(f.unavailable, deviceID)
}

func (f *fakeExecCtx) DryRun() bool { return f.dryRun }

func testPlan() types.DevicePlan {
	return types.DevicePlan{
		GeneratedAt: time.Date(2026, 1, 15, 17, 10, 0, 0, time.UTC),
		Mode:        "Home",
		Meta:        types.PlanMeta{HeadroomKW: ptrF(-1.0)},
		Devices: []types.PlanDevice{
			{
				ID: "restore", Name: "Floor Heating", Priority: 1,
				CurrentState: types.StateOff, PlannedState: types.PlannedKeep,
				Reason: "restoring", Controllable: true, Managed: true,
			},
			{
				ID: "temp", Name: "Bathroom", Priority: 2,
				CurrentState: types.StateNotApplicable, CurrentTarget: ptrF(22),
				PlannedState: types.PlannedShed, ShedAction: types.ShedSetTemperature,
				ShedTemperature: ptrF(5), PlannedTarget: ptrF(5),
				Reason: "shed due to capacity", Controllable: true, Managed: true,
			},
			{
				ID: "off", Name: "Car Charger", Priority: 3,
				CurrentState: types.StateOn, PlannedState: types.PlannedShed,
				ShedAction: types.ShedTurnOff,
				Reason:     "shed due to capacity", Controllable: true, Managed: true,
			},
		},
	}
}

func TestApplyOrdersWrites(t *testing.T) {
	e := newTestEngine()
	ectx := &fakeExecCtx{}

	res := e.Apply(context.Background(), ectx, testPlan())

	require.Len(t, ectx.writes, 3)
	// turn-off sheds first, then temperature sheds, then restores
	assert.Equal(t, capWrite{"off", types.CapabilityOnOff, false}, ectx.writes[0])
	assert.Equal(t, capWrite{"temp", types.CapabilityTargetTemperature, 5.0}, ectx.writes[1])
	assert.Equal(t, capWrite{"restore", types.CapabilityOnOff, true}, ectx.writes[2])
	assert.Equal(t, 2, res.ShedCount)
	assert.Equal(t, 1, res.RestoreCount)
}

func TestApplySkipsNoopWrites(t *testing.T) {
	e := newTestEngine()
	ectx := &fakeExecCtx{}
	p := testPlan()
	// already in the desired state
	p.Devices[0].CurrentState = types.StateOn
	p.Devices[0].Reason = ""
	p.Devices[1].CurrentTarget = ptrF(5)
	p.Devices[2].CurrentState = types.StateOff

	e.Apply(context.Background(), ectx, p)

	assert.Empty(t, ectx.writes)
}

func TestApplyIsolatesFailures(t *testing.T) {
	e := newTestEngine()
	ectx := &fakeExecCtx{failIDs: map[string]error{"off": errors.New("device timeout")}}

	res := e.Apply(context.Background(), ectx, testPlan())

	assert.Equal(t, []string{"off"}, ectx.unavailable)
	assert.Equal(t, []string{"off"}, res.FailedIDs)
	// the other devices were still written
	require.Len(t, ectx.writes, 2)
	assert.Equal(t, "temp", ectx.writes[0].DeviceID)
	assert.Equal(t, "restore", ectx.writes[1].DeviceID)
}

func TestApplyDryRunSkipsWritesButAdvancesGuard(t *testing.T) {
	e := newTestEngine()
	ectx := &fakeExecCtx{dryRun: true}
	rec := &logRecorder{}
	ctx := log.With(context.Background(), slog.New(rec))

	res := e.Apply(ctx, ectx, testPlan())

	assert.Empty(t, ectx.writes)
	assert.Equal(t, 2, res.ShedCount)
	assert.True(t, e.Guard().SheddingActive())
	// every intended action is logged, in write order
	assert.Equal(t, []string{"off", "temp", "restore"},
		rec.devicesFor("dry run, skipping capability write"))
}

func TestApplyLatchesShortfall(t *testing.T) {
	e := newTestEngine()
	e.Guard().ReportTotalPower(12)
	ectx := &fakeExecCtx{}

	// everything controllable is already shed, nothing left to give
	p := testPlan()
	p.Devices = p.Devices[1:]
	p.Meta.HeadroomKW = ptrF(-2.2)

	e.Apply(context.Background(), ectx, p)

	assert.True(t, e.Guard().InShortfall())
}

func TestApplyNoShortfallWithThermostatCandidate(t *testing.T) {
	e := newTestEngine()
	e.Guard().ReportTotalPower(12)
	ectx := &fakeExecCtx{}

	// the remaining keep is a thermostat with no on/off capability; it can
	// still give load back by dropping its target
	p := types.DevicePlan{
		Meta: types.PlanMeta{HeadroomKW: ptrF(-2.2)},
		Devices: []types.PlanDevice{{
			ID: "floor", Name: "Floor Heating", Priority: 1,
			CurrentState: types.StateNotApplicable, CurrentTarget: ptrF(22),
			PlannedState: types.PlannedKeep,
			Controllable: true, Managed: true,
		}},
	}
	e.Apply(context.Background(), ectx, p)

	assert.False(t, e.Guard().InShortfall())
}

func TestApplyClearsSheddingWhenNothingShed(t *testing.T) {
	e := newTestEngine()
	e.Guard().SetSheddingActive(context.Background(), true)
	ectx := &fakeExecCtx{}

	p := types.DevicePlan{Devices: []types.PlanDevice{{
		ID: "a", CurrentState: types.StateOn, PlannedState: types.PlannedKeep,
		Controllable: true, Managed: true,
	}}}
	e.Apply(context.Background(), ectx, p)

	assert.False(t, e.Guard().SheddingActive())
}
