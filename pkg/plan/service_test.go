package plan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

type fakeProvider struct {
	bctx *fakeBuilderCtx
	ectx *fakeExecCtx
}

func (f *fakeProvider) BuilderContext() BuilderContext   { return f.bctx }
func (f *fakeProvider) ExecutorContext() ExecutorContext { return f.ectx }

type fakeSink struct {
	mu           sync.Mutex
	plans        int
	statuses     int
	levelChanges []types.PriceLevel
}

func (f *fakeSink) PlanUpdated(types.DevicePlan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans++
}

func (f *fakeSink) StatusUpdated(types.StatusPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
}

func (f *fakeSink) PriceLevelChanged(level types.PriceLevel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levelChanges = append(f.levelChanges, level)
}

func newTestService() (*Service, *storage.Memory, *fakeProvider, *fakeSink, *time.Time) {
	mem := storage.NewMemory()
	e := newTestEngine()
	bctx := newTestCtx()
	bctx.devices = []types.Device{
		onOffDevice("a", "Water Heater", true, 2),
	}
	bctx.total = ptrF(5.0)
	provider := &fakeProvider{bctx: bctx, ectx: &fakeExecCtx{}}
	svc := NewService(e, mem, provider)
	now := bctx.now
	svc.SetNowFunc(func() time.Time { return now })
	sink := &fakeSink{}
	svc.AddSink(sink)
	return svc, mem, provider, sink, &now
}

func TestServiceWritesFirstCycle(t *testing.T) {
	svc, mem, _, sink, _ := newTestService()

	svc.runCycle(context.Background(), "tick")

	assert.Equal(t, 1, mem.SetCalls[types.KeyDevicePlanSnapshot])
	assert.Equal(t, 1, mem.SetCalls[types.KeyStatus])
	assert.Equal(t, 1, sink.plans)
	assert.Equal(t, 1, sink.statuses)
}

func TestServiceSuppressesIdenticalCycles(t *testing.T) {
	svc, mem, _, _, _ := newTestService()

	svc.runCycle(context.Background(), "tick")
	svc.runCycle(context.Background(), "tick")
	svc.runCycle(context.Background(), "tick")

	assert.Equal(t, 1, mem.SetCalls[types.KeyDevicePlanSnapshot])
	assert.Equal(t, 1, mem.SetCalls[types.KeyStatus])
}

func TestServiceCoalescesMetaOnlyChanges(t *testing.T) {
	svc, mem, provider, _, now := newTestService()

	svc.runCycle(context.Background(), "tick")
	require.Equal(t, 1, mem.SetCalls[types.KeyDevicePlanSnapshot])

	// a small total-power move changes meta only, inside the throttle window
	*now = now.Add(10 * time.Second)
	provider.bctx.total = ptrF(5.3)
	svc.runCycle(context.Background(), "power")
	assert.Equal(t, 1, mem.SetCalls[types.KeyDevicePlanSnapshot])
	require.NotNil(t, svc.pendingPlan)

	// past the throttle window the next meta change writes through
	*now = now.Add(31 * time.Second)
	provider.bctx.total = ptrF(5.6)
	svc.runCycle(context.Background(), "power")
	assert.Equal(t, 2, mem.SetCalls[types.KeyDevicePlanSnapshot])
	assert.Nil(t, svc.pendingPlan)
}

func TestServiceActionChangeWritesImmediately(t *testing.T) {
	svc, mem, provider, _, now := newTestService()

	svc.runCycle(context.Background(), "tick")

	// push the house over the limit: a gets shed, an action change
	*now = now.Add(5 * time.Second)
	provider.bctx.now = *now
	provider.bctx.total = ptrF(11.0)
	svc.runCycle(context.Background(), "power")

	assert.Equal(t, 2, mem.SetCalls[types.KeyDevicePlanSnapshot])
	assert.Equal(t, 2, mem.SetCalls[types.KeyStatus])
}

func TestServiceStatusRefreshAfterThrottle(t *testing.T) {
	svc, mem, _, _, now := newTestService()

	svc.runCycle(context.Background(), "tick")
	*now = now.Add(61 * time.Second)
	svc.runCycle(context.Background(), "tick")

	assert.Equal(t, 2, mem.SetCalls[types.KeyStatus])
	// no plan change, so the snapshot was not rewritten
	assert.Equal(t, 1, mem.SetCalls[types.KeyDevicePlanSnapshot])
}

func TestServicePriceLevelTransition(t *testing.T) {
	svc, _, provider, sink, _ := newTestService()

	svc.runCycle(context.Background(), "tick")
	assert.Empty(t, sink.levelChanges)

	provider.bctx.level = types.PriceCheap
	svc.runCycle(context.Background(), "prices")
	assert.Equal(t, []types.PriceLevel{types.PriceCheap}, sink.levelChanges)

	svc.runCycle(context.Background(), "tick")
	assert.Len(t, sink.levelChanges, 1)
}

func TestServiceWorkerProcessesQueue(t *testing.T) {
	svc, mem, _, _, _ := newTestService()
	svc.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	svc.Rebuild("tick")
	require.Eventually(t, func() bool {
		return mem.SetCallCount(types.KeyDevicePlanSnapshot) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestServiceStatusDerivation(t *testing.T) {
	svc, mem, provider, _, _ := newTestService()
	provider.bctx.used = 9.8 // hourly budget burned

	svc.runCycle(context.Background(), "tick")

	var st types.StatusPayload
	ok, err := mem.Get(context.Background(), types.KeyStatus, &st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Home", st.Mode)
	assert.Equal(t, types.LimitReasonHourly, st.LimitReason)
	assert.Equal(t, 1, st.ShedCount)
	assert.Equal(t, 1, st.DeviceCount)
	assert.True(t, st.SheddingActive)
}
