package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *storage.Memory, *time.Time) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)
	store := storage.NewMemory()
	tr := New(store, loc)
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, loc)
	tr.SetNowFunc(func() time.Time { return now })
	return tr, store, &now
}

func TestTrapezoidIntegration(t *testing.T) {
	tr, _, now := newTestTracker(t)
	ctx := context.Background()

	ts := *now
	// first sample of the hour contributes nothing
	tr.AddSample(ctx, ts, 4, 1)
	assert.Zero(t, tr.CurrentHourUsedKWH())

	// 30 minutes at an average of (4+6)/2 = 5 kW -> 2.5 kWh
	ts = ts.Add(30 * time.Minute)
	tr.AddSample(ctx, ts, 6, 1)
	assert.InDelta(t, 2.5, tr.CurrentHourUsedKWH(), 1e-9)

	controlled, uncontrolled := tr.CurrentHourSplit()
	assert.InDelta(t, 0.5, controlled, 1e-9)
	assert.InDelta(t, 2.0, uncontrolled, 1e-9)
	assert.Equal(t, ts, tr.LastTimestamp())
}

func TestHourBoundaryStartsFresh(t *testing.T) {
	tr, _, now := newTestTracker(t)
	ctx := context.Background()

	ts := now.Add(50 * time.Minute)
	tr.AddSample(ctx, ts, 4, 0)
	tr.AddSample(ctx, ts.Add(5*time.Minute), 4, 0)

	// crossing into the next hour: first sample there contributes nothing
	next := ts.Add(15 * time.Minute)
	tr.AddSample(ctx, next, 4, 0)
	*now = next
	assert.Zero(t, tr.CurrentHourUsedKWH())

	tr.AddSample(ctx, next.Add(15*time.Minute), 4, 0)
	assert.InDelta(t, 1.0, tr.CurrentHourUsedKWH(), 1e-9)
}

func TestIgnoresBadSamples(t *testing.T) {
	tr, _, now := newTestTracker(t)
	ctx := context.Background()

	tr.AddSample(ctx, *now, 4, 0)
	tr.AddSample(ctx, now.Add(10*time.Minute), -1, 0)
	tr.AddSample(ctx, now.Add(20*time.Minute), 4, 0)
	// the negative sample was dropped entirely, so integration spans 20min
	assert.InDelta(t, 4.0/3.0, tr.CurrentHourUsedKWH(), 1e-9)
}

func TestPersistAndReload(t *testing.T) {
	tr, store, now := newTestTracker(t)
	ctx := context.Background()

	tr.AddSample(ctx, *now, 4, 2)
	tr.AddSample(ctx, now.Add(30*time.Minute), 4, 2)
	tr.Flush(ctx)

	var state types.TrackerState
	ok, err := store.Get(ctx, types.KeyPowerTrackerState, &state)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, state.Buckets, 1)

	loc, _ := time.LoadLocation("Europe/Oslo")
	fresh := New(store, loc)
	fresh.SetNowFunc(func() time.Time { return *now })
	require.NoError(t, fresh.Load(ctx))
	assert.InDelta(t, 2.0, fresh.CurrentHourUsedKWH(), 1e-9)
	controlled, _ := fresh.CurrentHourSplit()
	assert.InDelta(t, 1.0, controlled, 1e-9)
}

func TestPersistThrottled(t *testing.T) {
	tr, store, now := newTestTracker(t)
	ctx := context.Background()

	base := *now
	tr.AddSample(ctx, base, 4, 0)
	first := store.SetCalls[types.KeyPowerTrackerState]

	// within the throttle window nothing else is written
	*now = base.Add(10 * time.Second)
	tr.AddSample(ctx, base.Add(10*time.Second), 4, 0)
	assert.Equal(t, first, store.SetCalls[types.KeyPowerTrackerState])

	*now = base.Add(2 * time.Minute)
	tr.AddSample(ctx, base.Add(2*time.Minute), 4, 0)
	assert.Equal(t, first+1, store.SetCalls[types.KeyPowerTrackerState])
}

func TestBucketRetention(t *testing.T) {
	tr, _, now := newTestTracker(t)
	ctx := context.Background()

	ts := now.Add(-80 * time.Hour)
	for i := 0; i < 80; i++ {
		tr.AddSample(ctx, ts, 2, 0)
		ts = ts.Add(time.Hour)
	}
	assert.LessOrEqual(t, len(tr.Buckets()), 48)
}
