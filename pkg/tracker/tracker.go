package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

const (
	// maxBuckets is how many hour buckets are retained for the UI.
	maxBuckets = 48
	// persistThrottle is the minimum gap between persisted state writes.
	persistThrottle = time.Minute
)

// Tracker accumulates whole-house energy into per-hour buckets in the
// configured time zone. It is fed every power sample and persists its state to
// the settings store at a throttled cadence.
type Tracker struct {
	mu    sync.Mutex
	store storage.Store
	loc   *time.Location

	buckets map[time.Time]*types.HourBucket

	lastTS       time.Time
	lastPowerKW  float64
	haveLast     bool
	lastPersist  time.Time
	persistDirty bool

	now func() time.Time
}

// Configured sets up the tracker. It registers the timezone flag.
func Configured(store storage.Store) *Tracker {
	tz := lflag.String("timezone", "Europe/Oslo", "IANA time zone hour buckets are keyed in")

	t := &Tracker{
		store:   store,
		buckets: make(map[time.Time]*types.HourBucket),
		now:     time.Now,
	}

	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Errorf("failed to load time zone %q: %w", *tz, err))
		}
		t.loc = loc
	})

	return t
}

// New creates a tracker with an explicit location, for tests.
func New(store storage.Store, loc *time.Location) *Tracker {
	return &Tracker{
		store:   store,
		loc:     loc,
		buckets: make(map[time.Time]*types.HourBucket),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (t *Tracker) SetNowFunc(fn func() time.Time) { t.now = fn }

func (t *Tracker) hourStart(ts time.Time) time.Time {
	local := ts.In(t.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, t.loc)
}

// AddSample integrates one power sample into the bucket for its hour.
// controlledKW is the sum of the currently-controllable devices' estimated
// power; the remainder of each contribution is tagged uncontrolled.
func (t *Tracker) AddSample(ctx context.Context, ts time.Time, powerKW, controlledKW float64) {
	if math.IsNaN(powerKW) || math.IsInf(powerKW, 0) || powerKW < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	hour := t.hourStart(ts)
	bucket, ok := t.buckets[hour]
	if !ok {
		bucket = &types.HourBucket{HourStart: hour}
		t.buckets[hour] = bucket
		t.pruneLocked()
	}

	// trapezoid integration against the previous sample, but only within the
	// same hour; the first sample of an hour contributes nothing
	if t.haveLast && t.hourStart(t.lastTS).Equal(hour) && ts.After(t.lastTS) {
		dtHours := ts.Sub(t.lastTS).Hours()
		avgKW := (t.lastPowerKW + powerKW) / 2
		energy := dtHours * avgKW
		controlled := energy
		if avgKW > 0 && controlledKW < avgKW {
			controlled = dtHours * math.Max(0, controlledKW)
		}
		bucket.KWH += energy
		bucket.ControlledKWH += controlled
		bucket.UncontrolledKWH += energy - controlled
	}

	t.lastTS = ts
	t.lastPowerKW = powerKW
	t.haveLast = true
	t.persistDirty = true

	if t.now().Sub(t.lastPersist) >= persistThrottle {
		t.persistLocked(ctx)
	}
}

func (t *Tracker) pruneLocked() {
	if len(t.buckets) <= maxBuckets {
		return
	}
	starts := make([]time.Time, 0, len(t.buckets))
	for s := range t.buckets {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for _, s := range starts[:len(starts)-maxBuckets] {
		delete(t.buckets, s)
	}
}

// Location returns the time zone hour buckets are keyed in.
func (t *Tracker) Location() *time.Location { return t.loc }

// DayUsedKWH sums the buckets belonging to the same local day as ts.
func (t *Tracker) DayUsedKWH(ts time.Time) float64 {
	local := ts.In(t.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum float64
	for start, b := range t.buckets {
		if !start.Before(dayStart) && start.Before(dayEnd) {
			sum += b.KWH
		}
	}
	return sum
}

// CurrentHourStart returns the start of the current wall-clock hour.
func (t *Tracker) CurrentHourStart() time.Time {
	return t.hourStart(t.now())
}

// CurrentHourUsedKWH returns the energy accumulated so far this hour.
func (t *Tracker) CurrentHourUsedKWH() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[t.hourStart(t.now())]; ok {
		return b.KWH
	}
	return 0
}

// CurrentHourSplit returns the controlled/uncontrolled energy accumulated so
// far this hour.
func (t *Tracker) CurrentHourSplit() (controlledKWH, uncontrolledKWH float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.buckets[t.hourStart(t.now())]; ok {
		return b.ControlledKWH, b.UncontrolledKWH
	}
	return 0, 0
}

// LastTimestamp returns the timestamp of the last integrated sample.
func (t *Tracker) LastTimestamp() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTS
}

// Buckets returns the retained buckets ordered oldest first, for the UI.
func (t *Tracker) Buckets() []types.HourBucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.HourBucket, 0, len(t.buckets))
	for _, b := range t.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HourStart.Before(out[j].HourStart) })
	return out
}

// Load re-hydrates the tracker from the persisted power_tracker_state.
func (t *Tracker) Load(ctx context.Context) error {
	var state types.TrackerState
	ok, err := t.store.Get(ctx, types.KeyPowerTrackerState, &state)
	if err != nil {
		return fmt.Errorf("failed to load tracker state: %w", err)
	}
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for iso, b := range state.Buckets {
		start, err := time.ParseInLocation(time.RFC3339, iso, t.loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed tracker bucket key",
				slog.String("key", iso), slog.Any("error", err))
			continue
		}
		t.buckets[start.In(t.loc)] = &types.HourBucket{
			HourStart:       start.In(t.loc),
			KWH:             b.KWH,
			ControlledKWH:   b.ControlledKWH,
			UncontrolledKWH: b.UncontrolledKWH,
		}
	}
	t.pruneLocked()
	if !state.LastTimestamp.IsZero() {
		t.lastTS = state.LastTimestamp
	}
	return nil
}

// Flush writes the persisted state immediately, regardless of throttling.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.persistDirty {
		t.persistLocked(ctx)
	}
}

func (t *Tracker) persistLocked(ctx context.Context) {
	state := types.TrackerState{
		Buckets:       make(map[string]types.TrackerBucketState, len(t.buckets)),
		LastTimestamp: t.lastTS,
	}
	for start, b := range t.buckets {
		state.Buckets[start.Format(time.RFC3339)] = types.TrackerBucketState{
			KWH:             b.KWH,
			ControlledKWH:   b.ControlledKWH,
			UncontrolledKWH: b.UncontrolledKWH,
		}
	}
	if err := t.store.Set(ctx, types.KeyPowerTrackerState, state); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist tracker state", slog.Any("error", err))
		return
	}
	t.lastPersist = t.now()
	t.persistDirty = false
}
