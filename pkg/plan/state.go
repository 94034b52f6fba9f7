package plan

import (
	"context"
	"log/slog"
	"time"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

// state is the engine's private hysteresis state. All mutation happens inside
// the engine under its lock; the settings store only ever sees snapshots.
type state struct {
	lastDeviceShed    map[string]time.Time
	lastDeviceRestore map[string]time.Time
	lastShedding      time.Time
	lastOvershoot     time.Time
	lastRestore       time.Time
	lastPlannedShed   map[string]struct{}
	pendingSwaps      map[string]time.Time
	swappedOutFor     map[string]string

	hourlyBudgetExhausted bool
	inShortfall           bool
}

func newState() state {
	return state{
		lastDeviceShed:    make(map[string]time.Time),
		lastDeviceRestore: make(map[string]time.Time),
		lastPlannedShed:   make(map[string]struct{}),
		pendingSwaps:      make(map[string]time.Time),
		swappedOutFor:     make(map[string]string),
	}
}

func (s *state) snapshot() types.EngineState {
	out := types.EngineState{
		LastDeviceShed:        make(map[string]time.Time, len(s.lastDeviceShed)),
		LastDeviceRestore:     make(map[string]time.Time, len(s.lastDeviceRestore)),
		LastShedding:          s.lastShedding,
		LastOvershoot:         s.lastOvershoot,
		LastRestore:           s.lastRestore,
		PendingSwaps:          make(map[string]time.Time, len(s.pendingSwaps)),
		SwappedOutFor:         make(map[string]string, len(s.swappedOutFor)),
		HourlyBudgetExhausted: s.hourlyBudgetExhausted,
		InShortfall:           s.inShortfall,
	}
	for k, v := range s.lastDeviceShed {
		out.LastDeviceShed[k] = v
	}
	for k, v := range s.lastDeviceRestore {
		out.LastDeviceRestore[k] = v
	}
	for k := range s.lastPlannedShed {
		out.LastPlannedShed = append(out.LastPlannedShed, k)
	}
	for k, v := range s.pendingSwaps {
		out.PendingSwaps[k] = v
	}
	for k, v := range s.swappedOutFor {
		out.SwappedOutFor[k] = v
	}
	return out
}

func (s *state) restore(in types.EngineState) {
	*s = newState()
	for k, v := range in.LastDeviceShed {
		s.lastDeviceShed[k] = v
	}
	for k, v := range in.LastDeviceRestore {
		s.lastDeviceRestore[k] = v
	}
	s.lastShedding = in.LastShedding
	s.lastOvershoot = in.LastOvershoot
	s.lastRestore = in.LastRestore
	for _, id := range in.LastPlannedShed {
		s.lastPlannedShed[id] = struct{}{}
	}
	for k, v := range in.PendingSwaps {
		s.pendingSwaps[k] = v
	}
	for k, v := range in.SwappedOutFor {
		s.swappedOutFor[k] = v
	}
	s.hourlyBudgetExhausted = in.HourlyBudgetExhausted
	s.inShortfall = in.InShortfall
}

// LoadState re-hydrates the engine state from the settings store at boot.
func (e *Engine) LoadState(ctx context.Context, store storage.Store) {
	var persisted types.EngineState
	ok, err := store.Get(ctx, types.KeyEngineState, &persisted)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load engine state", slog.Any("error", err))
		return
	}
	if !ok {
		// older installs only persisted the shortfall flag
		var inShortfall bool
		if ok, err := store.Get(ctx, types.KeyCapacityInShortfall, &inShortfall); err == nil && ok {
			persisted.InShortfall = inShortfall
		}
	}
	e.mu.Lock()
	e.st.restore(persisted)
	inShortfall := e.st.inShortfall
	e.mu.Unlock()
	e.guard.SetInShortfall(inShortfall)
}

// PersistState snapshots the engine state into the settings store.
func (e *Engine) PersistState(ctx context.Context, store storage.Store) {
	e.mu.Lock()
	snap := e.st.snapshot()
	e.mu.Unlock()
	if err := store.Set(ctx, types.KeyEngineState, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist engine state", slog.Any("error", err))
	}
	if err := store.Set(ctx, types.KeyCapacityInShortfall, snap.InShortfall); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist shortfall flag", slog.Any("error", err))
	}
}
