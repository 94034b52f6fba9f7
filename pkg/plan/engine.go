package plan

import (
	"sync"
	"time"

	"github.com/pelshome/pels/pkg/guard"
	"github.com/pelshome/pels/pkg/types"
)

// Tunables for the restore/swap hysteresis.
const (
	// RestoreCooldown is both the minimum shed duration and the per-device
	// restore rate limit.
	RestoreCooldown = 60 * time.Second
	// RestoreMarginKW is the headroom buffer required on top of a device's
	// expected draw before it may be restored.
	RestoreMarginKW = 0.5
	// SwapSettle is how long a swap stays pending before it is abandoned.
	SwapSettle = 60 * time.Second

	// Shed temperatures are clamped to this window before quantising.
	ShedTempMinC = -50
	ShedTempMaxC = 50
	// defaultTargetStep quantises thermostat targets when the device doesn't
	// declare a step.
	defaultTargetStep = 0.5
)

// Engine owns the plan-engine state: the shed/restore timestamp maps, the
// swap bookkeeping, and the budget/shortfall flags. Building is a pure
// computation over a BuilderContext plus this state; applying goes through an
// ExecutorContext.
type Engine struct {
	mu    sync.Mutex
	st    state
	guard *guard.Guard

	lastPlan *types.DevicePlan

	now func() time.Time
}

// NewEngine creates an engine bound to the given guard.
func NewEngine(g *guard.Guard) *Engine {
	return &Engine{
		st:    newState(),
		guard: g,
		now:   time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(fn func() time.Time) { e.now = fn }

// Guard returns the capacity guard the engine drives.
func (e *Engine) Guard() *guard.Guard { return e.guard }

// LastPlan returns the most recently built plan, or nil.
func (e *Engine) LastPlan() *types.DevicePlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPlan
}

// SoftLimitOverride is installed into the guard: it returns the dynamic soft
// limit whenever the last plan tightened it below the capacity soft limit.
func (e *Engine) SoftLimitOverride() *float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastPlan == nil {
		return nil
	}
	meta := e.lastPlan.Meta
	if meta.SoftLimitKW < meta.CapacitySoftLimitKW {
		v := meta.SoftLimitKW
		return &v
	}
	return nil
}

// HourlyBudgetExhausted reports the engine's budget flag.
func (e *Engine) HourlyBudgetExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.hourlyBudgetExhausted
}
