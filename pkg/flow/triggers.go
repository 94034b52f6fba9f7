package flow

import (
	"sync"

	"github.com/pelshome/pels/pkg/types"
)

// Triggers fans trigger events out to registered listeners. It also satisfies
// the plan service's event-sink interface so price-level transitions flow
// through without extra wiring.
type Triggers struct {
	mu      sync.Mutex
	onMode  []func(mode string)
	onPrice []func(level types.PriceLevel)
}

// NewTriggers creates an empty trigger fan-out.
func NewTriggers() *Triggers {
	return &Triggers{}
}

// OnOperatingModeChanged registers an operating_mode_changed listener.
func (t *Triggers) OnOperatingModeChanged(fn func(mode string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMode = append(t.onMode, fn)
}

// OnPriceLevelChanged registers a price_level_changed listener.
func (t *Triggers) OnPriceLevelChanged(fn func(level types.PriceLevel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPrice = append(t.onPrice, fn)
}

// OperatingModeChanged fires the operating_mode_changed trigger.
func (t *Triggers) OperatingModeChanged(mode string) {
	t.mu.Lock()
	listeners := append([]func(string){}, t.onMode...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(mode)
	}
}

// PriceLevelChanged fires the price_level_changed trigger. It is also the
// event-sink hook the plan service calls on transitions.
func (t *Triggers) PriceLevelChanged(level types.PriceLevel) {
	t.mu.Lock()
	listeners := append([]func(types.PriceLevel){}, t.onPrice...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(level)
	}
}

// PlanUpdated implements the plan service event sink; triggers don't react to
// plan snapshots.
func (t *Triggers) PlanUpdated(types.DevicePlan) {}

// StatusUpdated implements the plan service event sink.
func (t *Triggers) StatusUpdated(types.StatusPayload) {}
