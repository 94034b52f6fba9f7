package guard

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pelshome/pels/pkg/log"
)

const (
	// ClearMarginKW is how far measured power must stay below the shortfall
	// threshold before the latch may clear.
	ClearMarginKW = 0.2
	// ClearSustain is how long the margin must hold. Any dip resets the timer.
	ClearSustain = 60 * time.Second
)

// Guard holds the contract limit arithmetic and the shedding/shortfall
// latches. Shedding is policy, shortfall is signalling: tightening the soft
// limit can throttle devices without raising alarms.
type Guard struct {
	mu sync.Mutex

	limitKW         float64
	softMarginKW    float64
	restoreMarginKW float64
	mainPowerKW     *float64

	sheddingActive      bool
	inShortfall         bool
	shortfallClearStart *time.Time

	// optional providers installed by the plan engine
	softLimitOverride  func() *float64
	shortfallThreshold func() float64

	onSheddingStart    func(ctx context.Context)
	onSheddingEnd      func(ctx context.Context)
	onShortfall        func(ctx context.Context, deficitKW float64)
	onShortfallCleared func(ctx context.Context)

	now func() time.Time
}

// New creates a Guard with the given contract limit and margins.
func New(limitKW, softMarginKW, restoreMarginKW float64) *Guard {
	return &Guard{
		limitKW:         limitKW,
		softMarginKW:    softMarginKW,
		restoreMarginKW: restoreMarginKW,
		now:             time.Now,
	}
}

// SetLimits updates the contract limit and margins.
func (g *Guard) SetLimits(limitKW, softMarginKW, restoreMarginKW float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limitKW = limitKW
	g.softMarginKW = softMarginKW
	g.restoreMarginKW = restoreMarginKW
}

// SetSoftLimitOverride installs a provider used when a tighter limit (e.g. the
// daily budget) should replace the capacity soft limit.
func (g *Guard) SetSoftLimitOverride(fn func() *float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.softLimitOverride = fn
}

// SetShortfallThreshold installs the panic-threshold provider. It defaults to
// the contract limit.
func (g *Guard) SetShortfallThreshold(fn func() float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shortfallThreshold = fn
}

// OnSheddingStart registers the rising-edge shedding callback.
func (g *Guard) OnSheddingStart(fn func(ctx context.Context)) { g.onSheddingStart = fn }

// OnSheddingEnd registers the falling-edge shedding callback.
func (g *Guard) OnSheddingEnd(fn func(ctx context.Context)) { g.onSheddingEnd = fn }

// OnShortfall registers the shortfall-latched callback.
func (g *Guard) OnShortfall(fn func(ctx context.Context, deficitKW float64)) { g.onShortfall = fn }

// OnShortfallCleared registers the shortfall-cleared callback.
func (g *Guard) OnShortfallCleared(fn func(ctx context.Context)) { g.onShortfallCleared = fn }

// SetNowFunc overrides the clock, for tests.
func (g *Guard) SetNowFunc(fn func() time.Time) { g.now = fn }

// ReportTotalPower stores the latest whole-house power sample if finite.
func (g *Guard) ReportTotalPower(kw float64) {
	if math.IsNaN(kw) || math.IsInf(kw, 0) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mainPowerKW = &kw
}

// MainPowerKW returns the last reported whole-house power, or nil.
func (g *Guard) MainPowerKW() *float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mainPowerKW
}

// LimitKW returns the contract limit.
func (g *Guard) LimitKW() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limitKW
}

// RestoreMarginKW returns the restore hysteresis margin.
func (g *Guard) RestoreMarginKW() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.restoreMarginKW
}

// CapacitySoftLimit returns the capacity-derived soft limit, ignoring any
// override.
func (g *Guard) CapacitySoftLimit() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacitySoftLimitLocked()
}

func (g *Guard) capacitySoftLimitLocked() float64 {
	return math.Max(0, g.limitKW-g.softMarginKW)
}

// SoftLimit returns the effective working limit: the installed override when
// set, otherwise the capacity soft limit.
func (g *Guard) SoftLimit() float64 {
	g.mu.Lock()
	override := g.softLimitOverride
	g.mu.Unlock()
	if override != nil {
		if v := override(); v != nil {
			return *v
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacitySoftLimitLocked()
}

// Headroom returns soft limit minus measured power, or nil if no sample has
// been reported yet.
func (g *Guard) Headroom() *float64 {
	soft := g.SoftLimit()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mainPowerKW == nil {
		return nil
	}
	h := soft - *g.mainPowerKW
	return &h
}

// SheddingActive reports whether the shedding latch is on.
func (g *Guard) SheddingActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sheddingActive
}

// InShortfall reports whether the shortfall latch is on.
func (g *Guard) InShortfall() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inShortfall
}

// SetInShortfall force-sets the shortfall latch, used when re-hydrating
// persisted state at boot. No callbacks fire.
func (g *Guard) SetInShortfall(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inShortfall = v
	g.shortfallClearStart = nil
}

// SetSheddingActive updates the shedding latch, firing the edge callbacks.
func (g *Guard) SetSheddingActive(ctx context.Context, active bool) {
	g.mu.Lock()
	was := g.sheddingActive
	g.sheddingActive = active
	start := g.onSheddingStart
	end := g.onSheddingEnd
	g.mu.Unlock()

	if active && !was {
		log.Ctx(ctx).InfoContext(ctx, "shedding started")
		if start != nil {
			start(ctx)
		}
	} else if !active && was {
		log.Ctx(ctx).InfoContext(ctx, "shedding ended")
		if end != nil {
			end(ctx)
		}
	}
}

func (g *Guard) thresholdLocked() float64 {
	if g.shortfallThreshold != nil {
		return g.shortfallThreshold()
	}
	return g.limitKW
}

// CheckShortfall evaluates the shortfall latch. It may only latch when
// measured power exceeds the hard threshold and there are no further shed
// candidates. Clearing requires a sustained margin below the threshold.
func (g *Guard) CheckShortfall(ctx context.Context, hasCandidates bool, deficitKW float64) {
	g.mu.Lock()
	threshold := g.thresholdLocked()
	power := g.mainPowerKW
	latched := g.inShortfall
	now := g.now()

	if !latched {
		if power != nil && *power > threshold && !hasCandidates {
			g.inShortfall = true
			g.shortfallClearStart = nil
			fire := g.onShortfall
			g.mu.Unlock()
			log.Ctx(ctx).WarnContext(ctx, "capacity shortfall",
				slog.Float64("powerKw", *power),
				slog.Float64("thresholdKw", threshold),
				slog.Float64("deficitKw", deficitKW),
			)
			if fire != nil {
				fire(ctx, deficitKW)
			}
			return
		}
		g.mu.Unlock()
		return
	}

	// latched: look for a sustained clear
	if power == nil || threshold-*power < ClearMarginKW {
		// dipped back under the margin, restart the timer
		g.shortfallClearStart = nil
		g.mu.Unlock()
		return
	}
	if g.shortfallClearStart == nil {
		g.shortfallClearStart = &now
		g.mu.Unlock()
		return
	}
	if now.Sub(*g.shortfallClearStart) < ClearSustain {
		g.mu.Unlock()
		return
	}
	g.inShortfall = false
	g.shortfallClearStart = nil
	fire := g.onShortfallCleared
	g.mu.Unlock()
	log.Ctx(ctx).InfoContext(ctx, "capacity shortfall cleared",
		slog.Float64("powerKw", *power),
		slog.Float64("thresholdKw", threshold),
	)
	if fire != nil {
		fire(ctx)
	}
}
