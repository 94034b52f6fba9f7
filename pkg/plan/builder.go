package plan

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// buildContext carries the per-cycle figures derived in phase A between the
// builder phases.
type buildContext struct {
	now         time.Time
	settings    types.Settings
	mode        string
	total       *float64
	capSoft     float64
	soft        float64
	dailySoft   *float64
	source      types.SoftLimitSource
	exhausted   bool
	usedKWH     float64
	budgetKWH   float64
	minutes     int
	headroomRaw *float64
	needKW      float64
	db          *types.DailyBudgetSnapshot
	level       types.PriceLevel
}

// Build produces the next device plan. It is a pure computation over the
// context snapshot plus the engine's hysteresis state; it never fails, and
// malformed settings fall back to defaults.
func (e *Engine) Build(bctx BuilderContext) types.DevicePlan {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings := bctx.Settings()
	settings.Normalize()

	now := bctx.Now()
	devices := bctx.Devices()

	e.expireSwapsLocked(now, devices)

	// Phase A: plan-wide context.
	bc := e.phaseContext(bctx, settings, now)

	// Phase B: fresh shedding by priority.
	fresh, held := e.phaseShed(bc, devices)

	// Phase C: initial per-device rows.
	rows := e.phaseRows(bc, devices, fresh, held)

	// Phase D/E: restore planning, swaps, and hold reasons.
	e.phaseRestore(bc, devices, rows, fresh, held)

	// Phase F: finalise.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority < rows[j].Priority
		}
		return rows[i].Name < rows[j].Name
	})

	e.st.lastPlannedShed = make(map[string]struct{})
	for _, r := range rows {
		if r.PlannedState == types.PlannedShed {
			e.st.lastPlannedShed[r.ID] = struct{}{}
		}
	}
	if len(fresh) > 0 {
		e.st.lastShedding = now
	}
	if bc.needKW > 0 {
		e.st.lastOvershoot = now
	}
	e.st.hourlyBudgetExhausted = bc.exhausted
	e.st.inShortfall = e.guard.InShortfall()

	plan := types.DevicePlan{
		GeneratedAt: now,
		Mode:        bc.mode,
		Meta:        e.buildMeta(bc, devices),
		Devices:     rows,
	}
	e.lastPlan = &plan
	return plan
}

func (e *Engine) phaseContext(bctx BuilderContext, settings types.Settings, now time.Time) *buildContext {
	bc := &buildContext{
		now:      now,
		settings: settings,
		mode:     settings.OperatingMode,
		total:    bctx.TotalPowerKW(),
		capSoft:  math.Max(0, settings.LimitKW-settings.MarginKW),
		db:       bctx.DailyBudget(),
		level:    bctx.PriceLevel(),
		usedKWH:  bctx.UsedThisHourKWH(),
		source:   types.SoftLimitCapacity,
	}

	bc.minutes = bctx.MinutesRemainingInHour()
	if bc.minutes < 1 {
		bc.minutes = 1
	}

	// the hour's energy budget: the daily model's allowance when present,
	// otherwise the capacity soft limit held for a full hour
	bc.budgetKWH = bc.capSoft
	if bc.db != nil && bc.db.HourlyAllowanceKWH > 0 {
		bc.budgetKWH = bc.db.HourlyAllowanceKWH
	}

	bc.soft = bc.capSoft
	if bc.db != nil && bc.db.SoftLimitKW != nil && *bc.db.SoftLimitKW < bc.capSoft {
		bc.dailySoft = bc.db.SoftLimitKW
		bc.soft = *bc.db.SoftLimitKW
		bc.source = types.SoftLimitDaily
		if bc.db.SoftLimitSource == types.SoftLimitBoth {
			bc.source = types.SoftLimitBoth
		}
	} else if bc.budgetKWH > 0 && bc.usedKWH >= bc.budgetKWH {
		// hour's budget already burned: throttle to what is left, spread over
		// the remaining minutes
		bc.exhausted = true
		remaining := math.Max(0, bc.budgetKWH-bc.usedKWH)
		throttled := remaining * 60 / float64(bc.minutes)
		if throttled < bc.soft {
			bc.soft = throttled
		}
	}

	if bc.total != nil {
		h := bc.soft - *bc.total
		bc.headroomRaw = &h
	}

	if bc.headroomRaw != nil && *bc.headroomRaw < 0 {
		bc.needKW = -*bc.headroomRaw
		if bctx.SheddingActive() {
			bc.needKW += bctx.RestoreMarginKW()
		}
	}
	return bc
}

// liveKW is a device's current contribution: measured when available,
// otherwise expected while on, zero while known off.
func liveKW(d types.Device) float64 {
	if d.MeasuredPowerKW != nil {
		return *d.MeasuredPowerKW
	}
	if d.CurrentOn != nil && !*d.CurrentOn {
		return 0
	}
	return d.ExpectedPowerKW
}

func isOff(d types.Device) bool {
	return d.CurrentOn != nil && !*d.CurrentOn
}

func shedCandidate(d types.Device) bool {
	return d.Controllable && d.Managed && d.Available
}

// phaseShed accumulates fresh sheds (lowest priority first) until the deficit
// plus hysteresis is covered. Devices already held shed from the previous plan
// stay shed without contributing to the accumulation.
func (e *Engine) phaseShed(bc *buildContext, devices []types.Device) (fresh, held map[string]struct{}) {
	fresh = make(map[string]struct{})
	held = make(map[string]struct{})

	for _, d := range devices {
		if !shedCandidate(d) {
			continue
		}
		if _, was := e.st.lastPlannedShed[d.ID]; was {
			behavior := e.shedBehavior(bc.settings, d)
			if isOff(d) || behavior.Action == types.ShedSetTemperature {
				held[d.ID] = struct{}{}
			}
		}
	}

	if bc.needKW <= 0 {
		return fresh, held
	}

	candidates := make([]types.Device, 0, len(devices))
	for _, d := range devices {
		if !shedCandidate(d) || isOff(d) {
			continue
		}
		if _, ok := held[d.ID]; ok {
			continue
		}
		candidates = append(candidates, d)
	}
	// least important first: highest priority number, ties by name
	sort.SliceStable(candidates, func(i, j int) bool {
		pi := bc.settings.Priority(bc.mode, candidates[i].ID)
		pj := bc.settings.Priority(bc.mode, candidates[j].ID)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].Name < candidates[j].Name
	})

	var accumulated float64
	for _, d := range candidates {
		fresh[d.ID] = struct{}{}
		e.st.lastDeviceShed[d.ID] = bc.now
		accumulated += liveKW(d)
		if accumulated >= bc.needKW {
			break
		}
	}
	return fresh, held
}

// shedBehavior resolves the configured overshoot behavior with a sane default
// per device class.
func (e *Engine) shedBehavior(settings types.Settings, d types.Device) types.ShedBehavior {
	if b, ok := settings.OvershootBehaviors[d.ID]; ok {
		return b
	}
	if d.HasOnOff {
		return types.ShedBehavior{Action: types.ShedTurnOff}
	}
	temp := float64(ShedTempMinC)
	if d.TargetMin != nil {
		temp = *d.TargetMin
	}
	return types.ShedBehavior{Action: types.ShedSetTemperature, Temperature: temp}
}

func (e *Engine) phaseRows(bc *buildContext, devices []types.Device, fresh, held map[string]struct{}) []types.PlanDevice {
	rows := make([]types.PlanDevice, 0, len(devices))
	for _, d := range devices {
		row := types.PlanDevice{
			ID:              d.ID,
			Name:            d.Name,
			Priority:        bc.settings.Priority(bc.mode, d.ID),
			CurrentState:    currentState(d),
			CurrentTarget:   d.CurrentTarget,
			PlannedState:    types.PlannedKeep,
			PowerKW:         liveKW(d),
			ExpectedPowerKW: d.ExpectedPowerKW,
			MeasuredPowerKW: d.MeasuredPowerKW,
			Controllable:    d.Controllable,
			Managed:         d.Managed,
		}

		switch {
		case !d.Controllable:
			row.PlannedTarget = d.CurrentTarget
			row.Reason = "not controllable"
		case !d.Managed:
			row.PlannedTarget = d.CurrentTarget
			row.Reason = "not managed"
		case !d.Available:
			row.PlannedTarget = d.CurrentTarget
			row.Reason = "unavailable"
		default:
			_, isFresh := fresh[d.ID]
			_, isHeld := held[d.ID]
			if isFresh || isHeld {
				e.fillShedRow(bc, d, &row)
			} else {
				e.fillKeepRow(bc, d, &row)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func (e *Engine) fillShedRow(bc *buildContext, d types.Device, row *types.PlanDevice) {
	row.PlannedState = types.PlannedShed
	behavior := e.shedBehavior(bc.settings, d)
	row.ShedAction = behavior.Action
	if behavior.Action == types.ShedSetTemperature {
		temp := quantiseTarget(d, clampShedTemp(behavior.Temperature))
		row.ShedTemperature = &temp
		row.PlannedTarget = &temp
	}
	row.Reason = e.shedReason(bc, d.ID)
}

func (e *Engine) fillKeepRow(bc *buildContext, d types.Device, row *types.PlanDevice) {
	if !d.HasTarget {
		return
	}
	target, ok := bc.settings.ModeTarget(bc.mode, d.ID)
	if !ok {
		if d.CurrentTarget == nil {
			return
		}
		target = *d.CurrentTarget
	}

	// price shaping: a monotone offset per level
	if bc.settings.PriceOptimizationEnabled {
		if opt, ok := bc.settings.PriceOptimizationSettings[d.ID]; ok && opt.Enabled {
			switch bc.level {
			case types.PriceCheap:
				target += opt.CheapDelta
			case types.PriceExpensive:
				target += opt.ExpensiveDelta
			}
		}
	}

	if d.TargetMin != nil && target < *d.TargetMin {
		target = *d.TargetMin
	}
	if d.TargetMax != nil && target > *d.TargetMax {
		target = *d.TargetMax
	}
	target = quantiseTarget(d, target)
	row.PlannedTarget = &target
}

// shedReason picks the row reason in the documented precedence order.
func (e *Engine) shedReason(bc *buildContext, id string) string {
	if e.guard.InShortfall() {
		return e.shortfallReason(bc)
	}
	if _, ok := e.st.pendingSwaps[id]; ok {
		return "swap pending"
	}
	if target, ok := e.st.swappedOutFor[id]; ok {
		return fmt.Sprintf("swapped out for %s", target)
	}
	if bc.exhausted {
		return "hourly budget exhausted"
	}
	if bc.db != nil && bc.db.Exceeded {
		return "daily budget exceeded"
	}
	return "shed due to capacity"
}

func (e *Engine) shortfallReason(bc *buildContext) string {
	headroom := 0.0
	if bc.headroomRaw != nil {
		headroom = *bc.headroomRaw
	}
	return fmt.Sprintf("shortfall (need %.1f kW, headroom %.1f kW)", bc.needKW, headroom)
}

// holdReason annotates a held device that could not be restored this cycle.
func (e *Engine) holdReason(bc *buildContext) string {
	switch {
	case bc.source == types.SoftLimitDaily || bc.source == types.SoftLimitBoth:
		return "daily budget"
	case bc.exhausted:
		return "hourly budget exhausted"
	case e.guard.InShortfall():
		return e.shortfallReason(bc)
	default:
		return "shed due to capacity"
	}
}

// phaseRestore considers at most one restore per cycle among the held
// devices, most important first, and attempts a swap when a restore fails
// purely on headroom.
func (e *Engine) phaseRestore(bc *buildContext, devices []types.Device, rows []types.PlanDevice, fresh, held map[string]struct{}) {
	if len(held) == 0 {
		return
	}

	rowByID := make(map[string]*types.PlanDevice, len(rows))
	for i := range rows {
		rowByID[rows[i].ID] = &rows[i]
	}
	deviceByID := make(map[string]types.Device, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}

	heldIDs := make([]string, 0, len(held))
	for id := range held {
		heldIDs = append(heldIDs, id)
	}
	// most important first
	sort.Slice(heldIDs, func(i, j int) bool {
		pi, pj := rowByID[heldIDs[i]].Priority, rowByID[heldIDs[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return rowByID[heldIDs[i]].Name < rowByID[heldIDs[j]].Name
	})

	// no restores while over the limit or before the first sample
	overshooting := bc.needKW > 0 || bc.headroomRaw == nil
	avail := 0.0
	if bc.headroomRaw != nil {
		avail = *bc.headroomRaw
	}

	restored := false
	for _, id := range heldIDs {
		row := rowByID[id]
		d := deviceByID[id]

		if _, pending := e.st.pendingSwaps[id]; pending {
			row.Reason = "swap pending"
			continue
		}
		if overshooting {
			row.Reason = e.holdReason(bc)
			continue
		}
		if remain := RestoreCooldown - bc.now.Sub(e.st.lastDeviceShed[id]); e.stampValid(e.st.lastDeviceShed[id]) && remain > 0 {
			row.Reason = fmt.Sprintf("cooldown (shedding, %ds remaining)", int(remain.Seconds()))
			continue
		}
		if remain := RestoreCooldown - bc.now.Sub(e.st.lastDeviceRestore[id]); e.stampValid(e.st.lastDeviceRestore[id]) && remain > 0 {
			row.Reason = fmt.Sprintf("cooldown (restore, %ds remaining)", int(remain.Seconds()))
			continue
		}
		if restored {
			row.Reason = "restore throttled"
			continue
		}

		buffer := d.ExpectedPowerKW + RestoreMarginKW
		if avail >= buffer {
			e.restoreRow(bc, d, row)
			avail -= buffer
			restored = true
			continue
		}

		// not enough headroom: swap with a less important keep device
		if peer := e.findSwapPeer(bc, rows, fresh, held, row.Priority, avail, buffer); peer != nil {
			peerDevice := deviceByID[peer.ID]
			peer.PlannedState = types.PlannedShed
			behavior := e.shedBehavior(bc.settings, peerDevice)
			peer.ShedAction = behavior.Action
			if behavior.Action == types.ShedSetTemperature {
				temp := quantiseTarget(peerDevice, clampShedTemp(behavior.Temperature))
				peer.ShedTemperature = &temp
				peer.PlannedTarget = &temp
			} else {
				peer.PlannedTarget = nil
			}
			peer.Reason = fmt.Sprintf("swapped out for %s", id)
			e.st.swappedOutFor[peer.ID] = id
			e.st.lastDeviceShed[peer.ID] = bc.now

			e.restoreRow(bc, d, row)
			e.st.pendingSwaps[id] = bc.now
			avail += liveKW(peerDevice) - buffer
			restored = true
			continue
		}

		row.Reason = e.holdReason(bc)
	}
}

func (e *Engine) restoreRow(bc *buildContext, d types.Device, row *types.PlanDevice) {
	row.PlannedState = types.PlannedKeep
	row.ShedAction = ""
	row.ShedTemperature = nil
	row.PlannedTarget = nil
	row.Reason = "restoring"
	e.fillKeepRow(bc, d, row)
	e.st.lastDeviceRestore[d.ID] = bc.now
	e.st.lastRestore = bc.now
}

// findSwapPeer picks the least important keep device that is on, less
// important than the restore candidate, and whose draw would cover the
// missing headroom.
func (e *Engine) findSwapPeer(bc *buildContext, rows []types.PlanDevice, fresh, held map[string]struct{}, priority int, avail, buffer float64) *types.PlanDevice {
	var best *types.PlanDevice
	for i := range rows {
		r := &rows[i]
		if r.PlannedState != types.PlannedKeep || !r.Controllable || !r.Managed {
			continue
		}
		if r.Priority <= priority {
			continue
		}
		if _, ok := held[r.ID]; ok {
			continue
		}
		if r.CurrentState != types.StateOn {
			continue
		}
		if avail+r.PowerKW < buffer {
			continue
		}
		if best == nil || r.Priority > best.Priority || (r.Priority == best.Priority && r.Name > best.Name) {
			best = r
		}
	}
	return best
}

func (e *Engine) buildMeta(bc *buildContext, devices []types.Device) types.PlanMeta {
	var controlled float64
	for _, d := range devices {
		if d.Controllable && d.Managed {
			controlled += liveKW(d)
		}
	}
	var uncontrolled float64
	if bc.total != nil {
		uncontrolled = math.Max(0, *bc.total-controlled)
	}

	meta := types.PlanMeta{
		TotalKW:               bc.total,
		SoftLimitKW:           bc.soft,
		CapacitySoftLimitKW:   bc.capSoft,
		DailySoftLimitKW:      bc.dailySoft,
		SoftLimitSource:       bc.source,
		HeadroomKW:            bc.headroomRaw,
		UsedKWH:               bc.usedKWH,
		BudgetKWH:             bc.budgetKWH,
		HourlyBudgetExhausted: bc.exhausted,
		ControlledKW:          controlled,
		UncontrolledKW:        uncontrolled,
		MinutesRemaining:      bc.minutes,
	}
	if bc.db != nil {
		if bc.db.HourlyAllowanceKWH > 0 {
			allowance := bc.db.HourlyAllowanceKWH
			meta.DailyBudgetHourKWH = &allowance
		}
		remaining := bc.db.DailyRemainingKWH
		meta.DailyBudgetRemainingKWH = &remaining
		exceeded := bc.db.Exceeded
		meta.DailyBudgetExceeded = &exceeded
	}
	return meta
}

// expireSwapsLocked clears pending swaps that were observed settled (the
// restored device is back on) or that timed out.
func (e *Engine) expireSwapsLocked(now time.Time, devices []types.Device) {
	if len(e.st.pendingSwaps) == 0 {
		return
	}
	deviceByID := make(map[string]types.Device, len(devices))
	for _, d := range devices {
		deviceByID[d.ID] = d
	}
	for id, started := range e.st.pendingSwaps {
		settled := false
		if d, ok := deviceByID[id]; ok && d.CurrentOn != nil && *d.CurrentOn {
			settled = true
		}
		if settled || now.Sub(started) >= SwapSettle {
			delete(e.st.pendingSwaps, id)
			for peer, target := range e.st.swappedOutFor {
				if target == id {
					delete(e.st.swappedOutFor, peer)
				}
			}
		}
	}
}

func (e *Engine) stampValid(t time.Time) bool { return !t.IsZero() }

func currentState(d types.Device) types.DeviceState {
	if !d.HasOnOff {
		return types.StateNotApplicable
	}
	if d.CurrentOn == nil {
		return types.StateUnknown
	}
	if *d.CurrentOn {
		return types.StateOn
	}
	return types.StateOff
}

func clampShedTemp(t float64) float64 {
	if math.IsNaN(t) {
		return ShedTempMinC
	}
	return math.Min(ShedTempMaxC, math.Max(ShedTempMinC, t))
}

// quantiseTarget rounds a target to the device's declared step, defaulting to
// half degrees.
func quantiseTarget(d types.Device, t float64) float64 {
	step := defaultTargetStep
	if d.TargetStep != nil && *d.TargetStep > 0 {
		step = *d.TargetStep
	}
	return math.Round(t/step) * step
}
