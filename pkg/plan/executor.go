package plan

import (
	"context"
	"log/slog"
	"math"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/types"
)

// targetEpsilon is the tolerance when comparing thermostat targets.
const targetEpsilon = 0.01

// ApplyResult summarises one execution pass.
type ApplyResult struct {
	ShedCount    int
	RestoreCount int
	WriteCount   int
	FailedIDs    []string
}

// Apply drives the fleet toward the plan: turn-off sheds first, then
// temperature sheds, then restores. Each device write failure is isolated;
// the failing device is marked unavailable and the pass continues. The guard
// latches are always advanced, even in dry-run.
func (e *Engine) Apply(ctx context.Context, ectx ExecutorContext, p types.DevicePlan) ApplyResult {
	var res ApplyResult

	apply := func(row types.PlanDevice, capability string, value any, mutate func(*types.Device)) bool {
		if ectx.DryRun() {
			log.Ctx(ctx).InfoContext(ctx, "dry run, skipping capability write",
				slog.String("device", row.ID),
				slog.String("capability", capability),
				slog.Any("value", value))
			return true
		}
		if err := ectx.SetCapability(ctx, row.ID, capability, value); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "capability write failed",
				slog.String("device", row.ID),
				slog.String("capability", capability),
				slog.Any("error", err))
			ectx.MarkUnavailable(row.ID)
			res.FailedIDs = append(res.FailedIDs, row.ID)
			return false
		}
		res.WriteCount++
		ectx.UpdateLocalDevice(row.ID, mutate)
		return true
	}

	// turn-off sheds release load fastest, they go first
	for _, row := range p.Devices {
		if row.PlannedState != types.PlannedShed || row.ShedAction != types.ShedTurnOff {
			continue
		}
		if row.CurrentState != types.StateOn {
			continue
		}
		apply(row, types.CapabilityOnOff, false, func(d *types.Device) {
			off := false
			d.CurrentOn = &off
		})
	}

	for _, row := range p.Devices {
		if row.PlannedState != types.PlannedShed || row.ShedAction != types.ShedSetTemperature {
			continue
		}
		if row.ShedTemperature == nil || targetsEqual(row.CurrentTarget, row.ShedTemperature) {
			continue
		}
		temp := *row.ShedTemperature
		apply(row, types.CapabilityTargetTemperature, temp, func(d *types.Device) {
			d.CurrentTarget = &temp
		})
	}

	for _, row := range p.Devices {
		if row.PlannedState != types.PlannedKeep {
			continue
		}
		if row.Reason == "restoring" && row.CurrentState == types.StateOff {
			if !apply(row, types.CapabilityOnOff, true, func(d *types.Device) {
				on := true
				d.CurrentOn = &on
			}) {
				continue
			}
			res.RestoreCount++
		}
		if row.PlannedTarget != nil && !targetsEqual(row.CurrentTarget, row.PlannedTarget) {
			target := *row.PlannedTarget
			apply(row, types.CapabilityTargetTemperature, target, func(d *types.Device) {
				d.CurrentTarget = &target
			})
		}
	}

	for _, row := range p.Devices {
		if row.PlannedState == types.PlannedShed {
			res.ShedCount++
		}
	}

	// guard step: the latches advance from what the plan left standing
	e.guard.SetSheddingActive(ctx, res.ShedCount > 0)
	// a keep row that is not already off can still give load back, by turning
	// off or by dropping its target; thermostats report not_applicable, never on
	hasCandidates := false
	for _, row := range p.Devices {
		if row.PlannedState == types.PlannedKeep && row.Controllable && row.Managed && row.CurrentState != types.StateOff {
			hasCandidates = true
			break
		}
	}
	var deficit float64
	if p.Meta.HeadroomKW != nil {
		deficit = math.Max(0, -*p.Meta.HeadroomKW)
	}
	e.guard.CheckShortfall(ctx, hasCandidates, deficit)

	return res
}

func targetsEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return math.Abs(*a-*b) < targetEpsilon
}
