package plan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

// Write throttles for the settings store.
const (
	// DetailSnapshotThrottle caps meta-only plan snapshot writes.
	DetailSnapshotThrottle = 30 * time.Second
	// VolatileWriteThrottle caps status writes that carry no actionable change.
	VolatileWriteThrottle = 60 * time.Second

	rebuildQueueDepth = 16
)

// EventSink receives plan lifecycle events. The websocket hub and the flow
// trigger bridge both implement it.
type EventSink interface {
	PlanUpdated(p types.DevicePlan)
	StatusUpdated(st types.StatusPayload)
	PriceLevelChanged(level types.PriceLevel)
}

// CycleProvider supplies the per-cycle contexts. The app shell is the single
// implementation; it snapshots devices, settings, tracker and price state
// under its own lock.
type CycleProvider interface {
	BuilderContext() BuilderContext
	ExecutorContext() ExecutorContext
}

// Service serialises plan rebuilds through a single worker goroutine. Every
// trigger (tick, settings change, device change, flow action) enqueues a
// rebuild request; the worker builds, applies, and persists in arrival order
// so no two cycles ever interleave.
type Service struct {
	engine   *Engine
	store    storage.Store
	provider CycleProvider

	mu    sync.Mutex
	sinks []EventSink

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup

	// write-throttle state, only touched by the worker
	lastActionSig   string
	lastDetailSig   string
	lastMetaSig     string
	lastPlanWrite   time.Time
	lastStatusWrite time.Time
	pendingPlan     *types.DevicePlan
	lastLevel       types.PriceLevel
	seenLevel       bool

	now func() time.Time
}

// NewService creates a plan service. Start must be called before Rebuild has
// any effect.
func NewService(engine *Engine, store storage.Store, provider CycleProvider) *Service {
	return &Service{
		engine:   engine,
		store:    store,
		provider: provider,
		queue:    make(chan string, rebuildQueueDepth),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(fn func() time.Time) { s.now = fn }

// AddSink registers an event sink.
func (s *Service) AddSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Service) eachSink(fn func(EventSink)) {
	s.mu.Lock()
	sinks := append([]EventSink{}, s.sinks...)
	s.mu.Unlock()
	for _, sink := range sinks {
		fn(sink)
	}
}

// Rebuild enqueues a rebuild. It never blocks; when the queue is full the
// request is dropped because a queued rebuild will observe the same state.
func (s *Service) Rebuild(reason string) {
	select {
	case s.queue <- reason:
	default:
	}
}

// Start launches the worker goroutine.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop drains the worker and flushes any pending meta-only snapshot.
func (s *Service) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	flush := time.NewTicker(5 * time.Second)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushPending(context.WithoutCancel(ctx))
			return
		case <-s.done:
			s.flushPending(context.WithoutCancel(ctx))
			return
		case reason := <-s.queue:
			s.runCycle(ctx, reason)
		case <-flush.C:
			if s.pendingPlan != nil && s.now().Sub(s.lastPlanWrite) >= DetailSnapshotThrottle {
				s.flushPending(ctx)
			}
		}
	}
}

func (s *Service) runCycle(ctx context.Context, reason string) {
	start := time.Now()
	bctx := s.provider.BuilderContext()
	ectx := s.provider.ExecutorContext()

	p := s.engine.Build(bctx)
	res := s.engine.Apply(ctx, ectx, p)

	log.Ctx(ctx).DebugContext(ctx, "plan cycle",
		slog.String("reason", reason),
		slog.Int("shed", res.ShedCount),
		slog.Int("writes", res.WriteCount),
		slog.Duration("took", time.Since(start)))

	rounded := roundPlan(p)
	actionSig := actionSignature(rounded)
	detailSig := detailSignature(rounded)
	metaSig := metaSignature(rounded.Meta)

	now := s.now()
	actionChanged := actionSig != s.lastActionSig
	detailChanged := detailSig != s.lastDetailSig

	switch {
	case actionChanged || detailChanged:
		s.writePlan(ctx, rounded, now)
	case metaSig != s.lastMetaSig:
		if now.Sub(s.lastPlanWrite) >= DetailSnapshotThrottle {
			s.writePlan(ctx, rounded, now)
		} else {
			// coalesce; the flush ticker or shutdown writes the latest
			s.pendingPlan = &rounded
		}
	}
	s.lastActionSig = actionSig
	s.lastDetailSig = detailSig
	s.lastMetaSig = metaSig

	status := s.statusPayload(rounded, bctx, ectx, res)
	if actionChanged || s.lastStatusWrite.IsZero() || now.Sub(s.lastStatusWrite) >= VolatileWriteThrottle {
		s.writeStatus(ctx, status, now)
	}

	level := bctx.PriceLevel()
	if !s.seenLevel || level != s.lastLevel {
		if s.seenLevel {
			s.eachSink(func(sink EventSink) { sink.PriceLevelChanged(level) })
		}
		s.lastLevel = level
		s.seenLevel = true
	}
}

func (s *Service) writePlan(ctx context.Context, p types.DevicePlan, now time.Time) {
	if err := s.store.Set(ctx, types.KeyDevicePlanSnapshot, p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write plan snapshot", slog.Any("error", err))
	}
	s.lastPlanWrite = now
	s.pendingPlan = nil
	s.eachSink(func(sink EventSink) { sink.PlanUpdated(p) })
}

func (s *Service) writeStatus(ctx context.Context, st types.StatusPayload, now time.Time) {
	if err := s.store.Set(ctx, types.KeyStatus, st); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write status", slog.Any("error", err))
	}
	s.lastStatusWrite = now
	s.eachSink(func(sink EventSink) { sink.StatusUpdated(st) })
}

func (s *Service) flushPending(ctx context.Context) {
	if s.pendingPlan == nil {
		return
	}
	s.writePlan(ctx, *s.pendingPlan, s.now())
}

func (s *Service) statusPayload(p types.DevicePlan, bctx BuilderContext, ectx ExecutorContext, res ApplyResult) types.StatusPayload {
	meta := p.Meta
	return types.StatusPayload{
		UpdatedAt:        p.GeneratedAt,
		Mode:             p.Mode,
		TotalKW:          meta.TotalKW,
		SoftLimitKW:      meta.SoftLimitKW,
		HeadroomKW:       meta.HeadroomKW,
		SoftLimitSource:  meta.SoftLimitSource,
		LimitReason:      limitReason(meta),
		UsedKWH:          meta.UsedKWH,
		BudgetKWH:        meta.BudgetKWH,
		MinutesRemaining: meta.MinutesRemaining,
		SheddingActive:   s.engine.Guard().SheddingActive(),
		InShortfall:      s.engine.Guard().InShortfall(),
		ShedCount:        res.ShedCount,
		DeviceCount:      len(p.Devices),
		PriceLevel:       bctx.PriceLevel(),
		DryRun:           ectx.DryRun(),
	}
}

func limitReason(meta types.PlanMeta) types.LimitReason {
	daily := meta.SoftLimitSource == types.SoftLimitDaily || meta.SoftLimitSource == types.SoftLimitBoth
	switch {
	case meta.HourlyBudgetExhausted && daily:
		return types.LimitReasonBoth
	case meta.SoftLimitSource == types.SoftLimitBoth:
		return types.LimitReasonBoth
	case daily:
		return types.LimitReasonDaily
	case meta.HourlyBudgetExhausted:
		return types.LimitReasonHourly
	default:
		return types.LimitReasonNone
	}
}

// roundPlan rounds the UI-facing numbers in one place so the signature diffing
// and the persisted snapshot always agree: power to 0.1 kW, energy to
// 0.01 kWh, minutes floored at zero.
func roundPlan(p types.DevicePlan) types.DevicePlan {
	out := p
	out.Meta.TotalKW = roundKWPtr(p.Meta.TotalKW)
	out.Meta.SoftLimitKW = roundKW(p.Meta.SoftLimitKW)
	out.Meta.CapacitySoftLimitKW = roundKW(p.Meta.CapacitySoftLimitKW)
	out.Meta.DailySoftLimitKW = roundKWPtr(p.Meta.DailySoftLimitKW)
	out.Meta.HeadroomKW = roundKWPtr(p.Meta.HeadroomKW)
	out.Meta.UsedKWH = roundKWH(p.Meta.UsedKWH)
	out.Meta.BudgetKWH = roundKWH(p.Meta.BudgetKWH)
	out.Meta.DailyBudgetHourKWH = roundKWHPtr(p.Meta.DailyBudgetHourKWH)
	out.Meta.DailyBudgetRemainingKWH = roundKWHPtr(p.Meta.DailyBudgetRemainingKWH)
	out.Meta.ControlledKW = roundKW(p.Meta.ControlledKW)
	out.Meta.UncontrolledKW = roundKW(p.Meta.UncontrolledKW)
	if out.Meta.MinutesRemaining < 0 {
		out.Meta.MinutesRemaining = 0
	}
	out.Devices = make([]types.PlanDevice, len(p.Devices))
	for i, d := range p.Devices {
		d.PowerKW = roundKW(d.PowerKW)
		d.ExpectedPowerKW = roundKW(d.ExpectedPowerKW)
		d.MeasuredPowerKW = roundKWPtr(d.MeasuredPowerKW)
		out.Devices[i] = d
	}
	return out
}

func roundKW(v float64) float64  { return math.Round(v*10) / 10 }
func roundKWH(v float64) float64 { return math.Round(v*100) / 100 }

func roundKWPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := roundKW(*v)
	return &r
}

func roundKWHPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := roundKWH(*v)
	return &r
}

// actionSignature covers the fields whose change means the fleet is being
// actuated differently.
func actionSignature(p types.DevicePlan) string {
	var b strings.Builder
	for _, d := range p.Devices {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%t;", d.ID, d.PlannedState, fmtPtr(d.PlannedTarget), d.ShedAction, d.Controllable)
	}
	return b.String()
}

// detailSignature adds the display fields a UI row renders.
func detailSignature(p types.DevicePlan) string {
	var b strings.Builder
	for _, d := range p.Devices {
		fmt.Fprintf(&b, "%s|%d|%s|%s|%s;", d.ID, d.Priority, d.CurrentState, fmtPtr(d.CurrentTarget), d.Reason)
	}
	return b.String()
}

func metaSignature(m types.PlanMeta) string {
	return fmt.Sprintf("%s|%.1f|%.1f|%s|%s|%s|%.2f|%.2f|%t|%.1f|%.1f|%d",
		fmtPtr(m.TotalKW), m.SoftLimitKW, m.CapacitySoftLimitKW, fmtPtr(m.DailySoftLimitKW),
		m.SoftLimitSource, fmtPtr(m.HeadroomKW), m.UsedKWH, m.BudgetKWH,
		m.HourlyBudgetExhausted, m.ControlledKW, m.UncontrolledKW, m.MinutesRemaining)
}

func fmtPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
