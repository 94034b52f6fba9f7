// Package app is the shell that wires the capacity controller together: it
// hydrates settings, keeps the device snapshot fresh, feeds the guard and
// tracker, and drives the plan service from the control tick and every other
// trigger source.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/pelshome/pels/pkg/estimator"
	"github.com/pelshome/pels/pkg/flow"
	"github.com/pelshome/pels/pkg/guard"
	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/plan"
	"github.com/pelshome/pels/pkg/sdk"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/tracker"
	"github.com/pelshome/pels/pkg/types"
)

// App owns every long-lived component and the mutable snapshot state.
type App struct {
	store    storage.Store
	client   sdk.Client
	guard    *guard.Guard
	engine   *plan.Engine
	tracker  *tracker.Tracker
	est      *estimator.Estimator
	service  *plan.Service
	triggers *flow.Triggers
	cards    *flow.Cards

	tickInterval time.Duration

	mu       sync.Mutex
	settings types.Settings
	prices   types.CombinedPrices
	infos    map[string]types.DeviceInfo
	devices  map[string]types.Device

	changes     chan string
	stop        chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// New wires the app with the default tick interval, for tests.
func New(store storage.Store, client sdk.Client, tr *tracker.Tracker) *App {
	g := guard.New(types.DefaultLimitKW, types.DefaultMarginKW, plan.RestoreMarginKW)
	a := &App{
		store:        store,
		client:       client,
		guard:        g,
		engine:       plan.NewEngine(g),
		tracker:      tr,
		est:          estimator.New(),
		triggers:     flow.NewTriggers(),
		tickInterval: 10 * time.Second,
		infos:        make(map[string]types.DeviceInfo),
		devices:      make(map[string]types.Device),
		changes:      make(chan string, 64),
		stop:         make(chan struct{}),
	}
	a.service = plan.NewService(a.engine, store, a)
	a.service.AddSink(a.triggers)
	a.cards = flow.NewCards(a, a.triggers)
	g.SetSoftLimitOverride(a.engine.SoftLimitOverride)
	return a
}

// Configured wires the app. It registers the tick-interval flag.
func Configured(store storage.Store, client sdk.Client, tr *tracker.Tracker) *App {
	a := New(store, client, tr)
	tick := lflag.Duration("tick-interval", 10*time.Second, "control cycle interval")
	lflag.Do(func() {
		a.tickInterval = *tick
	})
	return a
}

// Cards returns the flow-card handlers.
func (a *App) Cards() *flow.Cards { return a.cards }

// Triggers returns the flow trigger fan-out.
func (a *App) Triggers() *flow.Triggers { return a.triggers }

// Service returns the plan service.
func (a *App) Service() *plan.Service { return a.service }

// Guard returns the capacity guard.
func (a *App) Guard() *guard.Guard { return a.guard }

// Run hydrates state, starts the loops, and blocks until the context is
// canceled. Shutdown drains the rebuild queue and flushes throttled writes.
func (a *App) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "app")
	if err := a.hydrate(ctx); err != nil {
		return err
	}

	a.unsubscribe = a.store.Subscribe(func(key string) {
		select {
		case a.changes <- key:
		default:
			log.Ctx(ctx).WarnContext(ctx, "settings change dropped, handler backlogged",
				slog.String("key", key))
		}
	})
	a.client.OnPowerSample(a.onPowerSample)
	a.client.OnDeviceChanged(a.onDeviceChanged)

	a.service.Start(ctx)
	a.wg.Add(2)
	go a.changeLoop(ctx)
	go a.tickLoop(ctx)

	a.service.Rebuild("boot")

	<-ctx.Done()
	a.shutdown()
	return nil
}

func (a *App) shutdown() {
	close(a.stop)
	a.wg.Wait()
	a.service.Stop()

	ctx := context.Background()
	a.tracker.Flush(ctx)
	a.engine.PersistState(ctx, a.store)
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if err := a.client.Close(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to close platform client", slog.Any("error", err))
	}
}

func (a *App) hydrate(ctx context.Context) error {
	s := a.loadSettings(ctx)
	var prices types.CombinedPrices
	a.getKey(ctx, types.KeyCombinedPrices, &prices)

	a.mu.Lock()
	a.settings = s
	a.prices = prices
	a.mu.Unlock()
	a.guard.SetLimits(s.LimitKW, s.MarginKW, plan.RestoreMarginKW)

	if err := a.tracker.Load(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load tracker state", slog.Any("error", err))
	}
	a.engine.LoadState(ctx, a.store)

	return a.refreshDevices(ctx)
}

func (a *App) tickLoop(ctx context.Context) {
	defer a.wg.Done()
	tick := time.NewTicker(a.tickInterval)
	defer tick.Stop()
	// wall-clock aligned hourly timer, recomputed each fire so drift and DST
	// shifts don't accumulate
	hour := time.NewTimer(untilNextHour(time.Now()))
	defer hour.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-tick.C:
			a.service.Rebuild("tick")
		case <-hour.C:
			a.service.Rebuild("hour")
			hour.Reset(untilNextHour(time.Now()))
		}
	}
}

func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	d := next.Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (a *App) changeLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case key := <-a.changes:
			a.handleSettingChange(ctx, key)
		}
	}
}

func (a *App) onPowerSample(ts time.Time, watts float64) {
	kw := watts / 1000
	a.guard.ReportTotalPower(kw)
	a.tracker.AddSample(context.Background(), ts, kw, a.controlledKW())
	a.service.Rebuild("power")
}

func (a *App) onDeviceChanged(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), sdk.CapabilityTimeout)
	defer cancel()
	if err := a.refreshDevices(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to refresh devices",
			slog.String("device", deviceID), slog.Any("error", err))
		return
	}
	a.service.Rebuild("device:" + deviceID)
}
