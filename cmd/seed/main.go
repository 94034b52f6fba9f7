package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/storage"
	"github.com/pelshome/pels/pkg/types"
)

// seed populates the settings store with a workable capacity-control setup and
// a synthetic day of prices, for local development against the emulator.
func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	existing := map[string]bool{}
	keys, err := s.Keys(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list keys", "error", err)
		os.Exit(1)
	}
	for _, k := range keys {
		existing[k] = true
	}

	defaults := map[string]any{
		types.KeyCapacityLimitKW:  10.0,
		types.KeyCapacityMarginKW: 0.5,
		types.KeyCapacityDryRun:   true,
		types.KeyOperatingMode:    "Home",
		types.KeyModeAliases: map[string]string{
			"home":  "Home",
			"away":  "Away",
			"night": "Night",
		},
		types.KeyCapacityPriorities: map[string]map[string]int{
			"Home": {
				"heater-living":  1,
				"heater-bedroom": 2,
				"water-heater":   3,
				"car-charger":    4,
			},
			"Away": {
				"water-heater": 1,
				"car-charger":  2,
			},
		},
		types.KeyModeDeviceTargets: map[string]map[string]float64{
			"Home": {
				"heater-living":  21.5,
				"heater-bedroom": 19.0,
			},
			"Away": {
				"heater-living":  15.0,
				"heater-bedroom": 15.0,
			},
		},
		types.KeyManagedDevices: map[string]bool{
			"heater-living":  true,
			"heater-bedroom": true,
			"water-heater":   true,
			"car-charger":    true,
		},
		types.KeyPriceOptimizationEnabled: true,
		types.KeyPriceOptimizationSettings: map[string]types.PriceOptimization{
			"heater-living": {Enabled: true, CheapDelta: 1, ExpensiveDelta: -1.5},
		},
		types.KeyDailyBudgetEnabled: false,
		types.KeyDailyBudgetKWH:     50.0,
		types.KeySettingsVersion:    types.CurrentSettingsVersion,
	}

	// keep whatever is already there, only fill in the gaps
	for key, value := range defaults {
		if existing[key] {
			continue
		}
		if err := s.Set(ctx, key, value); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed setting", "key", key, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %s\n", key)
	}

	// a synthetic 48h price curve, always refreshed so the level
	// classification has something current to chew on
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now().Truncate(time.Hour).Add(-12 * time.Hour)

	prices := types.CombinedPrices{
		ThresholdPercent: 10,
		MinDifference:    0.05,
	}
	for i := 0; i < 48; i++ {
		t := start.Add(time.Duration(i) * time.Hour)
		hour := t.Hour()

		base := 0.80
		if hour >= 6 && hour < 9 {
			base = 1.60 // morning peak
		} else if hour >= 10 && hour < 15 {
			base = 0.55 // mid-day lull
		} else if hour >= 17 && hour < 21 {
			base = 1.90 // evening peak
		} else if hour >= 21 {
			base = 0.70 // night
		}
		base += (rng.Float64() * 0.10) - 0.05

		prices.Points = append(prices.Points, types.PricePoint{
			TSStart: t,
			Price:   base,
		})
	}
	if err := s.Set(ctx, types.KeyCombinedPrices, prices); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed prices", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Seeded %s (%d points from %s)\n",
		types.KeyCombinedPrices, len(prices.Points), start.Format(time.Kitchen))

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
