package types

import "time"

// PriceLevel classifies the current hour against the loaded prices.
type PriceLevel string

const (
	PriceCheap     PriceLevel = "cheap"
	PriceNormal    PriceLevel = "normal"
	PriceExpensive PriceLevel = "expensive"
	PriceUnknown   PriceLevel = "unknown"
)

// PricePoint is one hourly price from the combined (spot + tariff) series.
type PricePoint struct {
	TSStart time.Time `json:"tsStart"`
	Price   float64   `json:"price"`
}

// CombinedPrices is the combined_prices settings payload written by the price
// fetcher collaborator.
type CombinedPrices struct {
	Points []PricePoint `json:"points"`
	// ThresholdPercent is how far (in percent) below/above the mean an hour
	// must be to classify as cheap/expensive.
	ThresholdPercent float64 `json:"thresholdPercent"`
	// MinDifference is the minimum absolute distance from the mean, so a flat
	// day never classifies anything.
	MinDifference float64 `json:"minDifference"`
}

// PriceOptimization is the per-device price-shaping config. Deltas offset the
// mode target temperature during cheap/expensive hours.
type PriceOptimization struct {
	Enabled        bool    `json:"enabled"`
	CheapDelta     float64 `json:"cheapDelta"`
	ExpensiveDelta float64 `json:"expensiveDelta"`
}
