package price

import (
	"time"

	"github.com/pelshome/pels/pkg/types"
)

// Defaults applied when the combined-prices payload does not carry thresholds.
const (
	DefaultThresholdPercent = 10
	DefaultMinDifference    = 0.05
)

// At returns the price for the hour containing ts, if loaded.
func At(prices types.CombinedPrices, ts time.Time) (float64, bool) {
	hour := ts.Truncate(time.Hour)
	for _, p := range prices.Points {
		if p.TSStart.Truncate(time.Hour).Equal(hour) {
			return p.Price, true
		}
	}
	return 0, false
}

func mean(points []types.PricePoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum float64
	for _, p := range points {
		sum += p.Price
	}
	return sum / float64(len(points))
}

func thresholds(prices types.CombinedPrices) (percent, minDiff float64) {
	percent = prices.ThresholdPercent
	if percent <= 0 {
		percent = DefaultThresholdPercent
	}
	minDiff = prices.MinDifference
	if minDiff < 0 {
		minDiff = DefaultMinDifference
	}
	return percent, minDiff
}

// IsHourCheap reports whether the hour containing ts is cheap: below the mean
// by at least the threshold percent and the minimum absolute difference.
func IsHourCheap(prices types.CombinedPrices, ts time.Time) bool {
	current, ok := At(prices, ts)
	if !ok {
		return false
	}
	m := mean(prices.Points)
	percent, minDiff := thresholds(prices)
	return current <= m*(1-percent/100) && m-current >= minDiff
}

// IsHourExpensive reports whether the hour containing ts is expensive: above
// the mean by at least the threshold percent and the minimum absolute
// difference.
func IsHourExpensive(prices types.CombinedPrices, ts time.Time) bool {
	current, ok := At(prices, ts)
	if !ok {
		return false
	}
	m := mean(prices.Points)
	percent, minDiff := thresholds(prices)
	return current >= m*(1+percent/100) && current-m >= minDiff
}

// Level classifies the hour containing ts. With no prices loaded, or no price
// for the hour, the level is unknown.
func Level(prices types.CombinedPrices, ts time.Time) types.PriceLevel {
	if len(prices.Points) == 0 {
		return types.PriceUnknown
	}
	if _, ok := At(prices, ts); !ok {
		return types.PriceUnknown
	}
	if IsHourCheap(prices, ts) {
		return types.PriceCheap
	}
	if IsHourExpensive(prices, ts) {
		return types.PriceExpensive
	}
	return types.PriceNormal
}
