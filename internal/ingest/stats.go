// Package ingest implements the transform pipeline: per-source flattening,
// precedence merge, derived fields, change fingerprinting, data-quality
// checks, and the orchestrated transactional persistence of the result.
package ingest

import (
	"math"
	"sort"
)

// SeriesStats summarizes a price or rank series over the trailing window.
type SeriesStats struct {
	Count      int
	Min        float64
	Max        float64
	Mean       float64
	Median     float64
	P25        float64
	P75        float64
	Volatility float64
}

// ComputeSeriesStats computes order statistics and volatility over the given
// values. Volatility is the coefficient of variation (stddev/mean), defined
// as 0 when the mean is 0 so no NaN or Inf ever leaves this function. Input
// order does not matter.
func ComputeSeriesStats(values []float64) SeriesStats {
	if len(values) == 0 {
		return SeriesStats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(sorted))

	volatility := 0.0
	if mean != 0 {
		volatility = math.Sqrt(variance) / mean
	}
	if math.IsNaN(volatility) || math.IsInf(volatility, 0) {
		volatility = 0
	}
	if volatility < 0 {
		volatility = -volatility
	}

	return SeriesStats{
		Count:      len(sorted),
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       mean,
		Median:     percentile(sorted, 0.50),
		P25:        percentile(sorted, 0.25),
		P75:        percentile(sorted, 0.75),
		Volatility: volatility,
	}
}

// percentile computes the q-th percentile of an ascending-sorted slice using
// linear interpolation between order statistics.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
