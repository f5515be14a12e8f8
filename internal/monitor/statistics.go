package monitor

import "math"

// StatisticSet summarizes the values of a column
type StatisticSet struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Stdev float64 `json:"stdev"`
	RMS   float64 `json:"rms"`
}

// HealthSet summarizes sample gaps and non-finite values of a column
type HealthSet struct {
	GapCount uint64  `json:"gap_count"`
	NaNCount uint64  `json:"nan_count"`
	GapMean  float64 `json:"gap_mean"`
	GapMin   float64 `json:"gap_min"`
	GapMax   float64 `json:"gap_max"`
}

// Statistics is a single update of a statistics provider
type Statistics struct {
	Latest     float64      `json:"latest_value"`
	Window     StatisticSet `json:"window"`
	Persistent StatisticSet `json:"persistent"`
	Health     HealthSet    `json:"health"`
}

// Accumulator computes a StatisticSet incrementally using Welford's algorithm.
// Non-finite values are counted as NaNs and otherwise ignored.
type Accumulator struct {
	count        uint64
	mean         float64
	m2           float64
	sumOfSquares float64
	min, max     float64
	nanCount     uint64
}

// Update adds a value
func (a *Accumulator) Update(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		a.nanCount++
		return
	}
	if a.count == 0 {
		*a = Accumulator{count: 1, mean: v, sumOfSquares: v * v, min: v, max: v, nanCount: a.nanCount}
		return
	}

	a.count++
	d := v - a.mean
	a.mean += d / float64(a.count)
	a.m2 += d * (v - a.mean)
	a.sumOfSquares += v * v
	a.min = min(a.min, v)
	a.max = max(a.max, v)
}

// Stats returns the current summary
func (a *Accumulator) Stats() StatisticSet {
	if a.count == 0 {
		return StatisticSet{}
	}

	var stdev float64
	if a.count > 1 {
		stdev = math.Sqrt(a.m2 / float64(a.count-1))
	}
	return StatisticSet{
		Count: a.count,
		Mean:  a.mean,
		Min:   a.min,
		Max:   a.max,
		Stdev: stdev,
		RMS:   math.Sqrt(a.sumOfSquares / float64(a.count)),
	}
}

// NaNCount returns the number of non-finite values seen
func (a *Accumulator) NaNCount() uint64 {
	return a.nanCount
}

// Reset forgets every value
func (a *Accumulator) Reset() {
	*a = Accumulator{}
}
