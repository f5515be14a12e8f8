package plotdata

import "math"

// PlotData is the display form of a block of samples. Series[i][j] is the value of the
// i-th series at Timestamps[j]. In FFT views the timestamps carry frequencies in Hz.
type PlotData struct {
	Timestamps []float64   `json:"timestamps"`
	Series     [][]float64 `json:"series_data"`
}

// Empty returns a PlotData with no rows and no series
func Empty() PlotData {
	return PlotData{Timestamps: []float64{}, Series: [][]float64{}}
}

// WithSeriesCapacity returns an empty PlotData with n series
func WithSeriesCapacity(n int) PlotData {
	series := make([][]float64, n)
	for i := range series {
		series[i] = []float64{}
	}
	return PlotData{Timestamps: []float64{}, Series: series}
}

// Len returns the number of rows
func (p PlotData) Len() int {
	return len(p.Timestamps)
}

// IsEmpty reports whether there are no rows
func (p PlotData) IsEmpty() bool {
	return len(p.Timestamps) == 0
}

// SeriesCount returns the number of series
func (p PlotData) SeriesCount() int {
	return len(p.Series)
}

// Value returns the value of series i at row j, or NaN when the series is shorter than the timestamps.
func (p PlotData) Value(i, j int) float64 {
	if i < 0 || i >= len(p.Series) || j < 0 || j >= len(p.Series[i]) {
		return math.NaN()
	}
	return p.Series[i][j]
}

// LastTimestamp returns the last timestamp, or -Inf when empty.
func (p PlotData) LastTimestamp() float64 {
	if len(p.Timestamps) == 0 {
		return math.Inf(-1)
	}
	return p.Timestamps[len(p.Timestamps)-1]
}

// Range returns the minimum and maximum timestamps. ok is false when there are no finite timestamps.
func (p PlotData) Range() (start, end float64, ok bool) {
	start, end = math.Inf(1), math.Inf(-1)
	for _, t := range p.Timestamps {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			continue
		}
		start = min(start, t)
		end = max(end, t)
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

// Since returns the rows whose timestamp is strictly greater than t. Rows are assumed
// to be in chronological order.
func (p PlotData) Since(t float64) PlotData {
	i := 0
	for i < len(p.Timestamps) && !(p.Timestamps[i] > t) {
		i++
	}
	return p.slice(i, len(p.Timestamps))
}

// Window returns the trailing rows that fall within seconds of the last timestamp.
func (p PlotData) Window(seconds float64) PlotData {
	if p.IsEmpty() || seconds <= 0 {
		return p
	}
	cutoff := p.LastTimestamp() - seconds
	i := 0
	for i < len(p.Timestamps) && p.Timestamps[i] < cutoff {
		i++
	}
	return p.slice(i, len(p.Timestamps))
}

// Clone returns a deep copy
func (p PlotData) Clone() PlotData {
	out := PlotData{
		Timestamps: append([]float64{}, p.Timestamps...),
		Series:     make([][]float64, len(p.Series)),
	}
	for i, s := range p.Series {
		out.Series[i] = append([]float64{}, s...)
	}
	return out
}

func (p PlotData) slice(from, to int) PlotData {
	out := PlotData{
		Timestamps: p.Timestamps[from:to],
		Series:     make([][]float64, len(p.Series)),
	}
	for i, s := range p.Series {
		lo, hi := min(from, len(s)), min(to, len(s))
		out.Series[i] = s[lo:hi]
	}
	return out
}
