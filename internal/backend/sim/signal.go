package sim

import (
	"fmt"
	"math"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
)

const drift = 0.01

func frequency(c column.ID) float64 {
	return 0.2*float64(1+c.ColumnIndex) + 0.05*float64(c.StreamID)
}

func amplitude(c column.ID) float64 {
	return float64(1 + c.ColumnIndex%4)
}

func offset(c column.ID) float64 {
	return float64(c.StreamID)
}

// sample returns the raw value of a column at t seconds
func sample(c column.ID, t float64) float64 {
	return amplitude(c)*math.Sin(2*math.Pi*frequency(c)*t) + offset(c) + drift*t
}

func (n *node) detrended() bool {
	return n.method != "" && n.method != plot.DetrendNone
}

func (n *node) value(t float64) float64 {
	if n.detrended() {
		return amplitude(n.source) * math.Sin(2*math.Pi*frequency(n.source)*t)
	}
	return sample(n.source, t)
}

// magnitude returns the spectrum of the node's column at frequency f: a peak at the
// column's tone and, unless detrended, a DC component.
func (n *node) magnitude(f, binWidth float64) float64 {
	lorentz := func(center float64) float64 {
		d := (f - center) / binWidth
		return 1 / (1 + d*d)
	}

	m := fftFloor + amplitude(n.source)*lorentz(frequency(n.source))
	if !n.detrended() {
		m += math.Abs(offset(n.source)) * lorentz(0)
	}
	return m
}

// mergedLocked renders the output of the pipelines on a shared axis. b.mu must be held.
func (b *Backend) mergedLocked(ids []pipeline.ID) (plotdata.PlotData, error) {
	if len(ids) == 0 {
		return plotdata.Empty(), nil
	}

	nodes := make([]*node, len(ids))
	for i, id := range ids {
		n, ok := b.pipelines[id]
		if !ok {
			return plotdata.PlotData{}, fmt.Errorf("%w: pipeline %s", backend.ErrNotFound, id)
		}
		nodes[i] = n
	}

	fft := nodes[0].kind == pipeline.KindFFT
	for _, n := range nodes[1:] {
		if (n.kind == pipeline.KindFFT) != fft {
			return plotdata.PlotData{}, fmt.Errorf("%w: cannot merge FFT and timeseries pipelines", backend.ErrInvalidRequest)
		}
	}

	if fft {
		return b.spectrum(nodes), nil
	}
	return b.timeseries(nodes), nil
}

func (b *Backend) timeseries(nodes []*node) plotdata.PlotData {
	window, ratio := 0.0, math.MaxInt
	for _, n := range nodes {
		window = max(window, n.windowSeconds)
		ratio = min(ratio, n.ratio)
	}
	step := float64(ratio) / b.sampleRate

	now := b.elapsed()
	first := int(math.Ceil(max(0, now-window) / step))
	last := int(math.Floor(now / step))

	data := plotdata.WithSeriesCapacity(len(nodes))
	for k := first; k <= last; k++ {
		t := float64(k) * step
		data.Timestamps = append(data.Timestamps, t)
		for i, n := range nodes {
			data.Series[i] = append(data.Series[i], n.value(t))
		}
	}
	return data
}

func (b *Backend) spectrum(nodes []*node) plotdata.PlotData {
	nyquist := b.sampleRate / 2
	binWidth := nyquist / float64(fftBins-1)

	data := plotdata.WithSeriesCapacity(len(nodes))
	for k := range fftBins {
		f := float64(k) * binWidth
		data.Timestamps = append(data.Timestamps, f)
		for i, n := range nodes {
			data.Series[i] = append(data.Series[i], n.magnitude(f, binWidth))
		}
	}
	return data
}

// between returns the rows of data with startTime <= t <= endTime
func between(data plotdata.PlotData, startTime, endTime float64) plotdata.PlotData {
	out := plotdata.WithSeriesCapacity(data.SeriesCount())
	for j, t := range data.Timestamps {
		if t < startTime || t > endTime {
			continue
		}
		out.Timestamps = append(out.Timestamps, t)
		for i := range out.Series {
			out.Series[i] = append(out.Series[i], data.Value(i, j))
		}
	}
	return out
}

// statistics feeds the samples since the last update into the provider and returns
// its current statistics
func (b *Backend) statistics(p *provider, now float64) monitor.Statistics {
	for k := int(math.Floor(p.lastSample*b.sampleRate)) + 1; k <= int(math.Floor(now*b.sampleRate)); k++ {
		p.persistent.Update(sample(p.source, float64(k)/b.sampleRate))
	}
	p.lastSample = now

	var window monitor.Accumulator
	first := int(math.Ceil(max(0, now-p.windowSeconds) * b.sampleRate))
	last := int(math.Floor(now * b.sampleRate))
	for k := first; k <= last; k++ {
		window.Update(sample(p.source, float64(k)/b.sampleRate))
	}

	return monitor.Statistics{
		Latest:     sample(p.source, float64(last)/b.sampleRate),
		Window:     window.Stats(),
		Persistent: p.persistent.Stats(),
		Health:     monitor.HealthSet{NaNCount: p.persistent.NaNCount()},
	}
}
