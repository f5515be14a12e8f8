package subscription

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/twinleaf/trendline/internal/metrics"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
	"github.com/twinleaf/trendline/internal/ringbuf"
)

const (
	defaultPollInterval = 33 * time.Millisecond
	defaultRingCapacity = 100_000
)

// Fetcher returns the merged output of a set of pipelines
type Fetcher interface {
	GetMergedPlotData(ctx context.Context, ids []pipeline.ID) (plotdata.PlotData, error)
}

// Target is a plot the Poller fetches data for
type Target struct {
	PlotID string
	View   plot.ViewType
	IDs    []pipeline.ID
	Paused bool
}

// WithPollLogger sets the logger of a Poller
func WithPollLogger(logger *slog.Logger) func(*Poller) {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithInterval sets the poll interval
func WithInterval(interval time.Duration) func(*Poller) {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithRingCapacity sets the number of rows kept per timeseries plot
func WithRingCapacity(capacity int) func(*Poller) {
	return func(p *Poller) {
		p.capacity = capacity
	}
}

type polledPlot struct {
	ids  []pipeline.ID
	ring *ringbuf.Buffer
	data plotdata.PlotData
}

// Poller is the poll based alternative to push channels. On every tick it fetches the
// merged output of each target; a tick is skipped entirely while the previous one is
// still running. Timeseries rows newer than the last stored one are appended to a
// per-plot ring buffer whose linearized content becomes the display slot. FFT frames
// replace the slot.
type Poller struct {
	fetcher  Fetcher
	targets  func() []Target
	interval time.Duration
	capacity int
	logger   *slog.Logger

	inFlight atomic.Bool

	mu    sync.Mutex
	plots map[string]*polledPlot
}

// NewPoller creates a Poller. targets is called on every tick.
func NewPoller(fetcher Fetcher, targets func() []Target, options ...func(*Poller)) (*Poller, error) {
	p := Poller{
		fetcher:  fetcher,
		targets:  targets,
		interval: defaultPollInterval,
		capacity: defaultRingCapacity,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		plots:    make(map[string]*polledPlot),
	}

	for _, option := range options {
		option(&p)
	}

	if p.capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ringbuf.ErrInvalidCapacity, p.capacity)
	}

	return &p, nil
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("polling plot data",
		slog.Duration("interval", p.interval),
		slog.String("capacity", humanize.Comma(int64(p.capacity))))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !p.inFlight.CompareAndSwap(false, true) {
				metrics.SkippedPolls.Inc()
				continue
			}
			go func() {
				defer p.inFlight.Store(false)
				p.tick(ctx)
			}()
		}
	}
}

// TryTick runs a single tick unless one is already running and reports whether it ran
func (p *Poller) TryTick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		metrics.SkippedPolls.Inc()
		return false
	}
	defer p.inFlight.Store(false)

	p.tick(ctx)
	return true
}

// Display returns the display slot of a plot
func (p *Poller) Display(plotID string) plotdata.PlotData {
	p.mu.Lock()
	defer p.mu.Unlock()

	pp, ok := p.plots[plotID]
	if !ok {
		return plotdata.Empty()
	}
	return pp.data
}

func (p *Poller) tick(ctx context.Context) {
	live := make(map[string]struct{})
	for _, t := range p.targets() {
		if len(t.IDs) == 0 {
			continue
		}
		live[t.PlotID] = struct{}{}
		if t.Paused {
			continue
		}

		data, err := p.fetcher.GetMergedPlotData(ctx, t.IDs)
		if err != nil {
			p.logger.Warn("fetching plot data", slog.String("plot", t.PlotID), slog.Any("error", err))
			continue
		}
		if err = p.store(t, data); err != nil {
			p.logger.Error("storing plot data", slog.String("plot", t.PlotID), slog.Any("error", err))
		}
	}

	p.mu.Lock()
	for plotID := range p.plots {
		if _, ok := live[plotID]; !ok {
			delete(p.plots, plotID)
		}
	}
	p.mu.Unlock()
}

func (p *Poller) store(t Target, data plotdata.PlotData) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pp, ok := p.plots[t.PlotID]
	if t.View == plot.ViewFFT {
		p.plots[t.PlotID] = &polledPlot{ids: t.IDs, data: data}
		metrics.Frames.WithLabelValues("stored").Inc()
		return nil
	}

	// A changed pipeline set changes the meaning of the series, start over
	if !ok || pp.ring == nil || !slices.Equal(pp.ids, t.IDs) || pp.ring.SeriesCount() != data.SeriesCount() {
		ring, err := ringbuf.New(p.capacity, data.SeriesCount())
		if err != nil {
			return fmt.Errorf("creating ring buffer: %w", err)
		}
		pp = &polledPlot{ids: t.IDs, ring: ring}
		p.plots[t.PlotID] = pp
	}

	fresh := data.Since(pp.ring.LastTimestamp())
	if fresh.IsEmpty() {
		return nil
	}
	pp.ring.AppendBulk(fresh)
	pp.data = pp.ring.Linearize()
	metrics.Frames.WithLabelValues("stored").Inc()
	return nil
}
