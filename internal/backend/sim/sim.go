// Package sim is an in-memory Backend producing synthetic sine data. It tags every
// pipeline with its kind and parameters and renders plausible output for it without
// doing any signal processing.
package sim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
	"github.com/twinleaf/trendline/internal/subscription"
)

const (
	defaultSampleRate   = 100.0
	defaultPushInterval = 33 * time.Millisecond
	fftBins             = 256
	fftFloor            = 1e-4
)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) func(*Backend) {
	return func(b *Backend) {
		b.logger = logger
	}
}

// WithSampleRate sets the sampling rate of every simulated stream in Hz
func WithSampleRate(hz float64) func(*Backend) {
	return func(b *Backend) {
		if hz > 0 {
			b.sampleRate = hz
		}
	}
}

// WithPushInterval sets the interval of plot and statistics pushes
func WithPushInterval(d time.Duration) func(*Backend) {
	return func(b *Backend) {
		if d > 0 {
			b.pushInterval = d
		}
	}
}

// WithClock sets the time source
func WithClock(now func() time.Time) func(*Backend) {
	return func(b *Backend) {
		b.now = now
	}
}

type node struct {
	kind          pipeline.Kind
	source        column.ID
	sourceID      pipeline.ID
	windowSeconds float64
	ratio         int
	method        plot.DetrendMethod
}

type plotState struct {
	ids       []pipeline.ID
	paused    bool
	frozen    plotdata.PlotData
	listeners map[*frameChannel]struct{}
}

type provider struct {
	source        column.ID
	windowSeconds float64
	persistent    monitor.Accumulator
	lastSample    float64
	listeners     map[*statisticsChannel]struct{}
}

// Backend is an in-memory backend.Backend
type Backend struct {
	sampleRate   float64
	pushInterval time.Duration
	now          func() time.Time
	start        time.Time
	logger       *slog.Logger

	mu        sync.Mutex
	pipelines map[pipeline.ID]*node
	plots     map[string]*plotState
	providers map[pipeline.ID]*provider
}

var _ backend.Backend = (*Backend)(nil)

// New creates a simulated backend. Pushes only happen while Run is running.
func New(options ...func(*Backend)) *Backend {
	b := Backend{
		sampleRate:   defaultSampleRate,
		pushInterval: defaultPushInterval,
		now:          time.Now,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		pipelines:    make(map[pipeline.ID]*node),
		plots:        make(map[string]*plotState),
		providers:    make(map[pipeline.ID]*provider),
	}

	for _, option := range options {
		option(&b)
	}
	b.start = b.now()

	return &b
}

// Run pushes plot frames and statistics updates until ctx is done
func (b *Backend) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.pushInterval)
	defer ticker.Stop()

	b.logger.Info("simulated backend running",
		slog.Float64("sample_rate", b.sampleRate),
		slog.Duration("push_interval", b.pushInterval))

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return nil
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Backend) CreatePassthroughPipeline(_ context.Context, source column.ID, windowSeconds float64) (pipeline.ID, error) {
	return b.add(&node{kind: pipeline.KindPassthrough, source: source, windowSeconds: windowSeconds, ratio: 1})
}

func (b *Backend) CreateFpcsPipeline(_ context.Context, source column.ID, ratio int, windowSeconds float64) (pipeline.ID, error) {
	if ratio < 1 {
		return "", fmt.Errorf("%w: ratio %d", backend.ErrInvalidRequest, ratio)
	}
	return b.add(&node{kind: pipeline.KindFpcs, source: source, windowSeconds: windowSeconds, ratio: ratio})
}

func (b *Backend) CreateDetrendPipeline(_ context.Context, source column.ID, windowSeconds float64, method plot.DetrendMethod) (pipeline.ID, error) {
	return b.add(&node{kind: pipeline.KindDetrend, source: source, windowSeconds: windowSeconds, ratio: 1, method: method})
}

func (b *Backend) CreateFFTPipelineFromSource(_ context.Context, source pipeline.ID) (pipeline.ID, error) {
	b.mu.Lock()
	src, ok := b.pipelines[source]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: source pipeline %s", backend.ErrNotFound, source)
	}
	return b.add(&node{kind: pipeline.KindFFT, source: src.source, sourceID: source, windowSeconds: src.windowSeconds, ratio: 1, method: src.method})
}

func (b *Backend) add(n *node) (pipeline.ID, error) {
	if n.windowSeconds <= 0 {
		return "", fmt.Errorf("%w: window %v", backend.ErrInvalidRequest, n.windowSeconds)
	}

	id := pipeline.ID(uuid.NewString())

	b.mu.Lock()
	b.pipelines[id] = n
	b.mu.Unlock()

	b.logger.Debug("pipeline created",
		slog.String("id", id.String()),
		slog.String("kind", string(n.kind)),
		slog.String("column", n.source.String()))
	return id, nil
}

// DestroyProcessor removes a pipeline or statistics provider. Unknown ids are ignored.
func (b *Backend) DestroyProcessor(_ context.Context, id pipeline.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.pipelines[id]; ok {
		delete(b.pipelines, id)
		b.logger.Debug("pipeline destroyed", slog.String("id", id.String()))
		return nil
	}
	if p, ok := b.providers[id]; ok {
		for ch := range p.listeners {
			ch.closeLocked()
		}
		delete(b.providers, id)
		b.logger.Debug("statistics provider destroyed", slog.String("id", id.String()))
	}
	return nil
}

func (b *Backend) SetPlotPipelines(_ context.Context, plotID string, ids []pipeline.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ids {
		if _, ok := b.pipelines[id]; !ok {
			return fmt.Errorf("%w: pipeline %s", backend.ErrNotFound, id)
		}
	}
	b.plot(plotID).ids = append([]pipeline.ID(nil), ids...)
	return nil
}

// PausePlot freezes the plot's output to the rows between startTime and endTime
func (b *Backend) PausePlot(_ context.Context, plotID string, startTime, endTime float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.plot(plotID)
	data, err := b.mergedLocked(p.ids)
	if err != nil {
		return err
	}
	p.paused = true
	p.frozen = between(data, startTime, endTime)

	b.logger.Debug("plot paused", slog.String("plot", plotID), slog.Int("rows", p.frozen.Len()))
	return nil
}

func (b *Backend) UnpausePlot(_ context.Context, plotID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.plot(plotID)
	p.paused = false
	p.frozen = plotdata.PlotData{}
	return nil
}

func (b *Backend) GetMergedPlotData(_ context.Context, ids []pipeline.ID) (plotdata.PlotData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mergedLocked(ids)
}

func (b *Backend) ListenToPlotData(ctx context.Context, plotID string) (subscription.Channel, error) {
	ch := &frameChannel{pushChannel[plotdata.PlotData]{out: make(chan plotdata.PlotData, 1)}}

	b.mu.Lock()
	p := b.plot(plotID)
	p.listeners[ch] = struct{}{}
	ch.release = func() { delete(p.listeners, ch) }
	b.mu.Unlock()

	ch.closeFn = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ch.closeLocked()
	}
	context.AfterFunc(ctx, ch.closeFn)
	return ch, nil
}

func (b *Backend) CreateStatisticsProvider(_ context.Context, source column.ID, windowSeconds float64) (pipeline.ID, error) {
	if windowSeconds <= 0 {
		return "", fmt.Errorf("%w: window %v", backend.ErrInvalidRequest, windowSeconds)
	}

	id := pipeline.ID(uuid.NewString())

	b.mu.Lock()
	b.providers[id] = &provider{
		source:        source,
		windowSeconds: windowSeconds,
		lastSample:    b.elapsed(),
		listeners:     make(map[*statisticsChannel]struct{}),
	}
	b.mu.Unlock()

	return id, nil
}

func (b *Backend) ResetStatisticsProvider(_ context.Context, id pipeline.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.providers[id]
	if !ok {
		return fmt.Errorf("%w: statistics provider %s", backend.ErrNotFound, id)
	}
	p.persistent.Reset()
	p.lastSample = b.elapsed()
	return nil
}

func (b *Backend) ListenToStatistics(ctx context.Context, id pipeline.ID) (monitor.Channel, error) {
	ch := &statisticsChannel{pushChannel[monitor.Statistics]{out: make(chan monitor.Statistics, 1)}}

	b.mu.Lock()
	p, ok := b.providers[id]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: statistics provider %s", backend.ErrNotFound, id)
	}
	p.listeners[ch] = struct{}{}
	ch.release = func() { delete(p.listeners, ch) }
	b.mu.Unlock()

	ch.closeFn = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ch.closeLocked()
	}
	context.AfterFunc(ctx, ch.closeFn)
	return ch, nil
}

// plot returns the state of a plot, creating it on first use. b.mu must be held.
func (b *Backend) plot(plotID string) *plotState {
	p, ok := b.plots[plotID]
	if !ok {
		p = &plotState{listeners: make(map[*frameChannel]struct{})}
		b.plots[plotID] = p
	}
	return p
}

func (b *Backend) elapsed() float64 {
	return b.now().Sub(b.start).Seconds()
}

func (b *Backend) tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for plotID, p := range b.plots {
		if len(p.listeners) == 0 || len(p.ids) == 0 {
			continue
		}

		frame := p.frozen
		if !p.paused {
			var err error
			if frame, err = b.mergedLocked(p.ids); err != nil {
				b.logger.Warn("rendering plot frame", slog.String("plot", plotID), slog.Any("error", err))
				continue
			}
		}
		for ch := range p.listeners {
			ch.offer(frame)
		}
	}

	now := b.elapsed()
	for _, p := range b.providers {
		update := b.statistics(p, now)
		for ch := range p.listeners {
			ch.offer(update)
		}
	}
}

func (b *Backend) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.plots {
		for ch := range p.listeners {
			ch.closeLocked()
		}
	}
	for _, p := range b.providers {
		for ch := range p.listeners {
			ch.closeLocked()
		}
	}
}
