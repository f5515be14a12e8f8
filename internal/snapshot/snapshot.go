// Package snapshot freezes the visible window of paused plots on the backend.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/twinleaf/trendline/internal/metrics"
	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
)

var (
	// ErrNoVisibleData is returned when pausing a plot that shows no samples
	ErrNoVisibleData = errors.New("no visible data to pause")

	// ErrGlobalPauseActive is returned when unpausing a single plot while everything is paused
	ErrGlobalPauseActive = errors.New("global pause is active")
)

// Client is the backend surface used to freeze and release plot windows
type Client interface {
	PausePlot(ctx context.Context, plotID string, startTime, endTime float64) error
	UnpausePlot(ctx context.Context, plotID string) error
}

// DisplaySource returns the samples a plot currently displays
type DisplaySource interface {
	Display(plotID string) plotdata.PlotData
}

// Snapshot is a frozen window of a plot
type Snapshot struct {
	PlotID    string
	Title     string
	Keys      []string
	StartTime float64
	EndTime   float64
	Data      plotdata.PlotData
	CreatedAt time.Time
}

// Store persists frozen windows
type Store interface {
	SaveSnapshot(ctx context.Context, s Snapshot) error
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithNotifier sets the notifier for precondition warnings and backend failures
func WithNotifier(n notify.Notifier) func(*Controller) {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithStore sets the store frozen windows are saved to
func WithStore(s Store) func(*Controller) {
	return func(c *Controller) {
		c.store = s
	}
}

// Controller coordinates pausing and unpausing of plots.
//
// Pausing a timeseries plot freezes exactly its visible window on the backend. FFT
// plots have no time window and are frozen locally only. A second pause of a paused
// plot is a no-op. While a global pause is active single plots cannot be unpaused.
type Controller struct {
	client   Client
	display  DisplaySource
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger

	mu          sync.Mutex
	globalPause bool
}

// NewController creates a snapshot Controller
func NewController(client Client, display DisplaySource, options ...func(*Controller)) *Controller {
	c := Controller{
		client:   client,
		display:  display,
		notifier: notify.Discard(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// IsGlobalPaused reports whether a global pause is active
func (c *Controller) IsGlobalPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalPause
}

// Pause freezes the visible window of a plot
func (c *Controller) Pause(ctx context.Context, p *plot.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.pause(ctx, p)
	switch {
	case errors.Is(err, ErrNoVisibleData):
		notify.Warn(c.notifier, "Nothing to pause", fmt.Sprintf("Plot '%s' has no visible data.", p.State().Title))
	case err != nil:
		notify.Error(c.notifier, "Pause failed", err.Error())
	}
	return err
}

// Unpause releases the frozen window of a plot. It is forwarded to the backend even
// when the plot is not paused.
func (c *Controller) Unpause(ctx context.Context, p *plot.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.globalPause {
		notify.Warn(c.notifier, "Global pause active", "Resume all plots before unpausing a single plot.")
		metrics.Snapshots.WithLabelValues("unpause", metrics.ResultError).Inc()
		return fmt.Errorf("unpausing plot %s: %w", p.ID(), ErrGlobalPauseActive)
	}

	if err := c.unpause(ctx, p); err != nil {
		notify.Error(c.notifier, "Unpause failed", err.Error())
		return err
	}
	return nil
}

// GlobalPause pauses every plot. Plots without visible data are frozen locally.
func (c *Controller) GlobalPause(ctx context.Context, plots []*plot.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.globalPause = true

	var errs []error
	for _, p := range plots {
		err := c.pause(ctx, p)
		switch {
		case errors.Is(err, ErrNoVisibleData):
			p.SetPaused(true)
		case err != nil:
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		notify.Error(c.notifier, "Pause failed", err.Error())
		return err
	}
	c.logger.Info("global pause", slog.Int("plots", len(plots)))
	return nil
}

// GlobalUnpause lifts the global pause and unpauses every paused plot
func (c *Controller) GlobalUnpause(ctx context.Context, plots []*plot.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.globalPause = false

	var errs []error
	for _, p := range plots {
		if !p.IsPaused() {
			continue
		}
		if err := c.unpause(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		notify.Error(c.notifier, "Unpause failed", err.Error())
		return err
	}
	c.logger.Info("global unpause", slog.Int("plots", len(plots)))
	return nil
}

func (c *Controller) pause(ctx context.Context, p *plot.Config) error {
	logger := c.logger.With(slog.String("plot", p.ID()))

	if p.IsPaused() {
		logger.Debug("plot already paused")
		return nil
	}

	state := p.State()
	if state.ViewType == plot.ViewFFT {
		p.SetPaused(true)
		logger.Debug("FFT plot frozen locally")
		return nil
	}

	visible := c.display.Display(p.ID()).Window(state.WindowSeconds)
	start, end, ok := visible.Range()
	if !ok {
		metrics.Snapshots.WithLabelValues("pause", metrics.ResultError).Inc()
		return fmt.Errorf("pausing plot %s: %w", p.ID(), ErrNoVisibleData)
	}

	err := c.client.PausePlot(ctx, p.ID(), start, end)
	metrics.Snapshots.WithLabelValues("pause", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("pausing plot %s: %w", p.ID(), err)
	}

	p.SetPaused(true)
	logger.Info("plot paused",
		slog.Float64("start", start),
		slog.Float64("end", end),
		slog.String("rows", humanize.Comma(int64(visible.Len()))))

	if c.store != nil {
		s := Snapshot{
			PlotID:    p.ID(),
			Title:     state.Title,
			Keys:      state.Selection,
			StartTime: start,
			EndTime:   end,
			Data:      visible.Clone(),
			CreatedAt: time.Now().UTC(),
		}
		if err = c.store.SaveSnapshot(ctx, s); err != nil {
			logger.Warn("saving snapshot", slog.Any("error", err))
		}
	}

	return nil
}

func (c *Controller) unpause(ctx context.Context, p *plot.Config) error {
	err := c.client.UnpausePlot(ctx, p.ID())
	metrics.Snapshots.WithLabelValues("unpause", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("unpausing plot %s: %w", p.ID(), err)
	}

	p.SetPaused(false)
	c.logger.Info("plot unpaused", slog.String("plot", p.ID()))
	return nil
}
