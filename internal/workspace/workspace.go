// Package workspace owns the plots of one session and drives their backend resources.
//
// Every mutation of a plot goes through the Workspace, which then explicitly runs the
// reconciler for that plot and keeps its display subscription in step. Nothing reacts
// to plot changes on its own.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
	"github.com/twinleaf/trendline/internal/snapshot"
	"github.com/twinleaf/trendline/internal/subscription"
)

const (
	TransportPush Transport = "push"
	TransportPoll Transport = "poll"
)

// Transport selects how plot samples reach the display slots
type Transport string

// Store persists the pipeline journal and frozen windows
type Store interface {
	pipeline.Journal
	snapshot.Store
}

// Option configures a Workspace
type Option func(*options)

type options struct {
	logger           *slog.Logger
	notifier         notify.Notifier
	store            Store
	rates            pipeline.RateSource
	transport        Transport
	pollInterval     time.Duration
	ringCapacity     int
	statisticsWindow float64
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithNotifier sets the notifier user-visible warnings are sent to
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithStore sets the store for the pipeline journal and frozen windows
func WithStore(s Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithRateSource sets the source of stream sampling rates
func WithRateSource(rates pipeline.RateSource) Option {
	return func(o *options) {
		o.rates = rates
	}
}

// WithTransport selects push channels or polling
func WithTransport(t Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithPollInterval sets the poll interval of the poll transport
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithRingCapacity sets the rows kept per plot by the poll transport
func WithRingCapacity(capacity int) Option {
	return func(o *options) {
		o.ringCapacity = capacity
	}
}

// WithStatisticsWindow sets the window of statistics providers in seconds
func WithStatisticsWindow(seconds float64) Option {
	return func(o *options) {
		o.statisticsWindow = seconds
	}
}

// Workspace wires plots to the reconciler, the display transport, the snapshot
// controller and the stream monitor
type Workspace struct {
	plots      *plot.Manager
	registry   *pipeline.Registry
	reconciler *pipeline.Reconciler
	snapshots  *snapshot.Controller
	monitor    *monitor.StreamMonitor
	subs       *subscription.Manager
	poller     *subscription.Poller
	display    snapshot.DisplaySource
	transport  Transport
	logger     *slog.Logger

	// locks serialize the reconcile and subscribe steps of each plot
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Workspace on top of a backend
func New(b backend.Backend, opts ...Option) (*Workspace, error) {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		notifier:  notify.Discard(),
		rates:     pipeline.StaticRates{},
		transport: TransportPush,
	}
	for _, opt := range opts {
		opt(&o)
	}

	w := Workspace{
		plots:     plot.NewManager(),
		registry:  pipeline.NewRegistry(),
		transport: o.transport,
		logger:    o.logger,
		locks:     make(map[string]*sync.Mutex),
	}

	reconcilerOptions := []func(*pipeline.Reconciler){
		pipeline.WithLogger(o.logger.With(slog.String("component", "reconciler"))),
		pipeline.WithNotifier(o.notifier),
		pipeline.WithRateSource(o.rates),
	}
	snapshotOptions := []func(*snapshot.Controller){
		snapshot.WithLogger(o.logger.With(slog.String("component", "snapshot"))),
		snapshot.WithNotifier(o.notifier),
	}
	if o.store != nil {
		reconcilerOptions = append(reconcilerOptions, pipeline.WithJournal(o.store))
		snapshotOptions = append(snapshotOptions, snapshot.WithStore(o.store))
	}

	w.reconciler = pipeline.NewReconciler(b, w.registry, reconcilerOptions...)
	w.snapshots = snapshot.NewController(b, &w, snapshotOptions...)
	w.monitor = monitor.New(b,
		monitor.WithLogger(o.logger.With(slog.String("component", "monitor"))),
		monitor.WithNotifier(o.notifier),
		monitor.WithWindow(o.statisticsWindow))

	switch o.transport {
	case TransportPush:
		w.subs = subscription.NewManager(b, w.snapshots,
			subscription.WithLogger(o.logger.With(slog.String("component", "subscription"))))
		w.display = w.subs
	case TransportPoll:
		pollOptions := []func(*subscription.Poller){
			subscription.WithPollLogger(o.logger.With(slog.String("component", "poller"))),
			subscription.WithInterval(o.pollInterval),
		}
		if o.ringCapacity != 0 {
			pollOptions = append(pollOptions, subscription.WithRingCapacity(o.ringCapacity))
		}
		poller, err := subscription.NewPoller(b, w.targets, pollOptions...)
		if err != nil {
			return nil, fmt.Errorf("creating poller: %w", err)
		}
		w.poller = poller
		w.display = poller
	default:
		return nil, fmt.Errorf("unknown transport: %s", o.transport)
	}

	return &w, nil
}

// Run drives the display transport until ctx is done, then releases every backend
// resource the workspace owns
func (w *Workspace) Run(ctx context.Context) error {
	w.logger.Info("workspace running", slog.String("transport", string(w.transport)))

	var err error
	if w.poller != nil {
		err = w.poller.Run(ctx)
	} else {
		<-ctx.Done()
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return errors.Join(err, w.Close(closeCtx))
}

// Close tears down the pipelines of every plot and stops all channels. The plots
// themselves are kept.
func (w *Workspace) Close(ctx context.Context) error {
	var errs []error
	for _, p := range w.plots.Plots() {
		if err := w.teardown(ctx, p.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	if w.subs != nil {
		if err := w.subs.CloseAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.monitor.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Display returns the samples a plot currently displays
func (w *Workspace) Display(plotID string) plotdata.PlotData {
	if w.display == nil {
		return plotdata.Empty()
	}
	return w.display.Display(plotID)
}

// Plots returns the plots in display order
func (w *Workspace) Plots() []*plot.Config {
	return w.plots.Plots()
}

// Plot returns a plot by id
func (w *Workspace) Plot(id string) (*plot.Config, error) {
	return w.plots.Get(id)
}

// Registry exposes the pipelines owned by each plot
func (w *Workspace) Registry() *pipeline.Registry {
	return w.registry
}

// Monitor returns the stream monitor
func (w *Workspace) Monitor() *monitor.StreamMonitor {
	return w.monitor
}

// AddPlot creates an empty plot
func (w *Workspace) AddPlot(ctx context.Context) (*plot.Config, error) {
	p := w.plots.AddPlot()
	return p, w.sync(ctx, p)
}

// AddPlotFromStream creates a timeseries plot of a single column
func (w *Workspace) AddPlotFromStream(ctx context.Context, id column.ID, streamName string) (*plot.Config, error) {
	p := w.plots.AddPlotFromStream(id, streamName)
	return p, w.sync(ctx, p)
}

// Add adopts an existing plot configuration
func (w *Workspace) Add(ctx context.Context, p *plot.Config) error {
	w.plots.Add(p)
	return w.sync(ctx, p)
}

// RemovePlot tears down the pipelines of a plot before removing it. Removing the last
// plot behaves like DeleteAllPlots.
func (w *Workspace) RemovePlot(ctx context.Context, id string) error {
	if _, err := w.plots.Get(id); err != nil {
		return err
	}
	if w.plots.Len() == 1 {
		return w.DeleteAllPlots(ctx)
	}

	err := w.teardown(ctx, id)
	w.plots.Remove(id)
	return err
}

// DeleteAllPlots tears down every plot and resets the layout
func (w *Workspace) DeleteAllPlots(ctx context.Context) error {
	var errs []error
	for _, p := range w.plots.Plots() {
		if err := w.teardown(ctx, p.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	w.plots.RemoveAll()
	return errors.Join(errs...)
}

// SetSelection replaces the selection of a plot
func (w *Workspace) SetSelection(ctx context.Context, id string, keys []string) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	p.SetSelection(keys)
	return w.sync(ctx, p)
}

// Select adds keys to the selection of a plot
func (w *Workspace) Select(ctx context.Context, id string, keys ...string) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	p.Select(keys...)
	return w.sync(ctx, p)
}

// Deselect removes keys from the selection of a plot
func (w *Workspace) Deselect(ctx context.Context, id string, keys ...string) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	p.Deselect(keys...)
	return w.sync(ctx, p)
}

// ApplySettings updates the settings of a plot. Invalid settings leave the plot untouched.
func (w *Workspace) ApplySettings(ctx context.Context, id string, s plot.Settings) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	if err = p.Apply(s); err != nil {
		return err
	}
	return w.sync(ctx, p)
}

// Pause freezes the visible window of a plot
func (w *Workspace) Pause(ctx context.Context, id string) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	return w.snapshots.Pause(ctx, p)
}

// Unpause releases the frozen window of a plot
func (w *Workspace) Unpause(ctx context.Context, id string) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	return w.snapshots.Unpause(ctx, p)
}

// TogglePause pauses a running plot and unpauses a paused one
func (w *Workspace) TogglePause(ctx context.Context, id string) error {
	p, err := w.plots.Get(id)
	if err != nil {
		return err
	}
	if p.IsPaused() {
		return w.snapshots.Unpause(ctx, p)
	}
	return w.snapshots.Pause(ctx, p)
}

// IsGlobalPaused reports whether a global pause is active
func (w *Workspace) IsGlobalPaused() bool {
	return w.snapshots.IsGlobalPaused()
}

// GlobalPause pauses every plot
func (w *Workspace) GlobalPause(ctx context.Context) error {
	return w.snapshots.GlobalPause(ctx, w.plots.Plots())
}

// GlobalUnpause lifts the global pause
func (w *Workspace) GlobalUnpause(ctx context.Context) error {
	return w.snapshots.GlobalUnpause(ctx, w.plots.Plots())
}

// ToggleGlobalPause flips the global pause
func (w *Workspace) ToggleGlobalPause(ctx context.Context) error {
	if w.snapshots.IsGlobalPaused() {
		return w.GlobalUnpause(ctx)
	}
	return w.GlobalPause(ctx)
}

// Layout returns the height of every plot in pixels
func (w *Workspace) Layout() map[string]float64 {
	return w.plots.Layout()
}

// LayoutMode returns the current layout mode
func (w *Workspace) LayoutMode() plot.LayoutMode {
	return w.plots.LayoutMode()
}

// SetContainerHeight sets the height shared by the plots
func (w *Workspace) SetContainerHeight(height float64) {
	w.plots.SetContainerHeight(height)
}

// SwitchToManualMode freezes the current heights so they can be resized
func (w *Workspace) SwitchToManualMode() {
	w.plots.SwitchToManualMode()
}

// Rebalance returns to the automatic layout
func (w *Workspace) Rebalance() {
	w.plots.Rebalance()
}

// ResizeManual distributes the total height by percentages, one per plot in order
func (w *Workspace) ResizeManual(percentages []float64) error {
	return w.plots.ResizeManual(percentages)
}

// WatchColumn starts collecting live statistics of a column
func (w *Workspace) WatchColumn(ctx context.Context, id column.ID) error {
	return w.monitor.Watch(ctx, id)
}

// UnwatchColumn stops collecting statistics of a column
func (w *Workspace) UnwatchColumn(ctx context.Context, id column.ID) error {
	return w.monitor.Unwatch(ctx, id)
}

// ResetColumnStatistics clears the persistent statistics of a column
func (w *Workspace) ResetColumnStatistics(ctx context.Context, id column.ID) error {
	return w.monitor.Reset(ctx, id)
}

// ColumnStatistics returns the latest statistics of a watched column
func (w *Workspace) ColumnStatistics(id column.ID) (monitor.Statistics, bool) {
	return w.monitor.Latest(id)
}

// sync converges the backend resources of a plot to its current state. The state is
// read under the plot lock, so the last pass to run always sees the latest mutation.
func (w *Workspace) sync(ctx context.Context, p *plot.Config) error {
	unlock := w.lockPlot(p.ID())
	defer unlock()

	err := w.reconciler.Reconcile(ctx, p.State())
	if errors.Is(err, pipeline.ErrPlotRemoved) {
		return err
	}
	if w.subs != nil {
		if subErr := w.subs.EnsureSubscribed(ctx, p); subErr != nil {
			err = errors.Join(err, subErr)
		}
	}
	return err
}

func (w *Workspace) teardown(ctx context.Context, plotID string) error {
	unlock := w.lockPlot(plotID)
	defer func() {
		w.locksMu.Lock()
		delete(w.locks, plotID)
		w.locksMu.Unlock()
		unlock()
	}()

	err := w.reconciler.Teardown(ctx, plotID)
	if w.subs != nil {
		if subErr := w.subs.Close(plotID); subErr != nil {
			err = errors.Join(err, subErr)
		}
	}
	w.logger.Debug("plot removed", slog.String("plot", plotID))
	return err
}

// lockPlot locks the plot and returns the matching unlock. Passes queued on the lock of
// a torn down plot find the reconciler refusing them.
func (w *Workspace) lockPlot(plotID string) func() {
	w.locksMu.Lock()
	l, ok := w.locks[plotID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[plotID] = l
	}
	w.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (w *Workspace) targets() []subscription.Target {
	globalPause := w.snapshots.IsGlobalPaused()

	plots := w.plots.Plots()
	targets := make([]subscription.Target, 0, len(plots))
	for _, p := range plots {
		state := p.State()
		targets = append(targets, subscription.Target{
			PlotID: state.ID,
			View:   state.ViewType,
			IDs:    w.registry.OutputIDs(state.ID, state.ViewType),
			Paused: state.IsPaused || globalPause,
		})
	}
	return targets
}
