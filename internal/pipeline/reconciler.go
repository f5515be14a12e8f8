package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/metrics"
	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/plot"
)

const defaultParallelism = 8

var (
	// ErrNoSource is returned when an FFT chain has no pipeline to consume
	ErrNoSource = errors.New("no source pipeline")

	// ErrPlotRemoved is returned when reconciling a plot that has been torn down
	ErrPlotRemoved = errors.New("plot removed")
)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) func(*Reconciler) {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithNotifier sets the notifier used to surface backend failures
func WithNotifier(n notify.Notifier) func(*Reconciler) {
	return func(r *Reconciler) {
		r.notifier = n
	}
}

// WithJournal sets the journal every backend lifecycle call is recorded to
func WithJournal(j Journal) func(*Reconciler) {
	return func(r *Reconciler) {
		r.journal = j
	}
}

// WithRateSource sets the source of stream sampling rates used for the decimation ratio
func WithRateSource(rates RateSource) func(*Reconciler) {
	return func(r *Reconciler) {
		r.rates = rates
	}
}

// WithParallelism sets how many keys of a single plot are worked on concurrently
func WithParallelism(n int) func(*Reconciler) {
	return func(r *Reconciler) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// Reconciler derives the pipelines every plot needs from its state and converges the
// backend to them. Passes for the same plot are serialized; passes for different plots
// run independently.
type Reconciler struct {
	client   Client
	registry *Registry

	rates       RateSource
	notifier    notify.Notifier
	journal     Journal
	logger      *slog.Logger
	parallelism int

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	outputs map[string][]ID
	removed map[string]struct{}
}

// NewReconciler creates a Reconciler writing to registry
func NewReconciler(client Client, registry *Registry, options ...func(*Reconciler)) *Reconciler {
	r := Reconciler{
		client:      client,
		registry:    registry,
		rates:       StaticRates{},
		notifier:    notify.Discard(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		parallelism: defaultParallelism,
		locks:       make(map[string]*sync.Mutex),
		outputs:     make(map[string][]ID),
		removed:     make(map[string]struct{}),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Registry returns the registry the reconciler writes to
func (r *Reconciler) Registry() *Registry {
	return r.registry
}

// Reconcile converges the pipelines of a plot to its state. A pass always runs to
// completion: failures of individual keys are logged, surfaced through the notifier
// and returned joined, but never stop the remaining keys. Calling Reconcile again
// with the same state issues no backend calls.
func (r *Reconciler) Reconcile(ctx context.Context, state plot.State) error {
	lock := r.plotLock(state.ID)
	lock.Lock()
	defer lock.Unlock()

	if r.isRemoved(state.ID) {
		return fmt.Errorf("%w: %s", ErrPlotRemoved, state.ID)
	}

	started := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}()

	logger := r.logger.With(slog.String("plot", state.ID))

	desired := r.desiredKeys(state, logger)
	managed := r.registry.Keys(state.ID)

	var toAdd, toRemove, toUpdate []string
	for _, key := range managed {
		if _, ok := desired[key]; ok {
			toUpdate = append(toUpdate, key)
		} else {
			toRemove = append(toRemove, key)
		}
	}
	for key := range desired {
		if !slices.Contains(managed, key) {
			toAdd = append(toAdd, key)
		}
	}
	slices.Sort(toAdd)

	var (
		errsMu sync.Mutex
		errs   []error
	)
	run := func(g *errgroup.Group, key string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				r.report(logger, key, err)
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("key %s: %w", key, err))
				errsMu.Unlock()
			}
			return nil
		})
	}

	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, key := range toRemove {
		run(&g, key, func() error { return r.removeKey(ctx, state.ID, key) })
	}
	for _, key := range toAdd {
		run(&g, key, func() error { return r.addKey(ctx, state, key, desired[key]) })
	}
	for _, key := range toUpdate {
		run(&g, key, func() error { return r.updateKey(ctx, state, key, desired[key], logger) })
	}
	_ = g.Wait()

	if err := r.publishOutputs(ctx, state.ID, state.ViewType); err != nil {
		r.report(logger, "", err)
		errs = append(errs, err)
	}

	metrics.ManagedKeys.WithLabelValues(state.ID).Set(float64(r.registry.Len(state.ID)))
	if len(toAdd)+len(toRemove) > 0 {
		logger.Debug("reconciled plot",
			slog.Int("added", len(toAdd)),
			slog.Int("removed", len(toRemove)),
			slog.Int("kept", len(toUpdate)))
	}

	return errors.Join(errs...)
}

// Teardown destroys every pipeline of a plot, dependents first, and forgets the plot.
// A pass still running for the plot finishes first, so pipelines it is creating are
// destroyed once their ids are known. Later passes for the plot are rejected.
func (r *Reconciler) Teardown(ctx context.Context, plotID string) error {
	lock := r.plotLock(plotID)
	lock.Lock()
	defer lock.Unlock()

	logger := r.logger.With(slog.String("plot", plotID))

	var (
		errsMu sync.Mutex
		errs   []error
	)

	var g errgroup.Group
	g.SetLimit(r.parallelism)
	for _, key := range r.registry.Keys(plotID) {
		g.Go(func() error {
			if err := r.removeKey(ctx, plotID, key); err != nil {
				r.report(logger, key, err)
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("key %s: %w", key, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	registered := len(r.outputs[plotID]) > 0
	delete(r.outputs, plotID)
	r.removed[plotID] = struct{}{}
	r.mu.Unlock()

	if registered {
		if err := r.client.SetPlotPipelines(ctx, plotID, nil); err != nil {
			errs = append(errs, fmt.Errorf("unregistering plot pipelines: %w", err))
		}
	}

	metrics.ManagedKeys.DeleteLabelValues(plotID)
	logger.Debug("plot torn down")

	return errors.Join(errs...)
}

func (r *Reconciler) plotLock(plotID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[plotID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[plotID] = lock
	}
	return lock
}

func (r *Reconciler) isRemoved(plotID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.removed[plotID]
	return ok
}

func (r *Reconciler) desiredKeys(state plot.State, logger *slog.Logger) map[string]column.ID {
	desired := make(map[string]column.ID, len(state.Selection))
	for _, raw := range state.Selection {
		id, err := column.ParseKey(raw)
		if errors.Is(err, column.ErrNotAColumnKey) {
			continue
		}
		if err != nil {
			logger.Warn("skipping malformed selection key", slog.String("key", raw), slog.Any("error", err))
			continue
		}
		desired[id.Key()] = id
	}
	return desired
}

func (r *Reconciler) timeseriesParams(state plot.State, id column.ID) TimeseriesParams {
	p := TimeseriesParams{
		Method:        state.DecimationMethod,
		Ratio:         1,
		WindowSeconds: state.WindowSeconds,
	}
	if p.Method == plot.DecimationFpcs {
		p.Ratio = FpcsRatio(r.rates.MaxSamplingRate(id), state.WindowSeconds, state.ResolutionMultiplier)
	}
	return p
}

func fftParams(state plot.State) FFTParams {
	return FFTParams{Detrend: state.DetrendMethod, FFTSeconds: state.FFTSeconds}
}

// FpcsRatio returns the decimation ratio that leaves about ten times resolutionMultiplier
// points in the window. The ratio is never below 1.
func FpcsRatio(maxSamplingRate, windowSeconds float64, resolutionMultiplier int) int {
	if resolutionMultiplier <= 0 {
		return 1
	}
	ratio := math.Round(maxSamplingRate * windowSeconds / (10 * float64(resolutionMultiplier)))
	if math.IsNaN(ratio) || ratio < 1 {
		return 1
	}
	return int(ratio)
}

// addKey inserts the entry before issuing the create so that the key counts as managed
// while the create is outstanding.
func (r *Reconciler) addKey(ctx context.Context, state plot.State, key string, id column.ID) error {
	params := r.timeseriesParams(state, id)
	r.registry.put(state.ID, key, Entry{State: StateCreating, Timeseries: params})

	err := r.buildTimeseries(ctx, state.ID, key, id, params)
	if state.ViewType == plot.ViewFFT {
		err = errors.Join(err, r.buildChain(ctx, state, key, id))
	}
	return err
}

func (r *Reconciler) updateKey(ctx context.Context, state plot.State, key string, id column.ID, logger *slog.Logger) error {
	entry, ok := r.registry.Entry(state.ID, key)
	if !ok {
		return nil
	}

	if want := r.timeseriesParams(state, id); entry.Timeseries != want {
		logger.Info("timeseries parameters changed, rebuilding",
			slog.String("key", key),
			slog.String("method", want.Method.String()),
			slog.Int("ratio", want.Ratio),
			slog.Float64("window", want.WindowSeconds))

		errs := []error{
			r.teardownChain(ctx, state.ID, key),
			r.destroy(ctx, state.ID, key, entry.Timeseries.Kind(), entry.TimeseriesID),
		}
		r.registry.put(state.ID, key, Entry{State: StateCreating, Timeseries: want})
		errs = append(errs, r.buildTimeseries(ctx, state.ID, key, id, want))
		if state.ViewType == plot.ViewFFT {
			errs = append(errs, r.buildChain(ctx, state, key, id))
		}
		return errors.Join(errs...)
	}

	switch {
	case state.ViewType == plot.ViewFFT && entry.FFT == nil:
		return r.buildChain(ctx, state, key, id)

	case state.ViewType == plot.ViewFFT && *entry.FFT != fftParams(state):
		logger.Info("FFT parameters changed, rebuilding chain", slog.String("key", key))
		if err := r.teardownChain(ctx, state.ID, key); err != nil {
			return err
		}
		return r.buildChain(ctx, state, key, id)

	case state.ViewType != plot.ViewFFT && entry.FFT != nil:
		return r.teardownChain(ctx, state.ID, key)
	}

	return nil
}

func (r *Reconciler) removeKey(ctx context.Context, plotID, key string) error {
	r.registry.update(plotID, key, func(e *Entry) {
		e.State = StateDestroying
	})

	errChain := r.teardownChain(ctx, plotID, key)

	entry, _ := r.registry.Entry(plotID, key)
	errTimeseries := r.destroy(ctx, plotID, key, entry.Timeseries.Kind(), entry.TimeseriesID)

	r.registry.delete(plotID, key)
	return errors.Join(errChain, errTimeseries)
}

func (r *Reconciler) buildTimeseries(ctx context.Context, plotID, key string, id column.ID, params TimeseriesParams) error {
	tsID, err := r.create(ctx, plotID, key, params.Kind(), func() (ID, error) {
		if params.Kind() == KindFpcs {
			return r.client.CreateFpcsPipeline(ctx, id, params.Ratio, params.WindowSeconds)
		}
		return r.client.CreatePassthroughPipeline(ctx, id, params.WindowSeconds)
	})
	if err != nil {
		r.registry.update(plotID, key, func(e *Entry) {
			e.State = StateFailed
		})
		return err
	}

	r.registry.update(plotID, key, func(e *Entry) {
		e.TimeseriesID = tsID
		e.State = StateActive
	})
	return nil
}

// buildChain creates the detrend and FFT pipelines of a key. Only the links that were
// created are stored, and the chain parameters are stored even on failure so that the
// next pass does not retry with unchanged settings.
func (r *Reconciler) buildChain(ctx context.Context, state plot.State, key string, id column.ID) error {
	entry, ok := r.registry.Entry(state.ID, key)
	if !ok {
		return nil
	}

	params := fftParams(state)
	r.registry.update(state.ID, key, func(e *Entry) {
		e.FFT = &params
	})

	source := entry.TimeseriesID
	if params.Detrend != plot.DetrendNone {
		detrendID, err := r.create(ctx, state.ID, key, KindDetrend, func() (ID, error) {
			return r.client.CreateDetrendPipeline(ctx, id, params.FFTSeconds, params.Detrend)
		})
		if err != nil {
			return fmt.Errorf("building FFT chain: %w", err)
		}
		r.registry.update(state.ID, key, func(e *Entry) {
			e.FftSourceID = detrendID
		})
		source = detrendID
	}

	if source.IsZero() {
		return fmt.Errorf("building FFT chain: %w", ErrNoSource)
	}

	fftID, err := r.create(ctx, state.ID, key, KindFFT, func() (ID, error) {
		return r.client.CreateFFTPipelineFromSource(ctx, source)
	})
	if err != nil {
		return fmt.Errorf("building FFT chain: %w", err)
	}

	r.registry.update(state.ID, key, func(e *Entry) {
		e.FftID = fftID
		if e.State == StateActive || e.State == StateFailed {
			e.State = StateActiveWithFFT
		}
	})
	return nil
}

// teardownChain destroys the FFT pipeline, then its detrend source. The chain is
// forgotten even when a destroy fails.
func (r *Reconciler) teardownChain(ctx context.Context, plotID, key string) error {
	entry, ok := r.registry.Entry(plotID, key)
	if !ok || (entry.FFT == nil && entry.FftID.IsZero() && entry.FftSourceID.IsZero()) {
		return nil
	}

	errFFT := r.destroy(ctx, plotID, key, KindFFT, entry.FftID)
	errSource := r.destroy(ctx, plotID, key, KindDetrend, entry.FftSourceID)

	r.registry.update(plotID, key, func(e *Entry) {
		e.FftID = ""
		e.FftSourceID = ""
		e.FFT = nil
		if e.State == StateActiveWithFFT {
			e.State = StateActive
			if e.TimeseriesID.IsZero() {
				e.State = StateFailed
			}
		}
	})
	return errors.Join(errFFT, errSource)
}

func (r *Reconciler) create(ctx context.Context, plotID, key string, kind Kind, fn func() (ID, error)) (ID, error) {
	id, err := fn()
	if err == nil && id.IsZero() {
		err = errors.New("backend returned an empty pipeline id")
	}

	metrics.PipelineOperations.WithLabelValues(string(ActionCreate), string(kind), metrics.Result(err)).Inc()
	r.record(ctx, Operation{
		PlotID:     plotID,
		Key:        key,
		Action:     ActionCreate,
		Kind:       kind,
		PipelineID: id,
		Err:        err,
	})

	if err != nil {
		return "", fmt.Errorf("creating %s pipeline: %w", kind, err)
	}
	return id, nil
}

// destroy is a no-op for the zero id
func (r *Reconciler) destroy(ctx context.Context, plotID, key string, kind Kind, id ID) error {
	if id.IsZero() {
		return nil
	}

	err := r.client.DestroyProcessor(ctx, id)
	metrics.PipelineOperations.WithLabelValues(string(ActionDestroy), string(kind), metrics.Result(err)).Inc()
	r.record(ctx, Operation{
		PlotID:     plotID,
		Key:        key,
		Action:     ActionDestroy,
		Kind:       kind,
		PipelineID: id,
		Err:        err,
	})

	if err != nil {
		return fmt.Errorf("destroying %s pipeline %s: %w", kind, id, err)
	}
	return nil
}

// publishOutputs tells the backend which pipelines feed the plot's channel, only when
// the set changed since the last successful call.
func (r *Reconciler) publishOutputs(ctx context.Context, plotID string, view plot.ViewType) error {
	ids := r.registry.OutputIDs(plotID, view)

	r.mu.Lock()
	prev, known := r.outputs[plotID]
	r.mu.Unlock()

	if slices.Equal(prev, ids) && (known || len(ids) == 0) {
		return nil
	}

	if err := r.client.SetPlotPipelines(ctx, plotID, ids); err != nil {
		return fmt.Errorf("registering plot pipelines: %w", err)
	}

	r.mu.Lock()
	r.outputs[plotID] = ids
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) record(ctx context.Context, op Operation) {
	if r.journal == nil {
		return
	}
	op.At = time.Now().UTC()
	if err := r.journal.RecordOperation(ctx, op); err != nil {
		r.logger.Warn("recording pipeline operation", slog.Any("error", err))
	}
}

func (r *Reconciler) report(logger *slog.Logger, key string, err error) {
	logger.Warn("pipeline operation failed", slog.String("key", key), slog.Any("error", err))
	notify.Warn(r.notifier, "Pipeline error", err.Error())
}
