package pipeline

import (
	"maps"
	"slices"
	"sync"

	"github.com/twinleaf/trendline/internal/plot"
)

// KeyState is the lifecycle state of the pipelines of one selection key
type KeyState int

const (
	StateUnmanaged KeyState = iota
	StateCreating
	StateActive
	StateActiveWithFFT
	StateDestroying
	StateFailed
)

func (s KeyState) String() string {
	switch s {
	case StateUnmanaged:
		return "unmanaged"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateActiveWithFFT:
		return "active_with_fft"
	case StateDestroying:
		return "destroying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TimeseriesParams are the parameters a timeseries pipeline was built with
type TimeseriesParams struct {
	Method        plot.DecimationMethod
	Ratio         int
	WindowSeconds float64
}

// Kind returns the pipeline kind the parameters produce
func (p TimeseriesParams) Kind() Kind {
	if p.Method == plot.DecimationFpcs {
		return KindFpcs
	}
	return KindPassthrough
}

// FFTParams are the parameters an FFT chain was built with
type FFTParams struct {
	Detrend    plot.DetrendMethod
	FFTSeconds float64
}

// Entry is the set of pipelines owned by one selection key of one plot.
//
// FftID is only set while the plot is in FFT view and FftSourceID only while a detrend
// method other than None is active. FFT is nil when no chain has been attempted.
type Entry struct {
	TimeseriesID ID
	FftSourceID  ID
	FftID        ID

	State      KeyState
	Timeseries TimeseriesParams
	FFT        *FFTParams
}

func (e Entry) clone() Entry {
	if e.FFT != nil {
		p := *e.FFT
		e.FFT = &p
	}
	return e
}

// Registry maps plot id to selection key to Entry. It is safe for concurrent use;
// only the Reconciler writes to it.
type Registry struct {
	mu    sync.RWMutex
	plots map[string]map[string]Entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{plots: make(map[string]map[string]Entry)}
}

// Entry returns a copy of the entry of key in plot
func (r *Registry) Entry(plotID, key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plots[plotID][key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Entries returns a copy of every entry of plot
func (r *Registry) Entries(plotID string) map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Entry, len(r.plots[plotID]))
	for key, e := range r.plots[plotID] {
		out[key] = e.clone()
	}
	return out
}

// Keys returns the managed keys of plot, sorted
func (r *Registry) Keys(plotID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.plots[plotID]))
}

// Plots returns the ids of every plot with at least one managed key, sorted
func (r *Registry) Plots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.plots))
}

// Len returns the number of managed keys of plot
func (r *Registry) Len(plotID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plots[plotID])
}

// OutputIDs returns the pipelines whose output the plot displays, ordered by key: FFT
// pipelines in FFT view, timeseries pipelines otherwise. Keys without the pipeline are skipped.
func (r *Registry) OutputIDs(plotID string, view plot.ViewType) []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.plots[plotID]
	ids := make([]ID, 0, len(entries))
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		id := entries[key].TimeseriesID
		if view == plot.ViewFFT {
			id = entries[key].FftID
		}
		if !id.IsZero() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) put(plotID, key string, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, ok := r.plots[plotID]
	if !ok {
		entries = make(map[string]Entry)
		r.plots[plotID] = entries
	}
	entries[key] = e.clone()
}

func (r *Registry) update(plotID, key string, fn func(e *Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.plots[plotID][key]
	if !ok {
		return
	}
	fn(&e)
	r.plots[plotID][key] = e
}

func (r *Registry) delete(plotID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.plots[plotID], key)
	if len(r.plots[plotID]) == 0 {
		delete(r.plots, plotID)
	}
}
