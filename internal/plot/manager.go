package plot

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/twinleaf/trendline/internal/column"
)

const (
	LayoutAuto   LayoutMode = "auto"
	LayoutManual LayoutMode = "manual"

	// DefaultPlotHeight is the height in pixels of plots that do not get a share of the container
	DefaultPlotHeight = 400.0

	// autoLayoutSharedPlots is the number of plots that share the container height in auto mode
	autoLayoutSharedPlots = 4
)

var (
	// ErrPlotNotFound is returned when a plot id is unknown
	ErrPlotNotFound = errors.New("plot not found")

	// ErrLayoutMismatch is returned when a manual resize does not match the current plots
	ErrLayoutMismatch = errors.New("layout does not match plots")
)

type LayoutMode string

// Manager keeps the ordered collection of plots and their height distribution.
// It is safe for concurrent use.
type Manager struct {
	mu              sync.RWMutex
	plots           []*Config
	layoutMode      LayoutMode
	containerHeight float64
	manualLayout    map[string]float64
}

// NewManager creates an empty plot manager in auto layout mode
func NewManager() *Manager {
	return &Manager{
		layoutMode:   LayoutAuto,
		manualLayout: make(map[string]float64),
	}
}

// AddPlot creates an empty plot at the end of the collection
func (m *Manager) AddPlot() *Config {
	return m.add(NewConfig(DefaultTitle))
}

// AddPlotFromStream creates a timeseries plot with a single column selected
func (m *Manager) AddPlotFromStream(id column.ID, streamName string) *Config {
	return m.add(NewConfig(fmt.Sprintf("%s Timeseries", streamName), id.Key()))
}

// Add appends an existing plot configuration
func (m *Manager) Add(c *Config) *Config {
	return m.add(c)
}

func (m *Manager) add(c *Config) *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.layoutMode == LayoutManual {
		m.manualLayout[c.ID()] = DefaultPlotHeight
	}
	m.plots = append(m.plots, c)
	return c
}

// Get returns a plot by id
func (m *Manager) Get(id string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.plots {
		if p.ID() == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPlotNotFound, id)
}

// Plots returns the plots in display order
func (m *Manager) Plots() []*Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.plots)
}

// Len returns the number of plots
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plots)
}

// Remove drops a plot from the collection. Removing the last plot behaves like
// RemoveAll, which also resets the layout to auto. Returns the removed plots; removing
// an unknown id returns nothing.
func (m *Manager) Remove(id string) []*Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := slices.IndexFunc(m.plots, func(c *Config) bool { return c.ID() == id })
	if idx < 0 {
		return nil
	}
	if len(m.plots) == 1 {
		return m.removeAllLocked()
	}

	removed := m.plots[idx]
	m.plots = slices.Delete(m.plots, idx, idx+1)
	delete(m.manualLayout, id)
	return []*Config{removed}
}

// RemoveAll drops every plot and resets the layout to auto
func (m *Manager) RemoveAll() []*Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeAllLocked()
}

func (m *Manager) removeAllLocked() []*Config {
	removed := m.plots
	m.plots = nil
	m.manualLayout = make(map[string]float64)
	m.layoutMode = LayoutAuto
	return removed
}
