package plot

import (
	"fmt"
	"maps"
)

// SetContainerHeight sets the height available to all plots
func (m *Manager) SetContainerHeight(height float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containerHeight = max(height, 0)
}

// LayoutMode returns the current layout mode
func (m *Manager) LayoutMode() LayoutMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layoutMode
}

// Layout returns the height of every plot keyed by plot id.
//
// In auto mode up to four plots split the container height evenly; with more than four
// plots the first four get a quarter of the container each and the rest get
// DefaultPlotHeight. In manual mode the stored heights are returned.
func (m *Manager) Layout() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layoutLocked()
}

func (m *Manager) layoutLocked() map[string]float64 {
	if m.layoutMode == LayoutManual {
		return maps.Clone(m.manualLayout)
	}

	layout := make(map[string]float64, len(m.plots))
	if len(m.plots) == 0 || m.containerHeight == 0 {
		return layout
	}

	if len(m.plots) <= autoLayoutSharedPlots {
		height := m.containerHeight / float64(len(m.plots))
		for _, p := range m.plots {
			layout[p.ID()] = height
		}
		return layout
	}

	shared := m.containerHeight / autoLayoutSharedPlots
	for i, p := range m.plots {
		if i < autoLayoutSharedPlots {
			layout[p.ID()] = shared
		} else {
			layout[p.ID()] = DefaultPlotHeight
		}
	}
	return layout
}

// SwitchToManualMode freezes the current auto layout into manual heights
func (m *Manager) SwitchToManualMode() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.layoutMode == LayoutManual {
		return
	}
	m.manualLayout = m.layoutLocked()
	m.layoutMode = LayoutManual
}

// Rebalance returns to auto layout
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layoutMode = LayoutAuto
}

// ResizeManual distributes the current total height across plots by percentage, one
// entry per plot in display order. Only valid in manual mode.
func (m *Manager) ResizeManual(percentages []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.layoutMode != LayoutManual {
		return fmt.Errorf("%w: not in manual mode", ErrLayoutMismatch)
	}
	if len(percentages) != len(m.plots) {
		return fmt.Errorf("%w: %d sizes for %d plots", ErrLayoutMismatch, len(percentages), len(m.plots))
	}

	var total float64
	for _, h := range m.manualLayout {
		total += h
	}
	if total == 0 {
		return nil
	}

	layout := make(map[string]float64, len(m.plots))
	for i, p := range m.plots {
		layout[p.ID()] = total * percentages[i] / 100
	}
	m.manualLayout = layout
	return nil
}
