package plot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinleaf/trendline/internal/column"
)

func TestManager_AddPlotFromStream(t *testing.T) {
	m := NewManager()
	id := column.ID{PortURL: "tcp://a", DeviceRoute: "/0", StreamID: 1, ColumnIndex: 0}

	p := m.AddPlotFromStream(id, "field")
	state := p.State()

	assert.Equal(t, "field Timeseries", state.Title)
	assert.Equal(t, []string{id.Key()}, state.Selection)
	assert.Equal(t, ViewTimeseries, state.ViewType)
	assert.Equal(t, DefaultWindowSeconds, state.WindowSeconds)
	assert.Equal(t, DecimationFpcs, state.DecimationMethod)
	assert.False(t, state.DecimationManual)
}

func TestManager_RemoveLastPlotResetsLayout(t *testing.T) {
	m := NewManager()
	m.SetContainerHeight(800)
	a := m.AddPlot()
	b := m.AddPlot()

	m.SwitchToManualMode()
	require.Equal(t, LayoutManual, m.LayoutMode())

	removed := m.Remove(a.ID())
	require.Len(t, removed, 1)
	assert.Equal(t, a.ID(), removed[0].ID())
	assert.Equal(t, LayoutManual, m.LayoutMode())

	removed = m.Remove(b.ID())
	require.Len(t, removed, 1)
	assert.Equal(t, LayoutAuto, m.LayoutMode())
	assert.Zero(t, m.Len())

	assert.Empty(t, m.Remove("unknown"))
}

func TestManager_AutoLayout(t *testing.T) {
	m := NewManager()
	m.SetContainerHeight(1200)

	var plots []*Config
	for i := 0; i < 3; i++ {
		plots = append(plots, m.AddPlot())
	}

	layout := m.Layout()
	for _, p := range plots {
		assert.Equal(t, 400.0, layout[p.ID()])
	}

	for i := 0; i < 3; i++ {
		plots = append(plots, m.AddPlot())
	}

	layout = m.Layout()
	for i, p := range plots {
		if i < 4 {
			assert.Equal(t, 300.0, layout[p.ID()], "plot %d", i)
		} else {
			assert.Equal(t, DefaultPlotHeight, layout[p.ID()], "plot %d", i)
		}
	}
}

func TestManager_ManualLayout(t *testing.T) {
	m := NewManager()
	m.SetContainerHeight(1000)
	a := m.AddPlot()
	b := m.AddPlot()

	require.Error(t, m.ResizeManual([]float64{50, 50}))

	m.SwitchToManualMode()
	c := m.AddPlot()

	layout := m.Layout()
	assert.Equal(t, 500.0, layout[a.ID()])
	assert.Equal(t, 500.0, layout[b.ID()])
	assert.Equal(t, DefaultPlotHeight, layout[c.ID()])

	require.ErrorIs(t, m.ResizeManual([]float64{50, 50}), ErrLayoutMismatch)
	require.NoError(t, m.ResizeManual([]float64{50, 25, 25}))

	layout = m.Layout()
	assert.InDelta(t, 700.0, layout[a.ID()], 1e-9)
	assert.InDelta(t, 350.0, layout[b.ID()], 1e-9)
	assert.InDelta(t, 350.0, layout[c.ID()], 1e-9)

	m.Rebalance()
	assert.Equal(t, LayoutAuto, m.LayoutMode())
}

func TestConfig_Apply(t *testing.T) {
	c := NewConfig(DefaultTitle)

	fft := ViewFFT
	detrend := DetrendLinear
	decimation := DecimationNone
	require.NoError(t, c.Apply(Settings{ViewType: &fft, DetrendMethod: &detrend, DecimationMethod: &decimation}))

	state := c.State()
	assert.Equal(t, ViewFFT, state.ViewType)
	assert.Equal(t, DetrendLinear, state.DetrendMethod)
	assert.Equal(t, DecimationNone, state.DecimationMethod)
	assert.True(t, state.DecimationManual)

	bad := ViewType("waterfall")
	require.ErrorIs(t, c.Apply(Settings{ViewType: &bad}), ErrInvalidSettings)

	negative := -1.0
	require.ErrorIs(t, c.Apply(Settings{WindowSeconds: &negative}), ErrInvalidSettings)
}
