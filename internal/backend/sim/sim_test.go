package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testColumn = column.ID{PortURL: "tcp://localhost", DeviceRoute: "/0", StreamID: 1, ColumnIndex: 0}

func newTestBackend(t *testing.T) (*Backend, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(WithClock(clock.Now), WithSampleRate(4)), clock
}

func TestBackend_MergedTimeseries(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBackend(t)
	clock.Advance(2 * time.Second)

	raw, err := b.CreatePassthroughPipeline(ctx, testColumn, 1)
	require.NoError(t, err)
	decimated, err := b.CreateFpcsPipeline(ctx, testColumn, 2, 1)
	require.NoError(t, err)

	data, err := b.GetMergedPlotData(ctx, []pipeline.ID{decimated})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1.5, 2}, data.Timestamps)

	data, err = b.GetMergedPlotData(ctx, []pipeline.ID{raw, decimated})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1.25, 1.5, 1.75, 2}, data.Timestamps)
	require.Equal(t, 2, data.SeriesCount())
	assert.InDelta(t, sample(testColumn, 1.25), data.Series[0][1], 1e-12)
}

func TestBackend_DetrendRemovesOffset(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBackend(t)
	clock.Advance(2 * time.Second)

	raw, err := b.CreatePassthroughPipeline(ctx, testColumn, 1)
	require.NoError(t, err)
	detrended, err := b.CreateDetrendPipeline(ctx, testColumn, 1, plot.DetrendLinear)
	require.NoError(t, err)

	data, err := b.GetMergedPlotData(ctx, []pipeline.ID{raw, detrended})
	require.NoError(t, err)
	for j := range data.Timestamps {
		assert.InDelta(t, offset(testColumn)+drift*data.Timestamps[j], data.Series[0][j]-data.Series[1][j], 1e-9)
	}
}

func TestBackend_Spectrum(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	raw, err := b.CreatePassthroughPipeline(ctx, testColumn, 1)
	require.NoError(t, err)
	detrended, err := b.CreateDetrendPipeline(ctx, testColumn, 1, plot.DetrendLinear)
	require.NoError(t, err)

	rawFFT, err := b.CreateFFTPipelineFromSource(ctx, raw)
	require.NoError(t, err)
	detrendedFFT, err := b.CreateFFTPipelineFromSource(ctx, detrended)
	require.NoError(t, err)

	data, err := b.GetMergedPlotData(ctx, []pipeline.ID{rawFFT, detrendedFFT})
	require.NoError(t, err)
	assert.Equal(t, fftBins, data.Len())
	assert.Equal(t, 0.0, data.Timestamps[0])
	assert.InDelta(t, 2.0, data.LastTimestamp(), 1e-12)
	assert.Greater(t, data.Series[0][0], data.Series[1][0])

	_, err = b.CreateFFTPipelineFromSource(ctx, "missing")
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = b.GetMergedPlotData(ctx, []pipeline.ID{raw, rawFFT})
	require.ErrorIs(t, err, backend.ErrInvalidRequest)
}

func TestBackend_ProcessorLifecycle(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	id, err := b.CreatePassthroughPipeline(ctx, testColumn, 1)
	require.NoError(t, err)
	require.NoError(t, b.SetPlotPipelines(ctx, "plot", []pipeline.ID{id}))

	require.NoError(t, b.DestroyProcessor(ctx, id))
	require.NoError(t, b.DestroyProcessor(ctx, id))
	require.ErrorIs(t, b.SetPlotPipelines(ctx, "plot", []pipeline.ID{id}), backend.ErrNotFound)
	require.ErrorIs(t, b.ResetStatisticsProvider(ctx, id), backend.ErrNotFound)

	_, err = b.CreateFpcsPipeline(ctx, testColumn, 0, 1)
	require.ErrorIs(t, err, backend.ErrInvalidRequest)
	_, err = b.CreatePassthroughPipeline(ctx, testColumn, 0)
	require.ErrorIs(t, err, backend.ErrInvalidRequest)
}

func TestBackend_PauseFreezesFrames(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBackend(t)
	clock.Advance(2 * time.Second)

	id, err := b.CreatePassthroughPipeline(ctx, testColumn, 1)
	require.NoError(t, err)
	require.NoError(t, b.SetPlotPipelines(ctx, "plot", []pipeline.ID{id}))

	ch, err := b.ListenToPlotData(ctx, "plot")
	require.NoError(t, err)
	defer ch.Close()

	b.tick()
	frame := <-ch.Frames()
	assert.Equal(t, []float64{1, 1.25, 1.5, 1.75, 2}, frame.Timestamps)

	require.NoError(t, b.PausePlot(ctx, "plot", 1.25, 1.5))
	clock.Advance(time.Second)
	b.tick()
	frame = <-ch.Frames()
	assert.Equal(t, []float64{1.25, 1.5}, frame.Timestamps)

	require.NoError(t, b.UnpausePlot(ctx, "plot"))
	b.tick()
	frame = <-ch.Frames()
	assert.Equal(t, 3.0, frame.LastTimestamp())
}

func TestBackend_ListenerEndsWithContext(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.ListenToPlotData(ctx, "plot")
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch.Frames():
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	require.NoError(t, ch.Close())
}

func TestBackend_Statistics(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBackend(t)

	id, err := b.CreateStatisticsProvider(ctx, testColumn, 1)
	require.NoError(t, err)

	ch, err := b.ListenToStatistics(ctx, id)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	b.tick()
	update := <-ch.Updates()
	assert.Equal(t, uint64(8), update.Persistent.Count)
	assert.Equal(t, uint64(5), update.Window.Count)
	assert.InDelta(t, sample(testColumn, 2), update.Latest, 1e-12)

	require.NoError(t, b.ResetStatisticsProvider(ctx, id))
	clock.Advance(time.Second)
	b.tick()
	update = <-ch.Updates()
	assert.Equal(t, uint64(4), update.Persistent.Count)

	require.NoError(t, b.DestroyProcessor(ctx, id))
	_, ok := <-ch.Updates()
	assert.False(t, ok)

	_, err = b.ListenToStatistics(ctx, id)
	require.ErrorIs(t, err, backend.ErrNotFound)
}
