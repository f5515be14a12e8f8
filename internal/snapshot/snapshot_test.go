package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
)

type pauseCall struct {
	plotID     string
	start, end float64
}

type fakeClient struct {
	mu       sync.Mutex
	pauses   []pauseCall
	unpauses []string
	err      error
}

func (f *fakeClient) PausePlot(_ context.Context, plotID string, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pauses = append(f.pauses, pauseCall{plotID: plotID, start: start, end: end})
	return nil
}

func (f *fakeClient) UnpausePlot(_ context.Context, plotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.unpauses = append(f.unpauses, plotID)
	return nil
}

type fakeDisplay map[string]plotdata.PlotData

func (f fakeDisplay) Display(plotID string) plotdata.PlotData {
	return f[plotID]
}

type fakeStore struct {
	saved []Snapshot
}

func (f *fakeStore) SaveSnapshot(_ context.Context, s Snapshot) error {
	f.saved = append(f.saved, s)
	return nil
}

// visibleBlock returns samples at 10.0, 10.1, ..., 12.0
func visibleBlock() plotdata.PlotData {
	data := plotdata.WithSeriesCapacity(1)
	for i := 0; i <= 20; i++ {
		data.Timestamps = append(data.Timestamps, 10+float64(i)/10)
		data.Series[0] = append(data.Series[0], float64(i))
	}
	return data
}

func TestController_PauseVisibleWindow(t *testing.T) {
	p := plot.NewConfig("field")
	client := &fakeClient{}
	store := &fakeStore{}
	c := NewController(client, fakeDisplay{p.ID(): visibleBlock()}, WithStore(store))

	require.NoError(t, c.Pause(context.Background(), p))
	require.Len(t, client.pauses, 1)
	assert.Equal(t, p.ID(), client.pauses[0].plotID)
	assert.InDelta(t, 10.0, client.pauses[0].start, 1e-9)
	assert.InDelta(t, 12.0, client.pauses[0].end, 1e-9)
	assert.True(t, p.IsPaused())

	require.Len(t, store.saved, 1)
	assert.Equal(t, 21, store.saved[0].Data.Len())

	// Pausing again is a no-op
	require.NoError(t, c.Pause(context.Background(), p))
	assert.Len(t, client.pauses, 1)
	assert.Len(t, store.saved, 1)
}

func TestController_PauseWithoutData(t *testing.T) {
	p := plot.NewConfig("empty")
	client := &fakeClient{}
	recorder := notify.NewRecorder(10, nil)
	c := NewController(client, fakeDisplay{}, WithNotifier(recorder))

	err := c.Pause(context.Background(), p)
	require.ErrorIs(t, err, ErrNoVisibleData)
	assert.Empty(t, client.pauses)
	assert.False(t, p.IsPaused())
	assert.Equal(t, 1, recorder.Count(notify.LevelWarning))
}

func TestController_PauseFFTIsLocal(t *testing.T) {
	p := plot.NewConfig("spectrum")
	fft := plot.ViewFFT
	require.NoError(t, p.Apply(plot.Settings{ViewType: &fft}))

	client := &fakeClient{}
	c := NewController(client, fakeDisplay{})

	require.NoError(t, c.Pause(context.Background(), p))
	assert.True(t, p.IsPaused())
	assert.Empty(t, client.pauses)
}

func TestController_PauseBackendFailure(t *testing.T) {
	p := plot.NewConfig("field")
	client := &fakeClient{err: errors.New("backend down")}
	recorder := notify.NewRecorder(10, nil)
	c := NewController(client, fakeDisplay{p.ID(): visibleBlock()}, WithNotifier(recorder))

	require.Error(t, c.Pause(context.Background(), p))
	assert.False(t, p.IsPaused())
	assert.Equal(t, 1, recorder.Count(notify.LevelError))
}

func TestController_UnpauseForwardsWhenNotPaused(t *testing.T) {
	p := plot.NewConfig("field")
	client := &fakeClient{}
	c := NewController(client, fakeDisplay{})

	require.NoError(t, c.Unpause(context.Background(), p))
	assert.Equal(t, []string{p.ID()}, client.unpauses)
	assert.False(t, p.IsPaused())
}

func TestController_GlobalPause(t *testing.T) {
	withData := plot.NewConfig("field")
	withoutData := plot.NewConfig("empty")
	plots := []*plot.Config{withData, withoutData}

	client := &fakeClient{}
	recorder := notify.NewRecorder(10, nil)
	c := NewController(client, fakeDisplay{withData.ID(): visibleBlock()}, WithNotifier(recorder))

	require.NoError(t, c.GlobalPause(context.Background(), plots))
	assert.True(t, c.IsGlobalPaused())
	assert.True(t, withData.IsPaused())
	assert.True(t, withoutData.IsPaused())
	assert.Len(t, client.pauses, 1)

	err := c.Unpause(context.Background(), withData)
	require.ErrorIs(t, err, ErrGlobalPauseActive)
	assert.True(t, withData.IsPaused())
	assert.Empty(t, client.unpauses)
	assert.Equal(t, 1, recorder.Count(notify.LevelWarning))

	require.NoError(t, c.GlobalUnpause(context.Background(), plots))
	assert.False(t, c.IsGlobalPaused())
	assert.False(t, withData.IsPaused())
	assert.False(t, withoutData.IsPaused())
	assert.ElementsMatch(t, []string{withData.ID(), withoutData.ID()}, client.unpauses)
}
