package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
)

type fakeChannel struct {
	frames chan plotdata.PlotData
	once   sync.Once
	closed atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{frames: make(chan plotdata.PlotData, 8)}
}

func (c *fakeChannel) Frames() <-chan plotdata.PlotData {
	return c.frames
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// end simulates the backend ending the channel
func (c *fakeChannel) end() {
	c.once.Do(func() { close(c.frames) })
}

type fakeSource struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (s *fakeSource) ListenToPlotData(_ context.Context, _ string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := newFakeChannel()
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *fakeSource) opened() []*fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeChannel(nil), s.channels...)
}

type fakePause struct {
	global atomic.Bool
}

func (f *fakePause) IsGlobalPaused() bool {
	return f.global.Load()
}

func frame(timestamps ...float64) plotdata.PlotData {
	data := plotdata.WithSeriesCapacity(1)
	for _, ts := range timestamps {
		data.Timestamps = append(data.Timestamps, ts)
		data.Series[0] = append(data.Series[0], ts*2)
	}
	return data
}

func TestManager_OneChannelPerPlot(t *testing.T) {
	source := &fakeSource{}
	m := NewManager(source, &fakePause{})
	p := plot.NewConfig("field", `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":0}`)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	}
	assert.Len(t, source.opened(), 1)
	assert.True(t, m.Subscribed(p.ID()))

	require.NoError(t, m.CloseAll())
	assert.True(t, source.opened()[0].closed.Load())
}

func TestManager_EmptySelectionClosesAndResubscribesWithNewChannel(t *testing.T) {
	source := &fakeSource{}
	m := NewManager(source, &fakePause{})
	key := `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":0}`
	p := plot.NewConfig("field", key)

	require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	first := source.opened()[0]
	first.frames <- frame(1, 2, 3)
	assert.Eventually(t, func() bool { return m.Display(p.ID()).Len() == 3 }, time.Second, time.Millisecond)

	p.Deselect(key)
	require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	assert.True(t, first.closed.Load())
	assert.False(t, m.Subscribed(p.ID()))
	assert.True(t, m.Display(p.ID()).IsEmpty())

	p.Select(key)
	require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	opened := source.opened()
	require.Len(t, opened, 2)
	assert.NotSame(t, opened[0], opened[1])
}

func TestManager_PauseGatesFrames(t *testing.T) {
	source := &fakeSource{}
	pause := &fakePause{}
	m := NewManager(source, pause)
	p := plot.NewConfig("field", `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":0}`)

	require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	ch := source.opened()[0]

	ch.frames <- frame(1)
	assert.Eventually(t, func() bool { return m.Display(p.ID()).Len() == 1 }, time.Second, time.Millisecond)

	p.SetPaused(true)
	ch.frames <- frame(1, 2)
	assert.Eventually(t, func() bool { return len(ch.frames) == 0 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return m.Display(p.ID()).Len() != 1 }, 50*time.Millisecond, time.Millisecond)

	p.SetPaused(false)
	pause.global.Store(true)
	ch.frames <- frame(1, 2, 3)
	assert.Eventually(t, func() bool { return len(ch.frames) == 0 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return m.Display(p.ID()).Len() != 1 }, 50*time.Millisecond, time.Millisecond)

	pause.global.Store(false)
	ch.frames <- frame(5, 6, 7, 8)
	assert.Eventually(t, func() bool { return m.Display(p.ID()).Len() == 4 }, time.Second, time.Millisecond)
}

func TestManager_EndedChannelIsReopened(t *testing.T) {
	source := &fakeSource{}
	m := NewManager(source, &fakePause{})
	p := plot.NewConfig("field", `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":0}`)

	require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	source.opened()[0].end()
	assert.Eventually(t, func() bool { return !m.Subscribed(p.ID()) }, time.Second, time.Millisecond)

	require.NoError(t, m.EnsureSubscribed(context.Background(), p))
	assert.Len(t, source.opened(), 2)
	require.NoError(t, m.Close(p.ID()))
}

// slowSource holds the dial of one plot until released
type slowSource struct {
	fakeSource
	slowPlot string
	dialing  chan struct{}
	release  chan struct{}
}

func (s *slowSource) ListenToPlotData(ctx context.Context, plotID string) (Channel, error) {
	if plotID == s.slowPlot {
		close(s.dialing)
		<-s.release
	}
	return s.fakeSource.ListenToPlotData(ctx, plotID)
}

func TestManager_SlowDialDoesNotBlockOtherPlots(t *testing.T) {
	ctx := context.Background()
	fast := plot.NewConfig("fast", `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":0}`)
	slow := plot.NewConfig("slow", `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":1}`)

	source := &slowSource{slowPlot: slow.ID(), dialing: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(source, &fakePause{})

	require.NoError(t, m.EnsureSubscribed(ctx, fast))
	fastCh := source.opened()[0]

	done := make(chan error, 1)
	go func() { done <- m.EnsureSubscribed(ctx, slow) }()
	<-source.dialing

	// Frames of the other plot keep flowing while the dial is in flight
	fastCh.frames <- frame(1, 2)
	assert.Eventually(t, func() bool { return m.Display(fast.ID()).Len() == 2 }, time.Second, time.Millisecond)
	fastCh.frames <- frame(1, 2, 3)
	assert.Eventually(t, func() bool { return m.Display(fast.ID()).Len() == 3 }, time.Second, time.Millisecond)

	require.ErrorIs(t, m.EnsureSubscribed(ctx, slow), ErrAlreadySubscribed)
	assert.False(t, m.Subscribed(slow.ID()))

	close(source.release)
	require.NoError(t, <-done)
	assert.True(t, m.Subscribed(slow.ID()))
	assert.Len(t, source.opened(), 2)

	require.NoError(t, m.CloseAll())
}

func TestManager_CloseDuringDialDropsChannel(t *testing.T) {
	ctx := context.Background()
	p := plot.NewConfig("slow", `{"port_url":"a","device_route":"/0","stream_id":0,"column_index":0}`)

	source := &slowSource{slowPlot: p.ID(), dialing: make(chan struct{}), release: make(chan struct{})}
	m := NewManager(source, &fakePause{})

	done := make(chan error, 1)
	go func() { done <- m.EnsureSubscribed(ctx, p) }()
	<-source.dialing

	require.NoError(t, m.Close(p.ID()))
	close(source.release)
	require.NoError(t, <-done)

	assert.False(t, m.Subscribed(p.ID()))
	opened := source.opened()
	require.Len(t, opened, 1)
	assert.True(t, opened[0].closed.Load())
}

type fakeFetcher struct {
	mu    sync.Mutex
	data  plotdata.PlotData
	calls int
	gate  chan struct{}
}

func (f *fakeFetcher) GetMergedPlotData(_ context.Context, _ []pipeline.ID) (plotdata.PlotData, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.data, nil
}

func (f *fakeFetcher) set(data plotdata.PlotData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
}

func TestPoller_AppendsOnlyNewRows(t *testing.T) {
	fetcher := &fakeFetcher{data: frame(1, 2, 3)}
	target := Target{PlotID: "p", View: plot.ViewTimeseries, IDs: []pipeline.ID{"ts-1"}}
	p, err := NewPoller(fetcher, func() []Target { return []Target{target} }, WithRingCapacity(4))
	require.NoError(t, err)

	require.True(t, p.TryTick(context.Background()))
	assert.Equal(t, []float64{1, 2, 3}, p.Display("p").Timestamps)

	fetcher.set(frame(2, 3, 4, 5))
	require.True(t, p.TryTick(context.Background()))
	assert.Equal(t, []float64{2, 3, 4, 5}, p.Display("p").Timestamps)
	assert.Equal(t, []float64{4, 6, 8, 10}, p.Display("p").Series[0])
}

func TestPoller_SkipsTickWhileInFlight(t *testing.T) {
	fetcher := &fakeFetcher{data: frame(1), gate: make(chan struct{})}
	target := Target{PlotID: "p", View: plot.ViewTimeseries, IDs: []pipeline.ID{"ts-1"}}
	p, err := NewPoller(fetcher, func() []Target { return []Target{target} })
	require.NoError(t, err)

	done := make(chan bool)
	go func() { done <- p.TryTick(context.Background()) }()

	assert.Eventually(t, func() bool { return p.inFlight.Load() }, time.Second, time.Millisecond)
	assert.False(t, p.TryTick(context.Background()))

	close(fetcher.gate)
	assert.True(t, <-done)
	assert.Equal(t, 1, fetcher.calls)
}

func TestPoller_PausedAndRemovedTargets(t *testing.T) {
	fetcher := &fakeFetcher{data: frame(1, 2)}
	targets := []Target{{PlotID: "p", View: plot.ViewTimeseries, IDs: []pipeline.ID{"ts-1"}}}
	p, err := NewPoller(fetcher, func() []Target { return targets })
	require.NoError(t, err)

	p.TryTick(context.Background())
	require.Equal(t, 2, p.Display("p").Len())

	targets[0].Paused = true
	fetcher.set(frame(1, 2, 3))
	p.TryTick(context.Background())
	assert.Equal(t, 2, p.Display("p").Len())

	targets = nil
	p.TryTick(context.Background())
	assert.True(t, p.Display("p").IsEmpty())
}

func TestNewPoller_InvalidCapacity(t *testing.T) {
	_, err := NewPoller(&fakeFetcher{}, func() []Target { return nil }, WithRingCapacity(0))
	require.Error(t, err)
}
