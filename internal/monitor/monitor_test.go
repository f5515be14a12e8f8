package monitor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/pipeline"
)

type fakeChannel struct {
	updates chan Statistics
}

func (c *fakeChannel) Updates() <-chan Statistics {
	return c.updates
}

func (c *fakeChannel) Close() error {
	return nil
}

type fakeClient struct {
	mu        sync.Mutex
	created   int
	destroyed []pipeline.ID
	resets    []pipeline.ID
	channels  map[pipeline.ID]*fakeChannel
	listenErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{channels: make(map[pipeline.ID]*fakeChannel)}
}

func (f *fakeClient) CreateStatisticsProvider(_ context.Context, _ column.ID, _ float64) (pipeline.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return pipeline.ID("stats-" + string(rune('0'+f.created))), nil
}

func (f *fakeClient) ListenToStatistics(_ context.Context, id pipeline.ID) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	ch := &fakeChannel{updates: make(chan Statistics, 4)}
	f.channels[id] = ch
	return ch, nil
}

func (f *fakeClient) ResetStatisticsProvider(_ context.Context, id pipeline.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeClient) DestroyProcessor(_ context.Context, id pipeline.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return nil
}

var testColumn = column.ID{PortURL: "tcp://localhost", DeviceRoute: "/0", StreamID: 2, ColumnIndex: 1}

func TestStreamMonitor_WatchLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	m := New(client)

	require.NoError(t, m.Watch(ctx, testColumn))
	require.NoError(t, m.Watch(ctx, testColumn))
	assert.Equal(t, 1, client.created)
	assert.Equal(t, []column.ID{testColumn}, m.Watched())

	_, ok := m.Latest(testColumn)
	assert.False(t, ok)

	client.channels["stats-1"].updates <- Statistics{Latest: 4.5}
	assert.Eventually(t, func() bool {
		s, ok := m.Latest(testColumn)
		return ok && s.Latest == 4.5
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Reset(ctx, testColumn))
	assert.Equal(t, []pipeline.ID{"stats-1"}, client.resets)
	_, ok = m.Latest(testColumn)
	assert.False(t, ok)

	require.NoError(t, m.Unwatch(ctx, testColumn))
	assert.Equal(t, []pipeline.ID{"stats-1"}, client.destroyed)
	assert.Empty(t, m.Watched())
	require.ErrorIs(t, m.Reset(ctx, testColumn), ErrNotWatched)
}

func TestStreamMonitor_ListenFailureDestroysProvider(t *testing.T) {
	client := newFakeClient()
	client.listenErr = errors.New("no channel")
	m := New(client)

	require.Error(t, m.Watch(context.Background(), testColumn))
	assert.Equal(t, []pipeline.ID{"stats-1"}, client.destroyed)
	assert.Empty(t, m.Watched())
}

func TestAccumulator(t *testing.T) {
	var a Accumulator
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9, math.NaN(), math.Inf(1)} {
		a.Update(v)
	}

	s := a.Stats()
	assert.Equal(t, uint64(8), s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.InDelta(t, math.Sqrt(32.0/7.0), s.Stdev, 1e-12)
	assert.InDelta(t, math.Sqrt(232.0/8.0), s.RMS, 1e-12)
	assert.Equal(t, uint64(2), a.NaNCount())

	a.Reset()
	assert.Equal(t, StatisticSet{}, a.Stats())
}
