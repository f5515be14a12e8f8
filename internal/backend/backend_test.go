package backend_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/backend/sim"
	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
)

var testColumn = column.ID{PortURL: "tcp://localhost", DeviceRoute: "/0", StreamID: 1, ColumnIndex: 2}

func newTestClient(t *testing.T) *backend.Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := sim.New(sim.WithPushInterval(5 * time.Millisecond))
	go func() { _ = b.Run(ctx) }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(backend.NewServer(b, logger))
	t.Cleanup(srv.Close)

	client, err := backend.NewClient(srv.URL, backend.WithLogger(logger), backend.WithRequestTimeout(2*time.Second))
	require.NoError(t, err)
	return client
}

func TestClient_PipelineRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	raw, err := client.CreatePassthroughPipeline(ctx, testColumn, 5)
	require.NoError(t, err)
	assert.False(t, raw.IsZero())

	detrended, err := client.CreateDetrendPipeline(ctx, testColumn, 5, plot.DetrendQuadratic)
	require.NoError(t, err)

	fft, err := client.CreateFFTPipelineFromSource(ctx, detrended)
	require.NoError(t, err)

	require.NoError(t, client.SetPlotPipelines(ctx, "plot-1", []pipeline.ID{raw}))
	require.NoError(t, client.SetPlotPipelines(ctx, "plot-1", nil))

	data, err := client.GetMergedPlotData(ctx, []pipeline.ID{fft})
	require.NoError(t, err)
	assert.Equal(t, 1, data.SeriesCount())
	assert.False(t, data.IsEmpty())

	require.NoError(t, client.DestroyProcessor(ctx, fft))
	require.NoError(t, client.DestroyProcessor(ctx, fft))

	err = client.SetPlotPipelines(ctx, "plot-1", []pipeline.ID{fft})
	require.ErrorIs(t, err, backend.ErrNotFound)

	var statusErr *backend.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 404, statusErr.Code)
}

func TestClient_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.CreateFpcsPipeline(ctx, testColumn, 0, 5)
	require.ErrorIs(t, err, backend.ErrInvalidRequest)

	_, err = client.CreateDetrendPipeline(ctx, testColumn, 5, plot.DetrendMethod("Cubic"))
	require.ErrorIs(t, err, backend.ErrInvalidRequest)

	_, err = client.CreateFFTPipelineFromSource(ctx, "")
	require.ErrorIs(t, err, backend.ErrInvalidRequest)

	require.ErrorIs(t, client.PausePlot(ctx, "plot-1", 12, 10), backend.ErrInvalidRequest)
	require.ErrorIs(t, client.ResetStatisticsProvider(ctx, "missing"), backend.ErrNotFound)
}

func TestClient_PlotChannel(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	id, err := client.CreatePassthroughPipeline(ctx, testColumn, 5)
	require.NoError(t, err)
	require.NoError(t, client.SetPlotPipelines(ctx, "plot-1", []pipeline.ID{id}))

	ch, err := client.ListenToPlotData(ctx, "plot-1")
	require.NoError(t, err)

	select {
	case frame, ok := <-ch.Frames():
		require.True(t, ok)
		assert.Equal(t, 1, frame.SeriesCount())
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestClient_StatisticsChannel(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.ListenToStatistics(ctx, "missing")
	require.ErrorIs(t, err, backend.ErrNotFound)

	id, err := client.CreateStatisticsProvider(ctx, testColumn, 1)
	require.NoError(t, err)

	ch, err := client.ListenToStatistics(ctx, id)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, client.DestroyProcessor(ctx, id))

	// The channel ends once the provider is gone
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch.Updates():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
}
