// Package backend is the boundary to the processing backend: the Backend interface, its
// JSON wire types, an HTTP and websocket Client and a chi Server exposing any Backend.
package backend

import (
	"context"
	"errors"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/plotdata"
	"github.com/twinleaf/trendline/internal/snapshot"
	"github.com/twinleaf/trendline/internal/subscription"
)

var (
	// ErrNotFound is returned for unknown pipelines and plots
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for requests failing validation
	ErrInvalidRequest = errors.New("invalid request")
)

// Backend is the full request/response and push-channel surface of the processing backend
type Backend interface {
	pipeline.Client
	snapshot.Client

	CreateStatisticsProvider(ctx context.Context, source column.ID, windowSeconds float64) (pipeline.ID, error)
	ResetStatisticsProvider(ctx context.Context, id pipeline.ID) error
	ListenToStatistics(ctx context.Context, id pipeline.ID) (monitor.Channel, error)

	ListenToPlotData(ctx context.Context, plotID string) (subscription.Channel, error)
	GetMergedPlotData(ctx context.Context, ids []pipeline.ID) (plotdata.PlotData, error)
}

type PassthroughRequest struct {
	Source        column.ID `json:"source"`
	WindowSeconds float64   `json:"window_seconds" validate:"gt=0"`
}

type FpcsRequest struct {
	Source        column.ID `json:"source"`
	Ratio         int       `json:"ratio" validate:"min=1"`
	WindowSeconds float64   `json:"window_seconds" validate:"gt=0"`
}

type DetrendRequest struct {
	Source        column.ID          `json:"source"`
	WindowSeconds float64            `json:"window_seconds" validate:"gt=0"`
	Method        plot.DetrendMethod `json:"method" validate:"oneof=None Linear Quadratic"`
}

type FFTRequest struct {
	SourceID pipeline.ID `json:"source_id" validate:"required"`
}

type StatisticsRequest struct {
	Source        column.ID `json:"source"`
	WindowSeconds float64   `json:"window_seconds" validate:"gt=0"`
}

type PipelineResponse struct {
	ID pipeline.ID `json:"id"`
}

type PauseRequest struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time" validate:"gtefield=StartTime"`
}

type PipelinesRequest struct {
	IDs []pipeline.ID `json:"ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}
