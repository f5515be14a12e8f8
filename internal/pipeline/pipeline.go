// Package pipeline keeps the backend processing pipelines of every plot in line with
// the plot's selection and view settings.
package pipeline

import (
	"context"
	"time"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/plot"
)

// ID is an opaque backend pipeline identifier. The zero value means "no pipeline".
type ID string

// IsZero reports whether the id refers to no pipeline
func (id ID) IsZero() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

// Kind is the kind of a backend pipeline
type Kind string

const (
	KindPassthrough Kind = "passthrough"
	KindFpcs        Kind = "fpcs"
	KindDetrend     Kind = "detrend"
	KindFFT         Kind = "fft"
)

// Client is the request/response boundary used to create and destroy pipelines.
// Every call may fail; none of them is retried by the reconciler.
type Client interface {
	// CreatePassthroughPipeline creates a pipeline forwarding the raw column over a window
	CreatePassthroughPipeline(ctx context.Context, source column.ID, windowSeconds float64) (ID, error)

	// CreateFpcsPipeline creates a decimating pipeline keeping every ratio-th feature point
	CreateFpcsPipeline(ctx context.Context, source column.ID, ratio int, windowSeconds float64) (ID, error)

	// CreateDetrendPipeline creates a detrending pipeline over the raw column
	CreateDetrendPipeline(ctx context.Context, source column.ID, windowSeconds float64, method plot.DetrendMethod) (ID, error)

	// CreateFFTPipelineFromSource creates an FFT pipeline consuming another pipeline
	CreateFFTPipelineFromSource(ctx context.Context, source ID) (ID, error)

	// DestroyProcessor destroys a pipeline. Unknown ids are not an error.
	DestroyProcessor(ctx context.Context, id ID) error

	// SetPlotPipelines sets the pipelines whose output is merged into the plot's channel
	SetPlotPipelines(ctx context.Context, plotID string, ids []ID) error
}

// RateSource reports the highest sampling rate, in Hz, of the stream a column belongs to.
// Unknown columns report zero.
type RateSource interface {
	MaxSamplingRate(id column.ID) float64
}

// StaticRates is a RateSource backed by a map keyed by column.ID.StreamKey
type StaticRates map[string]float64

func (s StaticRates) MaxSamplingRate(id column.ID) float64 {
	return s[id.StreamKey()]
}

// Action is a lifecycle operation recorded in the journal
type Action string

const (
	ActionCreate  Action = "create"
	ActionDestroy Action = "destroy"
)

// Operation is a journal record of a single backend lifecycle call
type Operation struct {
	PlotID     string
	Key        string
	Action     Action
	Kind       Kind
	PipelineID ID
	Err        error
	At         time.Time
}

// Journal records backend lifecycle calls
type Journal interface {
	RecordOperation(ctx context.Context, op Operation) error
}
