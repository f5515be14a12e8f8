package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/monitor"
	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/snapshot"
	"github.com/twinleaf/trendline/internal/workspace"
)

const (
	maxRequestBody = 1 << 16
	requestTimeout = 30 * time.Second
)

var errBadRequest = errors.New("bad request")

type plotResponse struct {
	plot.State
	Height float64 `json:"height"`
}

type layoutResponse struct {
	Mode    plot.LayoutMode    `json:"mode"`
	Heights map[string]float64 `json:"heights"`
}

type pauseResponse struct {
	GlobalPause bool `json:"globalPause"`
}

type statisticsResponse struct {
	Column     column.ID           `json:"column"`
	Statistics *monitor.Statistics `json:"statistics,omitempty"`
}

type fromStreamRequest struct {
	Column     column.ID `json:"column"`
	StreamName string    `json:"streamName" validate:"required"`
}

type selectionRequest struct {
	Keys []string `json:"keys"`
}

type columnRequest struct {
	Column column.ID `json:"column"`
}

type containerRequest struct {
	Height float64 `json:"height" validate:"gt=0"`
}

type resizeRequest struct {
	Percentages []float64 `json:"percentages" validate:"required,dive,gt=0"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// api is the control surface of a workspace
type api struct {
	ws            *workspace.Workspace
	notifications *notify.Recorder
	logger        *slog.Logger
	validate      *validator.Validate
}

func newAPI(ws *workspace.Workspace, notifications *notify.Recorder, serveMetrics bool, logger *slog.Logger) http.Handler {
	a := api{
		ws:            ws,
		notifications: notifications,
		logger:        logger.With(slog.String("component", "api")),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/plots", func(r chi.Router) {
		r.Get("/", a.listPlots)
		r.Post("/", a.addPlot)
		r.Post("/from-stream", a.addPlotFromStream)
		r.Delete("/", a.deleteAllPlots)

		r.Route("/{plotID}", func(r chi.Router) {
			r.Get("/", a.getPlot)
			r.Delete("/", a.removePlot)
			r.Get("/data", a.plotData)
			r.Put("/selection", a.setSelection)
			r.Patch("/settings", a.applySettings)
			r.Post("/pause", a.pausePlot)
			r.Post("/unpause", a.unpausePlot)
			r.Post("/toggle-pause", a.togglePause)
		})
	})

	r.Route("/pause", func(r chi.Router) {
		r.Get("/", a.globalPause)
		r.Post("/toggle", a.toggleGlobalPause)
	})

	r.Route("/layout", func(r chi.Router) {
		r.Get("/", a.layout)
		r.Put("/container", a.setContainerHeight)
		r.Post("/manual", a.switchToManual)
		r.Put("/manual", a.resizeManual)
		r.Post("/rebalance", a.rebalance)
	})

	r.Route("/statistics", func(r chi.Router) {
		r.Get("/", a.listStatistics)
		r.Post("/watch", a.watchColumn)
		r.Post("/unwatch", a.unwatchColumn)
		r.Post("/reset", a.resetStatistics)
	})

	r.Get("/notifications", a.listNotifications)

	if serveMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func (a *api) listPlots(w http.ResponseWriter, _ *http.Request) {
	layout := a.ws.Layout()
	plots := a.ws.Plots()

	resp := make([]plotResponse, len(plots))
	for i, p := range plots {
		resp[i] = plotResponse{State: p.State(), Height: layout[p.ID()]}
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *api) getPlot(w http.ResponseWriter, r *http.Request) {
	p, err := a.ws.Plot(chi.URLParam(r, "plotID"))
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondPlot(w, http.StatusOK, p, nil)
}

func (a *api) addPlot(w http.ResponseWriter, r *http.Request) {
	p, err := a.ws.AddPlot(r.Context())
	a.respondPlot(w, http.StatusCreated, p, err)
}

func (a *api) addPlotFromStream(w http.ResponseWriter, r *http.Request) {
	var req fromStreamRequest
	if !a.decode(w, r, &req) {
		return
	}
	p, err := a.ws.AddPlotFromStream(r.Context(), req.Column, req.StreamName)
	a.respondPlot(w, http.StatusCreated, p, err)
}

func (a *api) removePlot(w http.ResponseWriter, r *http.Request) {
	a.respondEmpty(w, a.ws.RemovePlot(r.Context(), chi.URLParam(r, "plotID")))
}

func (a *api) deleteAllPlots(w http.ResponseWriter, r *http.Request) {
	a.respondEmpty(w, a.ws.DeleteAllPlots(r.Context()))
}

func (a *api) plotData(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plotID")
	if _, err := a.ws.Plot(plotID); err != nil {
		a.respondError(w, err)
		return
	}

	a.respondJSON(w, http.StatusOK, a.ws.Display(plotID))
}

func (a *api) setSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.mutatePlot(w, r, func(id string) error {
		return a.ws.SetSelection(r.Context(), id, req.Keys)
	})
}

func (a *api) applySettings(w http.ResponseWriter, r *http.Request) {
	var req plot.Settings
	if !a.decode(w, r, &req) {
		return
	}
	a.mutatePlot(w, r, func(id string) error {
		return a.ws.ApplySettings(r.Context(), id, req)
	})
}

func (a *api) pausePlot(w http.ResponseWriter, r *http.Request) {
	a.mutatePlot(w, r, func(id string) error {
		return a.ws.Pause(r.Context(), id)
	})
}

func (a *api) unpausePlot(w http.ResponseWriter, r *http.Request) {
	a.mutatePlot(w, r, func(id string) error {
		return a.ws.Unpause(r.Context(), id)
	})
}

func (a *api) togglePause(w http.ResponseWriter, r *http.Request) {
	a.mutatePlot(w, r, func(id string) error {
		return a.ws.TogglePause(r.Context(), id)
	})
}

func (a *api) globalPause(w http.ResponseWriter, _ *http.Request) {
	a.respondJSON(w, http.StatusOK, pauseResponse{GlobalPause: a.ws.IsGlobalPaused()})
}

func (a *api) toggleGlobalPause(w http.ResponseWriter, r *http.Request) {
	if err := a.ws.ToggleGlobalPause(r.Context()); err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, pauseResponse{GlobalPause: a.ws.IsGlobalPaused()})
}

func (a *api) layout(w http.ResponseWriter, _ *http.Request) {
	a.respondLayout(w, nil)
}

func (a *api) setContainerHeight(w http.ResponseWriter, r *http.Request) {
	var req containerRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.ws.SetContainerHeight(req.Height)
	a.respondLayout(w, nil)
}

func (a *api) switchToManual(w http.ResponseWriter, _ *http.Request) {
	a.ws.SwitchToManualMode()
	a.respondLayout(w, nil)
}

func (a *api) resizeManual(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondLayout(w, a.ws.ResizeManual(req.Percentages))
}

func (a *api) rebalance(w http.ResponseWriter, _ *http.Request) {
	a.ws.Rebalance()
	a.respondLayout(w, nil)
}

func (a *api) listStatistics(w http.ResponseWriter, _ *http.Request) {
	watched := a.ws.Monitor().Watched()

	resp := make([]statisticsResponse, len(watched))
	for i, id := range watched {
		resp[i].Column = id
		if stats, ok := a.ws.ColumnStatistics(id); ok {
			resp[i].Statistics = &stats
		}
	}
	a.respondJSON(w, http.StatusOK, resp)
}

func (a *api) watchColumn(w http.ResponseWriter, r *http.Request) {
	var req columnRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondEmpty(w, a.ws.WatchColumn(r.Context(), req.Column))
}

func (a *api) unwatchColumn(w http.ResponseWriter, r *http.Request) {
	var req columnRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondEmpty(w, a.ws.UnwatchColumn(r.Context(), req.Column))
}

func (a *api) resetStatistics(w http.ResponseWriter, r *http.Request) {
	var req columnRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondEmpty(w, a.ws.ResetColumnStatistics(r.Context(), req.Column))
}

func (a *api) listNotifications(w http.ResponseWriter, _ *http.Request) {
	a.respondJSON(w, http.StatusOK, a.notifications.All())
}

// mutatePlot runs fn on the plot named in the path and responds with its new state
func (a *api) mutatePlot(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := chi.URLParam(r, "plotID")
	err := fn(id)
	if errors.Is(err, plot.ErrPlotNotFound) {
		a.respondError(w, err)
		return
	}

	p, getErr := a.ws.Plot(id)
	if getErr != nil {
		a.respondError(w, getErr)
		return
	}
	a.respondPlot(w, http.StatusOK, p, err)
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.respondError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		a.respondError(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return false
	}
	return true
}

func (a *api) respondPlot(w http.ResponseWriter, code int, p *plot.Config, err error) {
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, code, plotResponse{State: p.State(), Height: a.ws.Layout()[p.ID()]})
}

func (a *api) respondLayout(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, layoutResponse{Mode: a.ws.LayoutMode(), Heights: a.ws.Layout()})
}

func (a *api) respondEmpty(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondError maps an error to a status code. Backend failures are reported as a bad
// gateway; the plot mutation that triggered them is kept.
func (a *api) respondError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, plot.ErrPlotNotFound), errors.Is(err, monitor.ErrNotWatched):
		code = http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, plot.ErrInvalidSettings), errors.Is(err, plot.ErrLayoutMismatch):
		code = http.StatusBadRequest
	case errors.Is(err, snapshot.ErrNoVisibleData), errors.Is(err, snapshot.ErrGlobalPauseActive):
		code = http.StatusConflict
	default:
		a.logger.Warn("control request failed", slog.Any("error", err))
	}
	a.respondJSON(w, code, errorResponse{Error: err.Error()})
}

func (a *api) respondJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("encoding response", slog.Any("error", err))
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(append(body, '\n')); err != nil {
		a.logger.Debug("writing response", slog.Any("error", err))
	}
}
