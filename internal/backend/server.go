package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/twinleaf/trendline/internal/pipeline"
)

const maxRequestBody = 1 << 20

// Server exposes a Backend over HTTP JSON calls and websocket push channels
type Server struct {
	backend  Backend
	logger   *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	router   chi.Router
}

// NewServer creates a Server for backend
func NewServer(backend Backend, logger *slog.Logger) *Server {
	s := Server{
		backend:  backend,
		logger:   logger.With(slog.String("component", "backend-server")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/passthrough", s.createPassthrough)
		r.Post("/fpcs", s.createFpcs)
		r.Post("/detrend", s.createDetrend)
		r.Post("/fft", s.createFFT)
	})
	r.Delete("/processors/{id}", s.destroyProcessor)

	r.Route("/statistics", func(r chi.Router) {
		r.Post("/", s.createStatistics)
		r.Post("/{id}/reset", s.resetStatistics)
		r.Get("/{id}/listen", s.listenStatistics)
	})

	r.Route("/plots/{plotID}", func(r chi.Router) {
		r.Post("/pipelines", s.setPlotPipelines)
		r.Post("/pause", s.pausePlot)
		r.Post("/unpause", s.unpausePlot)
		r.Get("/listen", s.listenPlot)
	})
	r.Post("/merged", s.mergedPlotData)

	s.router = r
	return &s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) createPassthrough(w http.ResponseWriter, r *http.Request) {
	var req PassthroughRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.backend.CreatePassthroughPipeline(r.Context(), req.Source, req.WindowSeconds)
	s.respondPipeline(w, id, err)
}

func (s *Server) createFpcs(w http.ResponseWriter, r *http.Request) {
	var req FpcsRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.backend.CreateFpcsPipeline(r.Context(), req.Source, req.Ratio, req.WindowSeconds)
	s.respondPipeline(w, id, err)
}

func (s *Server) createDetrend(w http.ResponseWriter, r *http.Request) {
	var req DetrendRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.backend.CreateDetrendPipeline(r.Context(), req.Source, req.WindowSeconds, req.Method)
	s.respondPipeline(w, id, err)
}

func (s *Server) createFFT(w http.ResponseWriter, r *http.Request) {
	var req FFTRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.backend.CreateFFTPipelineFromSource(r.Context(), req.SourceID)
	s.respondPipeline(w, id, err)
}

func (s *Server) createStatistics(w http.ResponseWriter, r *http.Request) {
	var req StatisticsRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.backend.CreateStatisticsProvider(r.Context(), req.Source, req.WindowSeconds)
	s.respondPipeline(w, id, err)
}

func (s *Server) destroyProcessor(w http.ResponseWriter, r *http.Request) {
	id := pipeline.ID(chi.URLParam(r, "id"))
	s.respondEmpty(w, s.backend.DestroyProcessor(r.Context(), id))
}

func (s *Server) resetStatistics(w http.ResponseWriter, r *http.Request) {
	id := pipeline.ID(chi.URLParam(r, "id"))
	s.respondEmpty(w, s.backend.ResetStatisticsProvider(r.Context(), id))
}

func (s *Server) setPlotPipelines(w http.ResponseWriter, r *http.Request) {
	var req PipelinesRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondEmpty(w, s.backend.SetPlotPipelines(r.Context(), chi.URLParam(r, "plotID"), req.IDs))
}

func (s *Server) pausePlot(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.respondEmpty(w, s.backend.PausePlot(r.Context(), chi.URLParam(r, "plotID"), req.StartTime, req.EndTime))
}

func (s *Server) unpausePlot(w http.ResponseWriter, r *http.Request) {
	s.respondEmpty(w, s.backend.UnpausePlot(r.Context(), chi.URLParam(r, "plotID")))
}

func (s *Server) mergedPlotData(w http.ResponseWriter, r *http.Request) {
	var req PipelinesRequest
	if !s.decode(w, r, &req) {
		return
	}
	data, err := s.backend.GetMergedPlotData(r.Context(), req.IDs)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, data)
}

func (s *Server) listenPlot(w http.ResponseWriter, r *http.Request) {
	plotID := chi.URLParam(r, "plotID")

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	ch, err := s.backend.ListenToPlotData(ctx, plotID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer ch.Close()

	stream(s, w, r, cancel, ch.Frames(), s.logger.With(slog.String("plot", plotID)))
}

func (s *Server) listenStatistics(w http.ResponseWriter, r *http.Request) {
	id := pipeline.ID(chi.URLParam(r, "id"))

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	ch, err := s.backend.ListenToStatistics(ctx, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	defer ch.Close()

	stream(s, w, r, cancel, ch.Updates(), s.logger.With(slog.String("provider", id.String())))
}

// stream upgrades the request and writes every value of source as a JSON message
// until source ends or the peer goes away.
func stream[T any](s *Server, w http.ResponseWriter, r *http.Request, cancel context.CancelFunc, source <-chan T, logger *slog.Logger) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrading channel", slog.Any("error", err))
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Reading is required to notice the peer going away
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("channel read", slog.Any("error", err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case v, ok := <-source:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(v); err != nil {
				logger.Debug("channel write", slog.Any("error", err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-readDone:
			return
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		s.respondError(w, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) respondPipeline(w http.ResponseWriter, id pipeline.ID, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, PipelineResponse{ID: id})
}

func (s *Server) respondEmpty(w http.ResponseWriter, err error) {
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		code = http.StatusBadRequest
	default:
		s.logger.Error("backend call failed", slog.Any("error", err))
	}
	s.respondJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding response", slog.Any("error", err))
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("writing response", slog.Any("error", err))
	}
}
