package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/notify"
	"github.com/twinleaf/trendline/internal/plot"
	"github.com/twinleaf/trendline/internal/storage"
	"github.com/twinleaf/trendline/internal/workspace"
)

const (
	notificationHistory = 100
	shutdownTimeout     = 5 * time.Second
)

// Run connects to the backend, creates the configured plots and serves the control API
// until ctx is done
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	client, err := backend.NewClient(config.Backend.URL,
		backend.WithLogger(logger),
		backend.WithRequestTimeout(config.Backend.RequestTimeout.Duration()))
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}

	notifications := notify.NewRecorder(notificationHistory, notify.NewLoggerNotifier(logger))

	options := []workspace.Option{
		workspace.WithLogger(logger),
		workspace.WithNotifier(notifications),
		workspace.WithRateSource(config.Rates()),
		workspace.WithTransport(config.Display.Transport),
		workspace.WithPollInterval(config.Display.PollInterval.Duration()),
		workspace.WithRingCapacity(config.Display.RingCapacity),
		workspace.WithStatisticsWindow(config.Display.StatisticsWindow),
	}

	if config.Storage.Enabled {
		store, err := createStorage(&config.Storage)
		if err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("closing storage", slog.Any("error", err))
			}
		}()
		options = append(options, workspace.WithStore(store))
	}

	ws, err := workspace.New(client, options...)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	if err = createPlots(ctx, ws, config.Plots, logger); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.Run(ctx)
	})

	serveMetrics := config.Metrics.Listen == ""
	g.Go(func() error {
		return serve(ctx, config.Control.Listen, newAPI(ws, notifications, serveMetrics, logger), logger)
	})

	if !serveMetrics {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serve(ctx, config.Metrics.Listen, mux, logger)
		})
	}

	return g.Wait()
}

// createPlots adds the configured plots. Backend failures are reported and leave the
// plots in place, so they can be fixed through the control API.
func createPlots(ctx context.Context, ws *workspace.Workspace, plots []PlotConfig, logger *slog.Logger) error {
	for i, pc := range plots {
		title := pc.Title
		if title == "" {
			title = plot.DefaultTitle
		}

		p := plot.NewConfig(title, pc.Keys()...)
		if err := p.Apply(pc.Settings()); err != nil {
			return fmt.Errorf("configuring plot %d: %w", i, err)
		}

		if err := ws.Add(ctx, p); err != nil {
			logger.Warn("creating plot pipelines", slog.String("plot", title), slog.Any("error", err))
			continue
		}
		logger.Info("plot created", slog.String("plot", title), slog.Int("columns", len(pc.Columns)))
	}
	return nil
}

func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("address", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", addr, err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbPath := config.DataDirectory
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(wd, dbPath)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("trendline_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.NewSqliteStore(dbPath), nil
}
