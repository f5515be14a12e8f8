// Command trendline-sim serves an in-memory processing backend that produces
// synthetic samples, for running trendline without hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/twinleaf/trendline/internal/backend"
	"github.com/twinleaf/trendline/internal/backend/sim"
)

func main() {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	var (
		listen       string
		level        string
		sampleRate   float64
		pushInterval time.Duration
	)
	flag.StringVar(&listen, "listen", "127.0.0.1:8800", "Address to serve the backend on")
	flag.StringVar(&level, "log-level", "info", "Log level [debug, info, warn, error]")
	flag.Float64Var(&sampleRate, "rate", 100, "Sampling rate of every simulated stream in Hz")
	flag.DurationVar(&pushInterval, "push-interval", 33*time.Millisecond, "Interval between pushed frames")
	flag.Parse()

	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		logger.Error(fmt.Sprintf("invalid log level: %s", level))
		os.Exit(1)
	}
	logLevel.Set(l)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, listen, sampleRate, pushInterval, logger); err != nil {
		logger.Error(err.Error())

		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, listen string, sampleRate float64, pushInterval time.Duration, logger *slog.Logger) error {
	b := sim.New(
		sim.WithLogger(logger.With(slog.String("component", "sim"))),
		sim.WithSampleRate(sampleRate),
		sim.WithPushInterval(pushInterval))

	server := http.Server{
		Addr:              listen,
		Handler:           backend.NewServer(b, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("serving simulated backend",
			slog.String("address", listen),
			slog.String("rate", humanize.SIWithDigits(sampleRate, 2, "Hz")),
			slog.Duration("pushInterval", pushInterval))

		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", listen, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
