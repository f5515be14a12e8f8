package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/twinleaf/trendline/internal/column"
	"github.com/twinleaf/trendline/internal/render"
	"github.com/twinleaf/trendline/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	switch {
	case config.List:
		return listSnapshots(ctx, store, logger)
	case config.Journal:
		return printJournal(ctx, store, config.PlotID, logger)
	default:
		return renderSnapshot(ctx, store, config, logger)
	}
}

func listSnapshots(ctx context.Context, store *storage.SqliteStore, logger *slog.Logger) error {
	snaps, err := store.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("reading snapshots: %w", err)
	}

	for _, s := range snaps {
		logger.Info("snapshot",
			slog.Int64("id", s.ID),
			slog.String("plot", s.PlotID),
			slog.String("title", s.Title),
			slog.Int("columns", len(s.Keys)),
			slog.String("rows", humanize.Comma(int64(s.NumRows))),
			slog.String("captured", humanize.Time(s.CreatedAt)))
	}
	logger.Info("finished listing snapshots", slog.Int("count", len(snaps)))
	return nil
}

func printJournal(ctx context.Context, store *storage.SqliteStore, plotID string, logger *slog.Logger) error {
	var opts []storage.ReaderOption
	if plotID != "" {
		opts = append(opts, storage.WithPlot(plotID))
	}

	iter, err := store.ReadOperations(ctx, opts...)
	if err != nil {
		return err
	}
	defer iter.Close()

	var total, failed int
	for iter.Next(ctx) {
		op := iter.Current()
		total++

		attrs := []any{
			slog.String("plot", op.PlotID),
			slog.String("action", string(op.Action)),
			slog.String("kind", string(op.Kind)),
			slog.String("pipeline", op.PipelineID.String()),
			slog.String("at", op.RecordedAt.Local().Format(time.DateTime)),
		}
		if op.Failed() {
			failed++
			logger.Warn("operation failed", append(attrs, slog.String("error", *op.Error))...)
			continue
		}
		logger.Info("operation", attrs...)
	}
	if err = iter.Error(); err != nil {
		return err
	}

	logger.Info("finished reading journal", slog.Int("operations", total), slog.Int("failed", failed))
	return nil
}

func renderSnapshot(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger) error {
	snap, err := store.Snapshot(ctx, config.SnapshotID)
	if err != nil {
		return fmt.Errorf("reading snapshot %d: %w", config.SnapshotID, err)
	}

	logger.Info("finished reading snapshot",
		slog.Group("stats",
			slog.String("plot", snap.PlotID),
			slog.String("title", snap.Title),
			slog.Float64("start", snap.StartTime),
			slog.Float64("end", snap.EndTime),
			slog.String("rows", humanize.Comma(int64(snap.Data.Len()))),
			slog.Int("series", snap.Data.SeriesCount()),
		))

	renderer, err := render.NewRenderer(render.RenderConfig{
		Width:    config.Width,
		Height:   config.Height,
		Location: config.TimeZone,
	})
	if err != nil {
		return fmt.Errorf("creating chart renderer: %w", err)
	}

	img, err := renderer.Render(&render.Chart{
		Title:     snap.Title,
		Labels:    seriesLabels(snap.Keys),
		Data:      snap.Data,
		CreatedAt: snap.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("rendering snapshot: %w", err)
	}

	logger.Info("writing image",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()),
		))

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	if err = render.Encode(out, img, config.Format); err != nil {
		_ = out.Close()
		return fmt.Errorf("encoding image: %w", err)
	}
	return out.Close()
}

// seriesLabels names each series after its column, falling back to the raw key
func seriesLabels(keys []string) []string {
	labels := make([]string, len(keys))
	for i, key := range keys {
		id, err := column.ParseKey(key)
		if err != nil {
			labels[i] = key
			continue
		}
		labels[i] = id.String()
	}
	return labels
}
