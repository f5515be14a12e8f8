package app

import (
	"context"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/twinleaf/trendline/internal/pipeline"
	"github.com/twinleaf/trendline/internal/plotdata"
	"github.com/twinleaf/trendline/internal/render"
	"github.com/twinleaf/trendline/internal/snapshot"
	"github.com/twinleaf/trendline/internal/storage"
)

func seedStore(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "trendline.sqlite")

	data := plotdata.WithSeriesCapacity(1)
	for j := range 100 {
		x := float64(j) * 0.1
		data.Timestamps = append(data.Timestamps, x)
		data.Series[0] = append(data.Series[0], math.Sin(x))
	}

	store := storage.NewSqliteStore(dbPath)
	if err := store.RecordOperation(ctx, pipeline.Operation{PlotID: "plot-1", Key: "k", Action: pipeline.ActionCreate, Kind: pipeline.KindFpcs, PipelineID: "p1", At: time.Now()}); err != nil {
		t.Fatalf("RecordOperation() error = %v", err)
	}
	err := store.SaveSnapshot(ctx, snapshot.Snapshot{
		PlotID:    "plot-1",
		Title:     "Field",
		Keys:      []string{"k"},
		StartTime: 0,
		EndTime:   9.9,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err = store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return dbPath
}

func TestRun_RendersSnapshot(t *testing.T) {
	dbPath := seedStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	output := filepath.Join(t.TempDir(), "chart.png")

	config := NewConfig()
	config.DBPath = dbPath
	config.SnapshotID = 1
	config.OutputFile = output
	config.Format = render.ImagePNG
	config.Width, config.Height = 300, 150

	if err := Run(context.Background(), config, logger); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("opening output: %v", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if img.Bounds().Dx() <= 300 || img.Bounds().Dy() <= 150 {
		t.Errorf("image bounds = %v, want chart area plus borders", img.Bounds())
	}
}

func TestRun_ListAndJournal(t *testing.T) {
	dbPath := seedStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for _, config := range []*Config{
		{DBPath: dbPath, List: true},
		{DBPath: dbPath, Journal: true, PlotID: "plot-1"},
	} {
		if err := Run(context.Background(), config, logger); err != nil {
			t.Fatalf("Run(%+v) error = %v", config, err)
		}
	}
}

func TestRun_MissingSnapshot(t *testing.T) {
	dbPath := seedStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config := NewConfig()
	config.DBPath = dbPath
	config.SnapshotID = 42
	config.OutputFile = filepath.Join(t.TempDir(), "chart.png")

	if err := Run(context.Background(), config, logger); err == nil {
		t.Fatal("Run() succeeded for a missing snapshot")
	}
	if err := Run(context.Background(), &Config{DBPath: filepath.Join(t.TempDir(), "missing.sqlite")}, logger); err == nil {
		t.Fatal("Run() succeeded for a missing database")
	}
}
