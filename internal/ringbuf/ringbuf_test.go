package ringbuf

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/twinleaf/trendline/internal/plotdata"
)

func row(ts float64, values ...float64) plotdata.PlotData {
	series := make([][]float64, len(values))
	for i, v := range values {
		series[i] = []float64{v}
	}
	return plotdata.PlotData{Timestamps: []float64{ts}, Series: series}
}

func TestBuffer_Wraparound(t *testing.T) {
	const capacity, total = 5, 13

	b, err := New(capacity, 1)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	for i := 0; i < total; i++ {
		b.AppendBulk(row(float64(i)*0.5, float64(i)))
	}

	if !b.IsFull() {
		t.Error("Buffer should be full")
	}
	if last := b.LastTimestamp(); last != float64(total-1)*0.5 {
		t.Errorf("Expected last timestamp %.1f, got %.1f", float64(total-1)*0.5, last)
	}

	out := b.Linearize()
	if out.Len() != capacity {
		t.Fatalf("Expected %d rows, got %d", capacity, out.Len())
	}

	for j := 0; j < capacity; j++ {
		i := total - capacity + j
		if out.Timestamps[j] != float64(i)*0.5 {
			t.Errorf("Row %d: expected timestamp %.1f, got %.1f", j, float64(i)*0.5, out.Timestamps[j])
		}
		if out.Series[0][j] != float64(i) {
			t.Errorf("Row %d: expected value %.1f, got %.1f", j, float64(i), out.Series[0][j])
		}
	}
}

func TestBuffer_NoWrap(t *testing.T) {
	b, err := New(10, 2)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	b.AppendBulk(plotdata.PlotData{
		Timestamps: []float64{1, 2, 3},
		Series:     [][]float64{{10, 20, 30}, {-1, -2, -3}},
	})

	if b.IsFull() {
		t.Error("Buffer should not be full")
	}

	out := b.Linearize()
	expected := []float64{1, 2, 3}
	if out.Len() != len(expected) {
		t.Fatalf("Expected %d rows, got %d", len(expected), out.Len())
	}
	for j, ts := range expected {
		if out.Timestamps[j] != ts {
			t.Errorf("Row %d: expected timestamp %.1f, got %.1f", j, ts, out.Timestamps[j])
		}
		if out.Series[0][j] != ts*10 || out.Series[1][j] != -ts {
			t.Errorf("Row %d: unexpected values %.1f, %.1f", j, out.Series[0][j], out.Series[1][j])
		}
	}
}

func TestBuffer_ExactlyFull(t *testing.T) {
	b, err := New(3, 1)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	b.AppendBulk(plotdata.PlotData{
		Timestamps: []float64{1, 2, 3},
		Series:     [][]float64{{1, 2, 3}},
	})

	out := b.Linearize()
	for j, ts := range []float64{1, 2, 3} {
		if out.Timestamps[j] != ts {
			t.Errorf("Row %d: expected timestamp %.1f, got %.1f", j, ts, out.Timestamps[j])
		}
	}
}

func TestBuffer_MissingValuesAreNaN(t *testing.T) {
	b, err := New(2, 2)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	b.AppendBulk(row(1, 100, 200))
	b.AppendBulk(row(2, 300, 400))

	// Overwrites slot of timestamp 1, second series missing
	b.AppendBulk(plotdata.PlotData{Timestamps: []float64{3}, Series: [][]float64{{500}}})

	out := b.Linearize()
	if out.Timestamps[0] != 2 || out.Timestamps[1] != 3 {
		t.Fatalf("Unexpected timestamps %v", out.Timestamps)
	}
	if out.Series[0][1] != 500 {
		t.Errorf("Expected 500, got %f", out.Series[0][1])
	}
	if !math.IsNaN(out.Series[1][1]) {
		t.Errorf("Expected NaN for missing value, got %f (stale data)", out.Series[1][1])
	}
}

func TestBuffer_MissingValuesEncode(t *testing.T) {
	b, err := New(4, 2)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	b.AppendBulk(plotdata.PlotData{Timestamps: []float64{1, 2}, Series: [][]float64{{1, 2}, {3}}})

	out, err := json.Marshal(b.Linearize())
	if err != nil {
		t.Fatalf("Failed to encode buffer contents: %v", err)
	}
	if want := `{"timestamps":[1,2],"series_data":[[1,2],[3,null]]}`; string(out) != want {
		t.Errorf("Expected %s, got %s", want, out)
	}
}

func TestBuffer_EdgeCases(t *testing.T) {
	b, err := New(4, 1)
	if err != nil {
		t.Fatalf("Failed to create buffer: %v", err)
	}

	if !math.IsInf(b.LastTimestamp(), -1) {
		t.Errorf("Expected -Inf last timestamp, got %f", b.LastTimestamp())
	}

	b.AppendBulk(plotdata.Empty())
	if b.Len() != 0 {
		t.Error("Appending no rows should be a no-op")
	}
	if out := b.Linearize(); out.Len() != 0 || out.SeriesCount() != 1 {
		t.Errorf("Unexpected linearization of empty buffer: %+v", out)
	}

	b.AppendBulk(row(7, 1))
	b.Clear()
	if b.Len() != 0 || !math.IsInf(b.LastTimestamp(), -1) {
		t.Error("Clear should reset the buffer")
	}

	testCases := []struct {
		name        string
		capacity    int
		seriesCount int
	}{
		{"zero capacity", 0, 1},
		{"negative capacity", -3, 1},
		{"negative series count", 5, -1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.capacity, tc.seriesCount)
			if !errors.Is(err, ErrInvalidCapacity) {
				t.Errorf("Expected ErrInvalidCapacity, got %v", err)
			}
		})
	}
}
