package plotdata

import (
	"encoding/json"
	"math"
	"testing"
)

func TestPlotData_JSONMissingValues(t *testing.T) {
	data := PlotData{
		Timestamps: []float64{1, 2, 3},
		Series:     [][]float64{{1, math.NaN(), 3}, {math.Inf(1), 5, 6}},
	}

	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"timestamps":[1,2,3],"series_data":[[1,null,3],[null,5,6]]}`
	if string(b) != want {
		t.Fatalf("Marshal() = %s, want %s", b, want)
	}

	var got PlotData
	if err = json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Len() != 3 || got.SeriesCount() != 2 {
		t.Fatalf("Unmarshal() = %d rows, %d series, want 3 rows, 2 series", got.Len(), got.SeriesCount())
	}
	for _, nan := range [][2]int{{0, 1}, {1, 0}} {
		if v := got.Value(nan[0], nan[1]); !math.IsNaN(v) {
			t.Errorf("Value(%d, %d) = %v, want NaN", nan[0], nan[1], v)
		}
	}
	if v := got.Value(0, 2); v != 3 {
		t.Errorf("Value(0, 2) = %v, want 3", v)
	}
}

func TestPlotData_JSONNullFromBackend(t *testing.T) {
	var got PlotData
	if err := json.Unmarshal([]byte(`{"timestamps":[0.5],"series_data":[[null]]}`), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if v := got.Value(0, 0); !math.IsNaN(v) {
		t.Errorf("Value(0, 0) = %v, want NaN rather than zero", v)
	}
}

func TestPlotData_JSONEmpty(t *testing.T) {
	b, err := json.Marshal(Empty())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"timestamps":[],"series_data":[]}`; string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
}
