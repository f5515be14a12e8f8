package plotdata

import (
	"encoding/json"
	"math"
)

// wirePlotData is the JSON form of PlotData. Missing values travel as null.
type wirePlotData struct {
	Timestamps []*float64   `json:"timestamps"`
	Series     [][]*float64 `json:"series_data"`
}

// MarshalJSON encodes NaN and infinite values as null
func (p PlotData) MarshalJSON() ([]byte, error) {
	w := wirePlotData{
		Timestamps: toNullable(p.Timestamps),
		Series:     make([][]*float64, len(p.Series)),
	}
	for i, s := range p.Series {
		w.Series[i] = toNullable(s)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes null values as NaN
func (p *PlotData) UnmarshalJSON(data []byte) error {
	var w wirePlotData
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	p.Timestamps = fromNullable(w.Timestamps)
	p.Series = make([][]float64, len(w.Series))
	for i, s := range w.Series {
		p.Series[i] = fromNullable(s)
	}
	return nil
}

func toNullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if math.IsNaN(values[i]) || math.IsInf(values[i], 0) {
			continue
		}
		out[i] = &values[i]
	}
	return out
}

func fromNullable(values []*float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	return out
}
