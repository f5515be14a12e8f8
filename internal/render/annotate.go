package render

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const legendSwatchWidth = 14

type annotatorConfig struct {
	DatetimeFormat string
	Location       *time.Location
	FontSize       float64
	Borders        BorderConfig
}

type annotator struct {
	context    *freetype.Context
	config     annotatorConfig
	fontFace   font.Face
	fontHeight int
	descent    int
}

func newAnnotator(config annotatorConfig) (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(config.FontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	face := truetype.NewFace(parsedFont, &truetype.Options{
		Size:    config.FontSize,
		DPI:     dpi,
		Hinting: font.HintingNone,
	})
	metrics := face.Metrics()

	return &annotator{
		context:    ctx,
		config:     config,
		fontFace:   face,
		fontHeight: (metrics.Ascent + metrics.Descent).Round(),
		descent:    metrics.Descent.Round(),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, area image.Rectangle, chart *Chart, s *scale) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	ops := []struct {
		msg string
		fn  func(*image.RGBA, image.Rectangle, *Chart, *scale) error
	}{
		{"drawing title", a.drawTitle},
		{"drawing X scale", a.drawXScale},
		{"drawing Y scale", a.drawYScale},
		{"drawing legend", a.drawLegend},
		{"drawing info bar", a.drawInfoBar},
	}
	for _, op := range ops {
		if err := op.fn(img, area, chart, s); err != nil {
			return fmt.Errorf("%s: %w", op.msg, err)
		}
	}
	return nil
}

func (a *annotator) drawString(s string, x, baseline int) error {
	_, err := a.context.DrawString(s, freetype.Pt(x, baseline))
	return err
}

func (a *annotator) measure(s string) int {
	return font.MeasureString(a.fontFace, s).Round()
}

func (a *annotator) drawTitle(_ *image.RGBA, area image.Rectangle, chart *Chart, _ *scale) error {
	if chart.Title == "" {
		return nil
	}
	baseline := (a.config.Borders.Top+a.fontHeight)/2 - a.descent
	return a.drawString(chart.Title, area.Min.X+(area.Dx()-a.measure(chart.Title))/2, baseline)
}

func (a *annotator) drawXScale(img *image.RGBA, area image.Rectangle, chart *Chart, s *scale) error {
	step := niceStep(s.xMax-s.xMin, area.Dx())
	baseline := area.Max.Y + tickMarkLength + a.fontHeight

	for x := math.Ceil(s.xMin/step) * step; x <= s.xMax; x += step {
		px := s.px(area, x)

		for y := area.Min.Y; y < area.Max.Y; y++ {
			img.Set(px, y, gridColor)
		}
		for y := area.Max.Y; y < area.Max.Y+tickMarkLength; y++ {
			img.Set(px, y, axisColor)
		}

		var label string
		if chart.Spectrum {
			label = formatSI(x, "Hz")
		} else {
			// Time labels are offsets from the first row
			label = "+" + formatSI(x-s.xMin, "s")
		}
		if err := a.drawString(label, px-a.measure(label)/2, baseline); err != nil {
			return fmt.Errorf("drawing label %s: %w", label, err)
		}
	}
	return nil
}

func (a *annotator) drawYScale(img *image.RGBA, area image.Rectangle, chart *Chart, s *scale) error {
	step := niceStep(s.yMax-s.yMin, area.Dy())
	if s.log {
		step = max(1, step)
	}

	for v := math.Ceil(s.yMin/step) * step; v <= s.yMax; v += step {
		value := v
		if s.log {
			value = math.Pow(10, v)
		}
		py := s.py(area, value)

		for x := area.Min.X; x < area.Max.X; x++ {
			img.Set(x, py, gridColor)
		}
		for x := area.Min.X - tickMarkLength; x < area.Min.X; x++ {
			img.Set(x, py, axisColor)
		}

		label := formatSI(value, "")
		x := area.Min.X - tickMarkLength - 3 - a.measure(label)
		if err := a.drawString(label, x, py+a.fontHeight/2-a.descent); err != nil {
			return fmt.Errorf("drawing label %s: %w", label, err)
		}
	}
	return nil
}

func (a *annotator) drawLegend(img *image.RGBA, area image.Rectangle, chart *Chart, _ *scale) error {
	n := chart.Data.SeriesCount()
	lineHeight := a.fontHeight + 4
	x := area.Max.X + 10

	for i := range n {
		label := fmt.Sprintf("series %d", i+1)
		if i < len(chart.Labels) && chart.Labels[i] != "" {
			label = chart.Labels[i]
		}

		top := area.Min.Y + i*lineHeight
		swatch := image.Rect(x, top+a.fontHeight/2-1, x+legendSwatchWidth, top+a.fontHeight/2+2)
		draw.Draw(img, swatch, image.NewUniform(seriesColor(i, n)), image.Point{}, draw.Src)

		if err := a.drawString(label, x+legendSwatchWidth+4, top+a.fontHeight-a.descent); err != nil {
			return fmt.Errorf("drawing legend %s: %w", label, err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBar(img *image.RGBA, area image.Rectangle, chart *Chart, s *scale) error {
	var sb strings.Builder

	if chart.Spectrum {
		sb.WriteString(fmt.Sprintf("Band: %s - %s", formatSI(s.xMin, "Hz"), formatSI(s.xMax, "Hz")))
	} else {
		sb.WriteString(fmt.Sprintf("Window: %s from t=%s", formatSI(s.xMax-s.xMin, "s"), formatSI(s.xMin, "s")))
	}
	sb.WriteString(fmt.Sprintf("; Rows: %s", humanize.Comma(int64(chart.Data.Len()))))
	if !chart.CreatedAt.IsZero() {
		sb.WriteString("; Captured: ")
		sb.WriteString(chart.CreatedAt.In(a.config.Location).Format(a.config.DatetimeFormat))
	}

	baseline := img.Bounds().Max.Y - a.descent - 6
	return a.drawString(sb.String(), area.Min.X, baseline)
}

// niceStep returns a 1, 2 or 5 multiple of a power of ten that splits span into
// about one label per pixelsPerLabel pixels
func niceStep(span float64, pixels int) float64 {
	if span <= 0 {
		return 1
	}
	target := span / max(1, float64(pixels)/pixelsPerLabel)
	magnitude := math.Pow(10, math.Floor(math.Log10(target)))

	for _, m := range []float64{1, 2, 5, 10} {
		if m*magnitude >= target {
			return m * magnitude
		}
	}
	return 10 * magnitude
}

func formatSI(v float64, unit string) string {
	if math.Abs(v) < 1e-12 {
		return strings.TrimSpace("0 " + unit)
	}

	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	value, prefix := humanize.ComputeSI(v)
	return strings.TrimSpace(fmt.Sprintf("%s%s %s%s", sign, humanize.Ftoa(math.Round(value*100)/100), prefix, unit))
}
