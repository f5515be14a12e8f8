// Package render draws frozen plot windows as annotated line charts.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"
	"time"

	"github.com/twinleaf/trendline/internal/plotdata"
)

const (
	dpi            = 96.0
	fontSize       = 11.0
	tickMarkLength = 5
	pixelsPerLabel = 120.0

	defaultWidth  = 1200
	defaultHeight = 600

	// Default border sizes in pixels
	defaultTopBorder    = 40
	defaultLeftBorder   = 90
	defaultBottomBorder = 60
	defaultRightBorder  = 180

	defaultDatetimeFormat = time.DateTime
)

const (
	ImagePNG  ImageFormat = "png"
	ImageJPEG ImageFormat = "jpeg"
)

// ErrNoData is returned when a chart has no finite value to draw
var ErrNoData = errors.New("no data to render")

// ImageFormat is an encoding of rendered charts
type ImageFormat string

// ParseImageFormat returns the format named s
func ParseImageFormat(s string) (ImageFormat, error) {
	switch f := ImageFormat(strings.ToLower(s)); f {
	case ImagePNG, ImageJPEG:
		return f, nil
	case "jpg":
		return ImageJPEG, nil
	default:
		return "", fmt.Errorf("invalid image format: %s", s)
	}
}

// Encode writes img to w in the given format
func Encode(w io.Writer, img image.Image, format ImageFormat) error {
	switch format {
	case ImagePNG:
		return png.Encode(w, img)
	case ImageJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 98})
	default:
		return fmt.Errorf("invalid image format: %s", format)
	}
}

// BorderConfig defines the sizes of white space around the chart area
type BorderConfig struct {
	Top    int // Space for the title
	Left   int // Space for the value scale
	Bottom int // Space for the time scale and information bar
	Right  int // Space for the legend
}

// RenderConfig holds all configuration options for chart rendering
type RenderConfig struct {
	Width  int // Chart area width in pixels
	Height int // Chart area height in pixels

	FontSize       float64        // Font size in points
	DatetimeFormat string         // Format of the capture time in the information bar
	Location       *time.Location // Timezone for time display

	BorderConfig BorderConfig
}

// Chart is a frozen plot window to draw
type Chart struct {
	Title     string
	Labels    []string // One per series
	Data      plotdata.PlotData
	Spectrum  bool // X values are frequencies and Y values are drawn on a log scale
	CreatedAt time.Time
}

// Renderer draws charts
type Renderer struct {
	config RenderConfig
}

// NewRenderer creates a new chart renderer with the given configuration
func NewRenderer(config RenderConfig) (*Renderer, error) {
	if config.Width < 0 || config.Height < 0 {
		return nil, fmt.Errorf("invalid chart size %dx%d", config.Width, config.Height)
	}

	// Set defaults for zero values
	if config.Width == 0 {
		config.Width = defaultWidth
	}
	if config.Height == 0 {
		config.Height = defaultHeight
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	return &Renderer{config: config}, nil
}

// Render creates an annotated image of the chart
func (r *Renderer) Render(chart *Chart) (*image.RGBA, error) {
	scale, err := newScale(chart)
	if err != nil {
		return nil, err
	}

	b := r.config.BorderConfig
	img := image.NewRGBA(image.Rect(0, 0, r.config.Width+b.Left+b.Right, r.config.Height+b.Top+b.Bottom))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(b.Left, b.Top, b.Left+r.config.Width, b.Top+r.config.Height)

	ann, err := newAnnotator(annotatorConfig{
		DatetimeFormat: r.config.DatetimeFormat,
		Location:       r.config.Location,
		FontSize:       r.config.FontSize,
		Borders:        b,
	})
	if err != nil {
		return nil, fmt.Errorf("creating annotator: %w", err)
	}
	defer ann.Close()

	// Grid and scales first, so series are drawn over the grid lines
	if err = ann.annotate(img, area, chart, scale); err != nil {
		return nil, fmt.Errorf("drawing annotations: %w", err)
	}

	r.renderSeries(img, area, chart, scale)
	drawFrame(img, area)

	return img, nil
}

func (r *Renderer) renderSeries(img *image.RGBA, area image.Rectangle, chart *Chart, s *scale) {
	data := chart.Data
	for i := range data.SeriesCount() {
		c := seriesColor(i, data.SeriesCount())

		var prev image.Point
		havePrev := false
		for j, x := range data.Timestamps {
			y := data.Value(i, j)
			if !s.valid(x, y) {
				havePrev = false
				continue
			}

			pt := s.point(area, x, y)
			if havePrev {
				drawLine(img, prev, pt, c)
			} else {
				img.Set(pt.X, pt.Y, c)
			}
			prev, havePrev = pt, true
		}
	}
}

// scale maps data coordinates to pixels
type scale struct {
	xMin, xMax float64
	yMin, yMax float64 // log10 values on log scales
	log        bool
}

func newScale(chart *Chart) (*scale, error) {
	s := scale{
		xMin: math.Inf(1), xMax: math.Inf(-1),
		yMin: math.Inf(1), yMax: math.Inf(-1),
		log: chart.Spectrum,
	}

	data := chart.Data
	for j, x := range data.Timestamps {
		for i := range data.SeriesCount() {
			y := data.Value(i, j)
			if !s.valid(x, y) {
				continue
			}
			y = s.transform(y)
			s.xMin, s.xMax = min(s.xMin, x), max(s.xMax, x)
			s.yMin, s.yMax = min(s.yMin, y), max(s.yMax, y)
		}
	}

	if math.IsInf(s.xMin, 0) {
		return nil, ErrNoData
	}

	// Pad flat ranges so a single row or a constant series stays visible
	if s.xMax == s.xMin {
		s.xMin, s.xMax = s.xMin-0.5, s.xMax+0.5
	}
	if s.yMax == s.yMin {
		s.yMin, s.yMax = s.yMin-0.5, s.yMax+0.5
	} else {
		pad := (s.yMax - s.yMin) * 0.05
		s.yMin, s.yMax = s.yMin-pad, s.yMax+pad
	}
	return &s, nil
}

func (s *scale) valid(x, y float64) bool {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return false
	}
	return !s.log || y > 0
}

func (s *scale) transform(y float64) float64 {
	if s.log {
		return math.Log10(y)
	}
	return y
}

func (s *scale) point(area image.Rectangle, x, y float64) image.Point {
	return image.Point{X: s.px(area, x), Y: s.py(area, y)}
}

func (s *scale) px(area image.Rectangle, x float64) int {
	ratio := (x - s.xMin) / (s.xMax - s.xMin)
	return area.Min.X + int(math.Round(ratio*float64(area.Dx()-1)))
}

func (s *scale) py(area image.Rectangle, y float64) int {
	ratio := (s.transform(y) - s.yMin) / (s.yMax - s.yMin)
	return area.Max.Y - 1 - int(math.Round(ratio*float64(area.Dy()-1)))
}

// drawLine draws a line using Bresenham's algorithm
func drawLine(img *image.RGBA, from, to image.Point, c color.Color) {
	dx := abs(to.X - from.X)
	dy := -abs(to.Y - from.Y)
	sx, sy := 1, 1
	if from.X > to.X {
		sx = -1
	}
	if from.Y > to.Y {
		sy = -1
	}

	x, y := from.X, from.Y
	e := dx + dy
	for {
		img.Set(x, y, c)
		if x == to.X && y == to.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

func drawFrame(img *image.RGBA, area image.Rectangle) {
	for x := area.Min.X - 1; x <= area.Max.X; x++ {
		img.Set(x, area.Min.Y-1, axisColor)
		img.Set(x, area.Max.Y, axisColor)
	}
	for y := area.Min.Y - 1; y <= area.Max.Y; y++ {
		img.Set(area.Min.X-1, y, axisColor)
		img.Set(area.Max.X, y, axisColor)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
