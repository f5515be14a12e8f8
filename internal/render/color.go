package render

import (
	"image/color"
	"math"
)

var (
	axisColor = color.Black
	gridColor = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
)

// HSV represents a color in HSV color space
type HSV struct {
	H float64 // Hue [0-360]
	S float64 // Saturation [0-1]
	V float64 // Value [0-1]
}

// RGB converts HSV color space to RGB
func (hsv HSV) RGB() color.RGBA {
	h, s, v := hsv.H, hsv.S, hsv.V

	if s <= 0.0 {
		rgb := uint8(v * 255)
		return color.RGBA{R: rgb, G: rgb, B: rgb, A: 0xff}
	}

	// Normalize hue to [0-6]
	h = math.Mod(h, 360) / 60
	i := math.Floor(h)
	f := h - i

	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64

	switch int(i) {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}

	return color.RGBA{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255), A: 0xff}
}

// seriesColor returns the color of the i-th of n series. Hues are spread evenly, starting at blue.
func seriesColor(i, n int) color.RGBA {
	if n < 1 {
		n = 1
	}
	return HSV{
		H: math.Mod(220+float64(i)*360/float64(n), 360),
		S: 0.85,
		V: 0.8,
	}.RGB()
}
