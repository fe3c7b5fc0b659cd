package heat

import (
	"image/color"
	"math"
	"sort"
)

const (
	// DefaultImageWidth and DefaultImageHeight size rendered layer images
	DefaultImageWidth  = 800
	DefaultImageHeight = 600

	// imagePadding keeps points off the image border
	imagePadding = 60
)

// GradientStop maps an intensity to a color
type GradientStop struct {
	At    float64
	Color color.NRGBA
}

// HeatStyle controls how a layer is painted
type HeatStyle struct {
	Radius     float64 // Point radius in pixels
	Blur       float64 // Extra falloff beyond the radius, in pixels
	MinOpacity float64 // Opacity of the faintest painted pixel
	Gradient   []GradientStop
}

// DefaultGradient runs green through yellow and orange to red and maroon
func DefaultGradient() []GradientStop {
	return []GradientStop{
		{At: 0.0, Color: color.NRGBA{0x2e, 0xcc, 0x71, 255}},
		{At: 0.3, Color: color.NRGBA{0xf1, 0xc4, 0x0f, 255}},
		{At: 0.55, Color: color.NRGBA{0xe6, 0x7e, 0x22, 255}},
		{At: 0.75, Color: color.NRGBA{0xe7, 0x4c, 0x3c, 255}},
		{At: 0.95, Color: color.NRGBA{0x80, 0x00, 0x00, 255}},
	}
}

// StyleForZoom returns the paint settings for a zoom level.
// Zoomed-out views use smaller, softer points.
func StyleForZoom(zoom int) HeatStyle {
	if zoom <= 5 {
		return HeatStyle{Radius: 40, Blur: 50, MinOpacity: 0.4, Gradient: DefaultGradient()}
	}
	return HeatStyle{Radius: 50, Blur: 30, MinOpacity: 0.5, Gradient: DefaultGradient()}
}

// WithSettings overrides style fields set in s
func (hs HeatStyle) WithSettings(s RenderSettings) HeatStyle {
	if s.Radius > 0 {
		hs.Radius = s.Radius
	}
	if s.MinOpacity > 0 {
		hs.MinOpacity = s.MinOpacity
	}
	return hs
}

// ColorAt interpolates the gradient at v in [0,1]
func (hs HeatStyle) ColorAt(v float64) color.NRGBA {
	stops := append([]GradientStop(nil), hs.Gradient...)
	if len(stops) == 0 {
		stops = DefaultGradient()
	}
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].At < stops[j].At })

	if v <= stops[0].At {
		return stops[0].Color
	}
	for i := 1; i < len(stops); i++ {
		if v <= stops[i].At {
			a, b := stops[i-1], stops[i]
			t := (v - a.At) / (b.At - a.At)
			return lerpColor(a.Color, b.Color, t)
		}
	}
	return stops[len(stops)-1].Color
}

func lerpColor(a, b color.NRGBA, t float64) color.NRGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.NRGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: mix(a.A, b.A)}
}

// projection maps lat/lng onto image coordinates with north up
type projection struct {
	minLat, minLng float64
	spanLat        float64
	spanLng        float64
	width, height  float64
	padding        float64
}

// newProjection fits the layer's extent into a width x height image.
// Degenerate extents (a single point or a line) are centered.
func newProjection(points []HeatPoint, width, height, padding float64) projection {
	b := Bounds(points)
	return projection{
		minLat:  b.Min.Lat(),
		minLng:  b.Min.Lon(),
		spanLat: b.Max.Lat() - b.Min.Lat(),
		spanLng: b.Max.Lon() - b.Min.Lon(),
		width:   width,
		height:  height,
		padding: padding,
	}
}

// xy returns image coordinates with y growing downwards
func (p projection) xy(lat, lng float64) (x, y float64) {
	innerW := p.width - 2*p.padding
	innerH := p.height - 2*p.padding

	x = p.width / 2
	if p.spanLng > 0 {
		x = p.padding + (lng-p.minLng)/p.spanLng*innerW
	}
	y = p.height / 2
	if p.spanLat > 0 {
		y = p.padding + (1-(lat-p.minLat)/p.spanLat)*innerH
	}
	return x, y
}
