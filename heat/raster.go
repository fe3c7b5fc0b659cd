package heat

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RasterRenderer paints a heat layer into an RGBA image with a legend
type RasterRenderer struct {
	Width  int
	Height int
	Style  HeatStyle
	Legend bool
}

// NewRasterRenderer creates a renderer with the default image size and the
// style for the layer's zoom
func NewRasterRenderer(zoom int) *RasterRenderer {
	return &RasterRenderer{
		Width:  DefaultImageWidth,
		Height: DefaultImageHeight,
		Style:  StyleForZoom(zoom),
		Legend: true,
	}
}

// Render paints the layer. Intensities from overlapping points accumulate
// and saturate at 1.
func (r *RasterRenderer) Render(l Layer) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	density := r.density(l)
	for i, v := range density {
		if v <= 0.01 {
			continue
		}
		if v > 1 {
			v = 1
		}
		alpha := r.Style.MinOpacity + (1-r.Style.MinOpacity)*v
		c := r.Style.ColorAt(v)
		c.A = uint8(math.Round(alpha * 255))

		x, y := i%r.Width, i/r.Width
		bg := img.RGBAAt(x, y)
		img.Set(x, y, blendColors(bg, c))
	}

	if r.Legend {
		r.drawLegend(img, l)
	}
	return img
}

// density accumulates every point's falloff kernel into a per-pixel grid
func (r *RasterRenderer) density(l Layer) []float64 {
	grid := make([]float64, r.Width*r.Height)
	proj := newProjection(l.Points, float64(r.Width), float64(r.Height), imagePadding)
	reach := r.Style.Radius + r.Style.Blur
	if reach <= 0 {
		return grid
	}

	for _, p := range l.Points {
		if p.Intensity <= 0 {
			continue
		}
		cx, cy := proj.xy(p.Lat, p.Lng)
		x0, x1 := clampInt(int(cx-reach), 0, r.Width-1), clampInt(int(cx+reach), 0, r.Width-1)
		y0, y1 := clampInt(int(cy-reach), 0, r.Height-1), clampInt(int(cy+reach), 0, r.Height-1)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				d := math.Hypot(float64(x)-cx, float64(y)-cy)
				if d > reach {
					continue
				}
				grid[y*r.Width+x] += p.Intensity * kernel(d, r.Style.Radius, r.Style.Blur)
			}
		}
	}
	return grid
}

// kernel is 1 inside radius and fades linearly to 0 across the blur band
func kernel(d, radius, blur float64) float64 {
	if d <= radius {
		return 1 - 0.5*d/math.Max(radius, 1)
	}
	if blur <= 0 {
		return 0
	}
	return 0.5 * (1 - (d-radius)/blur)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// drawLegend writes the title, range statistics and a gradient bar
func (r *RasterRenderer) drawLegend(img *image.RGBA, l Layer) {
	black := color.RGBA{0, 0, 0, 255}
	title := l.Title
	if title == "" {
		title = l.Dataset
	}
	drawText(img, 10, 18, title, black)
	drawText(img, 10, 34, LegendText(l.Summary), black)
	if l.Fallback {
		drawText(img, 10, 50, "fallback data", color.RGBA{139, 0, 0, 255})
	}

	barX, barY, barW, barH := 10, r.Height-24, 200, 10
	if barY < 0 {
		return
	}
	for dx := 0; dx < barW && barX+dx < r.Width; dx++ {
		c := r.Style.ColorAt(float64(dx) / float64(barW-1))
		for dy := 0; dy < barH; dy++ {
			img.Set(barX+dx, barY+dy, c)
		}
	}
	drawText(img, barX, barY-4, "0", black)
	drawText(img, barX+barW-24, barY-4, fmt.Sprintf("%g", l.Summary.Cap), black)
}

// LegendText formats the layer statistics line
func LegendText(s Summary) string {
	return fmt.Sprintf("min: %.1f | max: %.1f | cap: %g", s.Min, s.Max, s.Cap)
}

// blendColors performs alpha blending of fg over an opaque or premultiplied bg
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	var base color.NRGBA
	switch bg.A {
	case 0:
		base = color.NRGBA{0, 0, 0, 0}
	case 255:
		base = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		a := uint32(bg.A)
		base = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / a),
			G: uint8((uint32(bg.G) * 255) / a),
			B: uint8((uint32(bg.B) * 255) / a),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	inv := 1.0 - alpha
	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(base.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(base.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(base.B)*inv),
		A: 255,
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// EncodePNG renders the layer and writes it as PNG
func (r *RasterRenderer) EncodePNG(w io.Writer, l Layer) error {
	return png.Encode(w, r.Render(l))
}

// SavePNG renders the layer to a PNG file
func (r *RasterRenderer) SavePNG(path string, l Layer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return r.EncodePNG(f, l)
}
