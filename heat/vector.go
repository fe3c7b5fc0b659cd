package heat

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// vectorRings is how many concentric discs approximate each point's falloff
const vectorRings = 4

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha.
// canvas expects premultiplied colors.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * a) / 255),
		G: uint8((uint32(c.G) * a) / 255),
		B: uint8((uint32(c.B) * a) / 255),
		A: c.A,
	}
}

// VectorRenderer draws a heat layer as vector graphics
type VectorRenderer struct {
	Width      float64 // Canvas width in millimeters
	Height     float64
	Style      HeatStyle
	Resolution canvas.Resolution // PNG output resolution
	Legend     bool
}

// NewVectorRenderer creates a vector renderer for a layer at zoom
func NewVectorRenderer(zoom int) *VectorRenderer {
	return &VectorRenderer{
		Width:      DefaultImageWidth,
		Height:     DefaultImageHeight,
		Style:      StyleForZoom(zoom),
		Resolution: canvas.DPMM(1),
		Legend:     true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the layer as SVG
func (r *VectorRenderer) RenderToSVG(w io.Writer, l Layer) error {
	svgRenderer := svg.New(w, r.Width, r.Height, nil)
	r.renderToCanvas(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the layer and writes it as PNG
func (r *VectorRenderer) RenderToPNG(w io.Writer, l Layer) error {
	rast := rasterizer.New(r.Width, r.Height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)
	return png.Encode(w, rast)
}

// renderToCanvas draws background, points and legend. Canvas y grows upwards.
func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, l Layer) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(r.Width, r.Height), bgStyle, canvas.Identity)

	proj := newProjection(l.Points, r.Width, r.Height, imagePadding)
	reach := r.Style.Radius + r.Style.Blur

	// Faint points first so strong ones end up on top
	order := make([]int, len(l.Points))
	for i := range order {
		order[i] = i
	}
	sortByIntensity(order, l.Points)

	for _, i := range order {
		p := l.Points[i]
		if p.Intensity <= 0 {
			continue
		}
		x, y := proj.xy(p.Lat, p.Lng)
		y = r.Height - y

		base := r.Style.ColorAt(p.Intensity)
		for ring := 0; ring < vectorRings; ring++ {
			frac := 1 - float64(ring)/vectorRings
			radius := r.Style.Radius * frac
			if ring == 0 {
				radius = reach
			}
			c := base
			c.A = uint8(math.Round(255 * r.Style.MinOpacity * p.Intensity / vectorRings))

			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: nrgbaToRGBA(c)}
			style.Stroke = canvas.Paint{Color: canvas.Transparent}
			renderer.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
		}
	}

	if r.Legend {
		r.drawLegendBar(renderer)
	}
}

// drawLegendBar draws the gradient as a row of swatches along the bottom edge
func (r *VectorRenderer) drawLegendBar(renderer canvasRenderer) {
	const steps = 20
	const barW, barH = 200.0, 10.0
	x0, y0 := 10.0, 10.0

	frame := canvas.DefaultStyle
	frame.Fill = canvas.Paint{Color: canvas.Transparent}
	frame.Stroke = canvas.Paint{Color: canvas.Black}
	frame.StrokeWidth = 0.5

	for i := 0; i < steps; i++ {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: nrgbaToRGBA(r.Style.ColorAt(float64(i) / (steps - 1)))}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		swatch := canvas.Rectangle(barW/steps, barH).Translate(x0+float64(i)*barW/steps, y0)
		renderer.RenderPath(swatch, style, canvas.Identity)
	}
	renderer.RenderPath(canvas.Rectangle(barW, barH).Translate(x0, y0), frame, canvas.Identity)
}

func sortByIntensity(order []int, points []HeatPoint) {
	sort.SliceStable(order, func(a, b int) bool {
		return points[order[a]].Intensity < points[order[b]].Intensity
	})
}
