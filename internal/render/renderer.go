// Package render draws UV-space images of connectivity results using
// fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pam-connect/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// Weighter is a kernel evaluated at a UV offset.
type Weighter interface {
	Weight(du, dv float64) float64
}

// Renderer draws square images of Config.TileSize pixels. It is safe for
// concurrent use.
type Renderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewRenderer creates a new renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if _, ok := colormap.Lookup(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &Renderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the edge length of rendered images in pixels.
func (r *Renderer) Size() int { return r.config.TileSize }

// Colormap returns the named colormap, or the default one.
func (r *Renderer) Colormap(name string) colormap.Colormap {
	if c, ok := colormap.Lookup(name); ok {
		return c
	}
	c, _ := colormap.Lookup(r.config.DefaultColormap)
	return c
}

// Histogram counts UV points into a bins x bins grid over [lo, hi]. Cells are
// indexed row-major with row 0 at lo.Y. Points outside the window are
// dropped. It returns the counts and the largest count.
func Histogram(uvs []r2.Vec, lo, hi r2.Vec, bins int) ([]int, int) {
	if bins <= 0 {
		bins = 1
	}
	counts := make([]int, bins*bins)
	w, h := hi.X-lo.X, hi.Y-lo.Y
	if w <= 0 || h <= 0 {
		return counts, 0
	}
	peak := 0
	for _, p := range uvs {
		if p.X < lo.X || p.X > hi.X || p.Y < lo.Y || p.Y > hi.Y {
			continue
		}
		col := min(int((p.X-lo.X)/w*float64(bins)), bins-1)
		row := min(int((p.Y-lo.Y)/h*float64(bins)), bins-1)
		i := row*bins + col
		counts[i]++
		peak = max(peak, counts[i])
	}
	return counts, peak
}

// SynapseDensity draws the number of synapses per UV cell over the window
// [lo, hi]. Empty cells stay white; V grows upwards.
func (r *Renderer) SynapseDensity(uvs []r2.Vec, lo, hi r2.Vec, bins int, colormapName string) ([]byte, error) {
	counts, peak := Histogram(uvs, lo, hi, bins)
	if bins <= 0 {
		bins = 1
	}
	values := make([]float64, len(counts))
	for i, c := range counts {
		if c == 0 {
			values[i] = math.NaN()
			continue
		}
		values[i] = float64(c) / float64(peak)
	}
	return r.drawCells(values, bins, r.Colormap(colormapName))
}

// Kernel draws the weights of a kernel over the offset window [lo, hi],
// normalised by the largest weight. Zero weights stay white.
func (r *Renderer) Kernel(k Weighter, lo, hi r2.Vec, bins int, colormapName string) ([]byte, error) {
	if bins <= 0 {
		bins = 1
	}
	values := make([]float64, bins*bins)
	var peak float64
	cw, ch := (hi.X-lo.X)/float64(bins), (hi.Y-lo.Y)/float64(bins)
	for row := 0; row < bins; row++ {
		for col := 0; col < bins; col++ {
			w := k.Weight(lo.X+(float64(col)+0.5)*cw, lo.Y+(float64(row)+0.5)*ch)
			values[row*bins+col] = w
			peak = math.Max(peak, w)
		}
	}
	for i, w := range values {
		if w <= 0 || peak <= 0 {
			values[i] = math.NaN()
			continue
		}
		values[i] = w / peak
	}
	return r.drawCells(values, bins, r.Colormap(colormapName))
}

// drawCells fills a bins x bins grid of normalised values. NaN cells are
// skipped.
func (r *Renderer) drawCells(values []float64, bins int, cmap colormap.Colormap) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	size := float64(r.config.TileSize)
	cell := size / float64(bins)
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		col, row := i%bins, i/bins
		dc.SetColor(cmap.At(v))
		dc.DrawRectangle(float64(col)*cell, size-float64(row+1)*cell, cell, cell)
		dc.Fill()
	}
	return r.encodeContext(dc)
}

func (r *Renderer) encodeContext(dc *gg.Context) ([]byte, error) {
	return r.encode(dc.Image())
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// The buffer goes back to the pool.
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Empty returns a transparent image.
func (r *Renderer) Empty() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	return r.encode(img)
}
