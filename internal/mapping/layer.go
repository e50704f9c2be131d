// Package mapping moves points between surface layers: UV↔3D conversion,
// the per-hop mapping operators and the mapping-chain evaluator.
package mapping

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/pam-connect/server/internal/geom"
	"github.com/pam-connect/server/internal/spatial"
)

// Geometry is the surface a layer is built on.
type Geometry interface {
	Name() string
	NumPolygons() int
	PolygonVertices(i int) []int
	Vertex(i int) r3.Vec
	PolygonUVs(i int) []r2.Vec
	PolygonArea(i int) float64
	ClosestPoint(p r3.Vec) (geom.Hit, bool)
	RayCast(start, end r3.Vec) (geom.Hit, bool)
}

// Container is implemented by geometries that enclose a volume.
type Container interface {
	Contains(p r3.Vec) bool
}

// Layer is a geometry with its derived sampling tables. A Layer is
// immutable once built.
type Layer struct {
	Geometry

	scaling float64
	ratios  []float64
	cumArea []float64
	hasUV   bool
}

// NewLayer computes the cumulative area table and, when the geometry has a
// UV layout, the UV scaling factor: the mean ratio between the real and the
// UV length of each polygon's first edge.
func NewLayer(g Geometry) (*Layer, error) {
	n := g.NumPolygons()
	l := &Layer{Geometry: g}

	areas := make([]float64, n)
	for i := range areas {
		areas[i] = g.PolygonArea(i)
	}
	l.cumArea = floats.CumSum(make([]float64, n), areas)

	l.hasUV = n > 0 && g.PolygonUVs(0) != nil
	if !l.hasUV {
		return l, nil
	}
	for i := 0; i < n; i++ {
		uvs := g.PolygonUVs(i)
		verts := g.PolygonVertices(i)
		uvLen := r2.Norm(r2.Sub(uvs[0], uvs[1]))
		if uvLen == 0 {
			continue
		}
		l.ratios = append(l.ratios, r3.Norm(r3.Sub(g.Vertex(verts[0]), g.Vertex(verts[1])))/uvLen)
	}
	if len(l.ratios) == 0 {
		return nil, fmt.Errorf("layer %s: %w", g.Name(), ErrNoUVScaling)
	}
	l.scaling = stat.Mean(l.ratios, nil)
	if !(l.scaling > 0) {
		return nil, fmt.Errorf("layer %s: scaling %g: %w", g.Name(), l.scaling, ErrNoUVScaling)
	}
	return l, nil
}

// HasUV reports whether the layer carries a UV layout.
func (l *Layer) HasUV() bool { return l.hasUV }

// UVScaling converts UV lengths into real lengths.
func (l *Layer) UVScaling() float64 { return l.scaling }

// EdgeRatios returns the per-polygon ratios the scaling factor averages.
func (l *Layer) EdgeRatios() []float64 { return append([]float64(nil), l.ratios...) }

// Area returns the total surface area.
func (l *Layer) Area() float64 {
	if len(l.cumArea) == 0 {
		return 0
	}
	return l.cumArea[len(l.cumArea)-1]
}

// UVBounds returns the bounding box of the UV layout.
func (l *Layer) UVBounds() (r2.Vec, r2.Vec) {
	lo := r2.Vec{X: math.Inf(1), Y: math.Inf(1)}
	hi := r2.Vec{X: math.Inf(-1), Y: math.Inf(-1)}
	if !l.hasUV {
		return r2.Vec{}, r2.Vec{}
	}
	for i := 0; i < l.NumPolygons(); i++ {
		for _, uv := range l.PolygonUVs(i) {
			lo.X, lo.Y = math.Min(lo.X, uv.X), math.Min(lo.Y, uv.Y)
			hi.X, hi.Y = math.Max(hi.X, uv.X), math.Max(hi.Y, uv.Y)
		}
	}
	return lo, hi
}

// SameTopology reports whether both layers have the same polygon structure.
func SameTopology(a, b *Layer) bool {
	if a.NumPolygons() != b.NumPolygons() {
		return false
	}
	for i := 0; i < a.NumPolygons(); i++ {
		if len(a.PolygonVertices(i)) != len(b.PolygonVertices(i)) {
			return false
		}
	}
	return true
}

// Contains reports whether p lies inside the volume enclosed by the layer.
// Open surfaces contain nothing.
func (l *Layer) Contains(p r3.Vec) bool {
	c, ok := l.Geometry.(Container)
	return ok && c.Contains(p)
}

// RandomPoint draws a point uniformly over the surface area.
func (l *Layer) RandomPoint(rng *rand.Rand) (geom.Hit, bool) {
	total := l.Area()
	if !(total > 0) {
		return geom.Hit{}, false
	}
	u := rng.Float64() * total
	f := sort.Search(len(l.cumArea), func(i int) bool { return l.cumArea[i] > u })
	if f == len(l.cumArea) {
		f = len(l.cumArea) - 1
	}

	verts := l.PolygonVertices(f)
	a, b, c := l.Vertex(verts[0]), l.Vertex(verts[1]), l.Vertex(verts[2])
	var p r3.Vec
	if len(verts) == 4 {
		d := l.Vertex(verts[3])
		x1, x2 := rng.Float64(), rng.Float64()
		ab := r3.Add(r3.Scale(x1, a), r3.Scale(1-x1, b))
		cd := r3.Add(r3.Scale(1-x1, c), r3.Scale(x1, d))
		p = r3.Add(r3.Scale(x2, ab), r3.Scale(1-x2, cd))
	} else {
		s, t := math.Sqrt(rng.Float64()), rng.Float64()
		p = geom.Weights{1 - s, s * (1 - t), s * t}.Apply3(a, b, c)
	}
	return l.ClosestPoint(p)
}

// uvPolygons lists the UV polygons indexed by the layer's quadtree.
func (l *Layer) uvPolygons() []spatial.UVPolygon {
	if !l.hasUV {
		return nil
	}
	out := make([]spatial.UVPolygon, l.NumPolygons())
	for i := range out {
		verts := l.PolygonVertices(i)
		pos := make([]r3.Vec, len(verts))
		for k, v := range verts {
			pos[k] = l.Vertex(v)
		}
		out[i] = spatial.UVPolygon{Index: i, UV: l.PolygonUVs(i), Pos: pos}
	}
	return out
}
