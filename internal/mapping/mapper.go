package mapping

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/geom"
	"github.com/pam-connect/server/internal/spatial"
)

// Defaults for Options.
const (
	DefaultInterpolationQuality = 15
	DefaultQuadtreeDepth        = 6
	DefaultUVThreshold          = 1e-4
	DefaultRayFactor            = 1e4
)

// inTriangleEps is the slack of the UV point-in-triangle test.
const inTriangleEps = 1e-9

// Options tune the mapper.
type Options struct {
	// InterpolationQuality is the number of steps of a UV path.
	InterpolationQuality int
	// QuadtreeDepth is the depth of the per-layer UV quadtree.
	QuadtreeDepth int
	// UVThreshold is the distance under which a UV point counts as lying on
	// a polygon edge.
	UVThreshold float64
	// RayFactor is the half length of the rays used for normal projection.
	RayFactor float64
	// Debug keeps the partial path of failed chain evaluations.
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.InterpolationQuality <= 0 {
		o.InterpolationQuality = DefaultInterpolationQuality
	}
	if o.QuadtreeDepth <= 0 {
		o.QuadtreeDepth = DefaultQuadtreeDepth
	}
	if o.UVThreshold <= 0 {
		o.UVThreshold = DefaultUVThreshold
	}
	if o.RayFactor <= 0 {
		o.RayFactor = DefaultRayFactor
	}
	return o
}

// Mapper converts points between layers. It is safe for concurrent use.
type Mapper struct {
	opts   Options
	cache  *cache.Manager
	frozen map[string]*spatial.Quadtree

	mu    sync.Mutex
	local map[string]*spatial.Quadtree
}

// NewMapper creates a mapper. Quadtrees are kept in c when non-nil and in a
// mapper-local table otherwise.
func NewMapper(opts Options, c *cache.Manager) *Mapper {
	return &Mapper{opts: opts.withDefaults(), cache: c, local: make(map[string]*spatial.Quadtree)}
}

// Options returns the effective options.
func (m *Mapper) Options() Options { return m.opts }

// Freeze builds the quadtrees of layers and returns a mapper that reads them
// from a fixed table, without touching the cache.
func (m *Mapper) Freeze(layers ...*Layer) *Mapper {
	frozen := make(map[string]*spatial.Quadtree, len(layers))
	for name, q := range m.frozen {
		frozen[name] = q
	}
	for _, l := range layers {
		if l.HasUV() {
			frozen[l.Name()] = m.quadtree(l)
		}
	}
	return &Mapper{opts: m.opts, cache: m.cache, frozen: frozen, local: make(map[string]*spatial.Quadtree)}
}

func (m *Mapper) quadtree(l *Layer) *spatial.Quadtree {
	if q, ok := m.frozen[l.Name()]; ok {
		return q
	}
	build := func() *spatial.Quadtree { return spatial.NewQuadtree(l.uvPolygons(), m.opts.QuadtreeDepth) }
	if m.cache != nil {
		return m.cache.Quadtree(l.Name(), build)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.local[l.Name()]
	if !ok {
		q = build()
		m.local[l.Name()] = q
	}
	return q
}

// Nearest returns the closest point of l to p.
func (m *Mapper) Nearest(l *Layer, p r3.Vec) (r3.Vec, bool) {
	hit, ok := l.ClosestPoint(p)
	return hit.Point, ok
}

// NormalProject drops p onto from and casts a ray along the surface normal
// there onto to.
func (m *Mapper) NormalProject(from, to *Layer, p r3.Vec) (r3.Vec, bool) {
	hit, ok := from.ClosestPoint(p)
	if !ok {
		return r3.Vec{}, false
	}
	hit, ok = m.castAlong(to, hit.Point, hit.Normal)
	return hit.Point, ok
}

func (m *Mapper) castAlong(l *Layer, p, normal r3.Vec) (geom.Hit, bool) {
	if normal == (r3.Vec{}) {
		return geom.Hit{}, false
	}
	off := r3.Scale(m.opts.RayFactor, normal)
	return l.RayCast(r3.Add(p, off), r3.Sub(p, off))
}

// Forward converts p to UV on l using the closest surface point.
func (m *Mapper) Forward(l *Layer, p r3.Vec) (r2.Vec, bool) {
	hit, ok := l.ClosestPoint(p)
	if !ok {
		return r2.Vec{}, false
	}
	return m.forwardHit(l, hit)
}

// ForwardAlong converts p to UV on l using the surface point hit by a ray
// through p along normal.
func (m *Mapper) ForwardAlong(l *Layer, p, normal r3.Vec) (r2.Vec, bool) {
	hit, ok := m.castAlong(l, p, normal)
	if !ok {
		return r2.Vec{}, false
	}
	return m.forwardHit(l, hit)
}

// forwardHit maps a surface point through the barycentric transform of the
// first triangle of its polygon, retrying with the second triangle of a
// quad when the result falls outside the first.
func (m *Mapper) forwardHit(l *Layer, hit geom.Hit) (r2.Vec, bool) {
	uvs := l.PolygonUVs(hit.Polygon)
	if uvs == nil {
		return r2.Vec{}, false
	}
	verts := l.PolygonVertices(hit.Polygon)
	a, b, c := l.Vertex(verts[0]), l.Vertex(verts[1]), l.Vertex(verts[2])
	quad := len(verts) == 4

	var first r2.Vec
	delta := math.Inf(1)
	w, ok := geom.Barycentric3(hit.Point, a, b, c)
	if ok {
		first = w.Apply2(uvs[0], uvs[1], uvs[2])
		delta = geom.TriangleViolation(first, uvs[0], uvs[1], uvs[2])
		if !quad || delta == 0 || geom.InTriangle2(first, uvs[0], uvs[1], uvs[2], inTriangleEps) {
			return first, true
		}
	} else if !quad {
		return r2.Vec{}, false
	}

	w, ok2 := geom.Barycentric3(hit.Point, a, c, l.Vertex(verts[3]))
	if !ok2 {
		return first, ok
	}
	second := w.Apply2(uvs[0], uvs[2], uvs[3])
	if geom.InTriangle2(second, uvs[0], uvs[2], uvs[3], inTriangleEps) ||
		geom.TriangleViolation(second, uvs[0], uvs[2], uvs[3]) < delta {
		return second, true
	}
	return first, true
}

// Inverse converts a UV coordinate of l to 3D.
func (m *Mapper) Inverse(l *Layer, uv r2.Vec) (r3.Vec, bool) {
	if !l.HasUV() {
		return r3.Vec{}, false
	}
	for _, poly := range m.quadtree(l).Query(uv) {
		if p, ok := m.inversePolygon(poly, uv); ok {
			return p, true
		}
	}
	return r3.Vec{}, false
}

func (m *Mapper) inversePolygon(poly spatial.UVPolygon, uv r2.Vec) (r3.Vec, bool) {
	u, p := poly.UV, poly.Pos
	if geom.InTriangle2(uv, u[0], u[1], u[2], inTriangleEps) {
		if w, ok := geom.Barycentric2(uv, u[0], u[1], u[2]); ok {
			return w.Apply3(p[0], p[1], p[2]), true
		}
	}
	if len(u) == 4 && geom.InTriangle2(uv, u[0], u[2], u[3], inTriangleEps) {
		if w, ok := geom.Barycentric2(uv, u[0], u[2], u[3]); ok {
			return w.Apply3(p[0], p[2], p[3]), true
		}
	}

	edges := [][2]int{{0, 1}, {1, 2}, {2, 0}}
	if len(u) == 4 {
		edges = [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 0}, {0, 2}}
	}
	for _, e := range edges {
		q, t := geom.ClosestOnSegment2(uv, u[e[0]], u[e[1]])
		if r2.Norm(r2.Sub(q, uv)) <= m.opts.UVThreshold {
			return geom.Lerp3(p[e[0]], p[e[1]], t), true
		}
	}
	return r3.Vec{}, false
}

// Resolved is one entry of a batch inverse conversion.
type Resolved struct {
	Point r3.Vec
	OK    bool
}

// InverseAll converts every UV coordinate, keeping unresolved entries as
// placeholders so the output stays aligned with uvs.
func (m *Mapper) InverseAll(l *Layer, uvs []r2.Vec) []Resolved {
	out := make([]Resolved, len(uvs))
	for i, uv := range uvs {
		out[i].Point, out[i].OK = m.Inverse(l, uv)
	}
	return out
}

// InverseResolved converts every UV coordinate and drops the unresolved
// ones.
func (m *Mapper) InverseResolved(l *Layer, uvs []r2.Vec) []r3.Vec {
	out := make([]r3.Vec, 0, len(uvs))
	for _, uv := range uvs {
		if p, ok := m.Inverse(l, uv); ok {
			out = append(out, p)
		}
	}
	return out
}

// Interpolate returns the 3D waypoints of the straight UV line from a to b
// on l, excluding a and including b. Steps that do not resolve are skipped.
func (m *Mapper) Interpolate(l *Layer, a, b r3.Vec) []r3.Vec {
	ua, ok := m.Forward(l, a)
	if !ok {
		return nil
	}
	ub, ok := m.Forward(l, b)
	if !ok {
		return nil
	}
	return m.InterpolateUV(l, ua, ub)
}

// InterpolateUV is Interpolate for UV end points.
func (m *Mapper) InterpolateUV(l *Layer, ua, ub r2.Vec) []r3.Vec {
	q := m.opts.InterpolationQuality
	uvs := make([]r2.Vec, q)
	for step := 1; step <= q; step++ {
		uvs[step-1] = geom.Lerp2(ua, ub, float64(step)/float64(q))
	}
	return m.InverseResolved(l, uvs)
}

// Topological maps p to the point with the same polygon and barycentric
// coordinates on to. Both layers must share their topology.
func (m *Mapper) Topological(from, to *Layer, p r3.Vec) (r3.Vec, bool) {
	hit, ok := from.ClosestPoint(p)
	if !ok {
		return r3.Vec{}, false
	}
	if from == to {
		return hit.Point, true
	}
	f := hit.Polygon
	if f >= to.NumPolygons() {
		return r3.Vec{}, false
	}
	src, dst := from.PolygonVertices(f), to.PolygonVertices(f)
	if len(src) != len(dst) {
		return r3.Vec{}, false
	}

	w, ok := geom.Barycentric3(hit.Point, from.Vertex(src[0]), from.Vertex(src[1]), from.Vertex(src[2]))
	if ok && (len(src) == 3 || w.Inside(inTriangleEps)) {
		return w.Apply3(to.Vertex(dst[0]), to.Vertex(dst[1]), to.Vertex(dst[2])), true
	}
	if len(src) != 4 {
		return r3.Vec{}, false
	}
	w, ok = geom.Barycentric3(hit.Point, from.Vertex(src[0]), from.Vertex(src[2]), from.Vertex(src[3]))
	if !ok {
		return r3.Vec{}, false
	}
	return w.Apply3(to.Vertex(dst[0]), to.Vertex(dst[2]), to.Vertex(dst[3])), true
}

// RandomPoint draws an area-uniform point of l.
func (m *Mapper) RandomPoint(l *Layer, rng *rand.Rand) (r3.Vec, bool) {
	hit, ok := l.RandomPoint(rng)
	return hit.Point, ok
}

// UVToUV carries p through the UV layout of from onto to.
func (m *Mapper) UVToUV(from, to *Layer, p r3.Vec) (r3.Vec, bool) {
	uv, ok := m.Forward(from, p)
	if !ok {
		return r3.Vec{}, false
	}
	return m.Inverse(to, uv)
}
