// Package mesh provides an in-memory polygon surface with a UV layout and
// the nearest-point, ray and containment queries the mappers need.
package mesh

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/geom"
)

var (
	// ErrInvalidPolygon is returned for polygons that are not triangles or quads.
	ErrInvalidPolygon = errors.New("polygon must have 3 or 4 vertices")
	// ErrInvalidUV is returned when a UV loop does not match its polygon.
	ErrInvalidUV = errors.New("uv loop does not match polygon")
)

// Mesh is an immutable triangle/quad surface. All query methods are safe for
// concurrent use.
type Mesh struct {
	name     string
	vertices []r3.Vec
	polygons [][]int
	uvs      [][]r2.Vec
	areas    []float64
	normals  []r3.Vec
	root     *bvhNode
	zmax     float64
}

// New validates the topology and builds the acceleration structure. uvs may
// be nil for meshes that are only used for 3D queries.
func New(name string, vertices []r3.Vec, polygons [][]int, uvs [][]r2.Vec) (*Mesh, error) {
	if uvs != nil && len(uvs) != len(polygons) {
		return nil, fmt.Errorf("mesh %s: %d uv loops for %d polygons: %w", name, len(uvs), len(polygons), ErrInvalidUV)
	}

	m := &Mesh{
		name:     name,
		vertices: vertices,
		polygons: polygons,
		uvs:      uvs,
		areas:    make([]float64, len(polygons)),
		normals:  make([]r3.Vec, len(polygons)),
		zmax:     math.Inf(-1),
	}

	tris := make([]triangle, 0, 2*len(polygons))
	for i, poly := range polygons {
		if len(poly) != 3 && len(poly) != 4 {
			return nil, fmt.Errorf("mesh %s: polygon %d has %d vertices: %w", name, i, len(poly), ErrInvalidPolygon)
		}
		for _, vi := range poly {
			if vi < 0 || vi >= len(vertices) {
				return nil, fmt.Errorf("mesh %s: polygon %d references vertex %d of %d", name, i, vi, len(vertices))
			}
		}
		if uvs != nil && len(uvs[i]) != len(poly) {
			return nil, fmt.Errorf("mesh %s: polygon %d has %d uvs for %d vertices: %w", name, i, len(uvs[i]), len(poly), ErrInvalidUV)
		}

		a, b, c := vertices[poly[0]], vertices[poly[1]], vertices[poly[2]]
		tris = append(tris, newTriangle(a, b, c, i))
		m.areas[i] = geom.TriangleArea(a, b, c)
		m.normals[i] = geom.TriangleNormal(a, b, c)
		if len(poly) == 4 {
			d := vertices[poly[3]]
			tris = append(tris, newTriangle(a, c, d, i))
			m.areas[i] += geom.TriangleArea(a, c, d)
			if m.normals[i] == (r3.Vec{}) {
				m.normals[i] = geom.TriangleNormal(a, c, d)
			}
		}
	}
	for _, v := range vertices {
		m.zmax = math.Max(m.zmax, v.Z)
	}
	m.root = buildBVH(tris)
	return m, nil
}

// Name returns the layer name.
func (m *Mesh) Name() string { return m.name }

// NumPolygons returns the polygon count.
func (m *Mesh) NumPolygons() int { return len(m.polygons) }

// PolygonVertices returns the vertex indices of polygon i.
func (m *Mesh) PolygonVertices(i int) []int { return m.polygons[i] }

// Vertex returns the position of vertex i.
func (m *Mesh) Vertex(i int) r3.Vec { return m.vertices[i] }

// PolygonUVs returns the UV loop of polygon i, or nil when the mesh has no
// UV layout.
func (m *Mesh) PolygonUVs(i int) []r2.Vec {
	if m.uvs == nil {
		return nil
	}
	return m.uvs[i]
}

// PolygonArea returns the surface area of polygon i.
func (m *Mesh) PolygonArea(i int) float64 { return m.areas[i] }

// PolygonNormal returns the unit normal of polygon i.
func (m *Mesh) PolygonNormal(i int) r3.Vec { return m.normals[i] }

// ClosestPoint returns the surface point nearest to p.
func (m *Mesh) ClosestPoint(p r3.Vec) (geom.Hit, bool) {
	if m.root == nil {
		return geom.Hit{}, false
	}
	var best triangle
	var point r3.Vec
	d2 := math.Inf(1)
	m.root.closest(p, &best, &point, &d2)
	if math.IsInf(d2, 1) {
		return geom.Hit{}, false
	}
	return geom.Hit{Point: point, Normal: m.normals[best.polygon], Polygon: best.polygon}, true
}

// RayCast returns the first intersection of the segment start-end with the
// surface, measured from start.
func (m *Mesh) RayCast(start, end r3.Vec) (geom.Hit, bool) {
	if m.root == nil {
		return geom.Hit{}, false
	}
	dir := r3.Sub(end, start)
	var best triangle
	t := math.Inf(1)
	m.root.raycast(start, dir, 1, &best, &t)
	if math.IsInf(t, 1) {
		return geom.Hit{}, false
	}
	return geom.Hit{Point: r3.Add(start, r3.Scale(t, dir)), Normal: m.normals[best.polygon], Polygon: best.polygon}, true
}

// Contains reports whether p lies inside the volume enclosed by the mesh,
// using the parity of crossings of a ray cast along +Z.
func (m *Mesh) Contains(p r3.Vec) bool {
	if m.root == nil || p.Z > m.zmax {
		return false
	}
	length := m.zmax - p.Z + 1
	return m.root.countHits(p, r3.Vec{Z: length}, 1)%2 == 1
}

// Bounds returns the axis-aligned bounding box of the surface.
func (m *Mesh) Bounds() (r3.Vec, r3.Vec) {
	if m.root == nil {
		return r3.Vec{}, r3.Vec{}
	}
	return m.root.min, m.root.max
}
