// Package spatial contains the UV-space indexes used by the mappers and the
// connectivity sampler: a static quadtree over UV polygons and a uniform
// kernel-weighted grid of candidate targets.
package spatial

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// UVPolygon is a polygon of a layer in UV space paired with its 3D corners.
// UV and Pos have the same length (3 or 4).
type UVPolygon struct {
	Index int
	UV    []r2.Vec
	Pos   []r3.Vec
}

func (p UVPolygon) bounds() (r2.Vec, r2.Vec) {
	lo := r2.Vec{X: math.Inf(1), Y: math.Inf(1)}
	hi := r2.Vec{X: math.Inf(-1), Y: math.Inf(-1)}
	for _, uv := range p.UV {
		lo.X, lo.Y = math.Min(lo.X, uv.X), math.Min(lo.Y, uv.Y)
		hi.X, hi.Y = math.Max(hi.X, uv.X), math.Max(hi.Y, uv.Y)
	}
	return lo, hi
}

type quadNode struct {
	min, max r2.Vec
	children [4]*quadNode
	polygons []int // indexes into Quadtree.polygons; set on leaves only
}

// Quadtree partitions the UV bounding box of a layer down to a fixed depth.
// Every leaf lists the polygons whose UV bounding box overlaps it. A built
// tree is never mutated and may be shared between goroutines.
type Quadtree struct {
	root     *quadNode
	polygons []UVPolygon
	depth    int
}

// NewQuadtree builds a tree of the given depth over polys.
func NewQuadtree(polys []UVPolygon, depth int) *Quadtree {
	q := &Quadtree{polygons: polys, depth: depth}
	if len(polys) == 0 {
		return q
	}

	lo := r2.Vec{X: math.Inf(1), Y: math.Inf(1)}
	hi := r2.Vec{X: math.Inf(-1), Y: math.Inf(-1)}
	all := make([]int, len(polys))
	for i, p := range polys {
		plo, phi := p.bounds()
		lo.X, lo.Y = math.Min(lo.X, plo.X), math.Min(lo.Y, plo.Y)
		hi.X, hi.Y = math.Max(hi.X, phi.X), math.Max(hi.Y, phi.Y)
		all[i] = i
	}
	q.root = q.build(lo, hi, all, depth)
	return q
}

func (q *Quadtree) build(lo, hi r2.Vec, members []int, depth int) *quadNode {
	n := &quadNode{min: lo, max: hi}
	if depth <= 0 || len(members) <= 1 {
		n.polygons = members
		return n
	}

	mid := r2.Scale(0.5, r2.Add(lo, hi))
	quads := [4][2]r2.Vec{
		{lo, mid},
		{{X: mid.X, Y: lo.Y}, {X: hi.X, Y: mid.Y}},
		{{X: lo.X, Y: mid.Y}, {X: mid.X, Y: hi.Y}},
		{mid, hi},
	}
	for i, b := range quads {
		var sub []int
		for _, m := range members {
			plo, phi := q.polygons[m].bounds()
			if plo.X <= b[1].X && phi.X >= b[0].X && plo.Y <= b[1].Y && phi.Y >= b[0].Y {
				sub = append(sub, m)
			}
		}
		if len(sub) > 0 {
			n.children[i] = q.build(b[0], b[1], sub, depth-1)
		}
	}
	return n
}

// Query returns the polygons whose UV bounding box overlaps the leaf
// containing p. The result must not be modified.
func (q *Quadtree) Query(p r2.Vec) []UVPolygon {
	n := q.root
	if n == nil || p.X < n.min.X || p.X > n.max.X || p.Y < n.min.Y || p.Y > n.max.Y {
		return nil
	}
	for n.polygons == nil {
		mid := r2.Scale(0.5, r2.Add(n.min, n.max))
		i := 0
		if p.X > mid.X {
			i |= 1
		}
		if p.Y > mid.Y {
			i |= 2
		}
		n = n.children[i]
		if n == nil {
			return nil
		}
	}
	out := make([]UVPolygon, len(n.polygons))
	for i, m := range n.polygons {
		out[i] = q.polygons[m]
	}
	return out
}

// Len returns the number of indexed polygons.
func (q *Quadtree) Len() int { return len(q.polygons) }

// Depth returns the maximum depth the tree was built with.
func (q *Quadtree) Depth() int { return q.depth }

// Bounds returns the UV bounding box covered by the tree.
func (q *Quadtree) Bounds() (r2.Vec, r2.Vec) {
	if q.root == nil {
		return r2.Vec{}, r2.Vec{}
	}
	return q.root.min, q.root.max
}
