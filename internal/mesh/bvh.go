package mesh

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/geom"
)

// maxLeafSize bounds the number of triangles held by a BVH leaf.
const maxLeafSize = 8

type triangle struct {
	a, b, c  r3.Vec
	polygon  int
	min, max r3.Vec
}

func (t triangle) centroid(axis int) float64 {
	return (component(t.min, axis) + component(t.max, axis)) / 2
}

type bvhNode struct {
	min, max    r3.Vec
	left, right *bvhNode
	tris        []triangle // non-nil for leaves
}

func newTriangle(a, b, c r3.Vec, polygon int) triangle {
	t := triangle{a: a, b: b, c: c, polygon: polygon}
	t.min = r3.Vec{X: math.Min(a.X, math.Min(b.X, c.X)), Y: math.Min(a.Y, math.Min(b.Y, c.Y)), Z: math.Min(a.Z, math.Min(b.Z, c.Z))}
	t.max = r3.Vec{X: math.Max(a.X, math.Max(b.X, c.X)), Y: math.Max(a.Y, math.Max(b.Y, c.Y)), Z: math.Max(a.Z, math.Max(b.Z, c.Z))}
	return t
}

func component(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func boxUnion(amin, amax, bmin, bmax r3.Vec) (r3.Vec, r3.Vec) {
	return r3.Vec{X: math.Min(amin.X, bmin.X), Y: math.Min(amin.Y, bmin.Y), Z: math.Min(amin.Z, bmin.Z)},
		r3.Vec{X: math.Max(amax.X, bmax.X), Y: math.Max(amax.Y, bmax.Y), Z: math.Max(amax.Z, bmax.Z)}
}

// buildBVH splits triangles at the median centroid of the longest centroid
// spread until leaves hold at most maxLeafSize triangles.
func buildBVH(tris []triangle) *bvhNode {
	n := len(tris)
	if n == 0 {
		return nil
	}
	minP, maxP := tris[0].min, tris[0].max
	for i := 1; i < n; i++ {
		minP, maxP = boxUnion(minP, maxP, tris[i].min, tris[i].max)
	}
	if n <= maxLeafSize {
		return &bvhNode{min: minP, max: maxP, tris: tris}
	}

	axis, spread := 0, -1.0
	for a := 0; a < 3; a++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, t := range tris {
			c := t.centroid(a)
			lo = math.Min(lo, c)
			hi = math.Max(hi, c)
		}
		if hi-lo > spread {
			axis, spread = a, hi-lo
		}
	}

	sort.Slice(tris, func(i, j int) bool { return tris[i].centroid(axis) < tris[j].centroid(axis) })
	mid := n / 2
	return &bvhNode{
		min:   minP,
		max:   maxP,
		left:  buildBVH(tris[:mid]),
		right: buildBVH(tris[mid:]),
	}
}

// boxDistance2 is the squared distance from p to the node's bounding box.
func (n *bvhNode) boxDistance2(p r3.Vec) float64 {
	d := 0.0
	for a := 0; a < 3; a++ {
		v, lo, hi := component(p, a), component(n.min, a), component(n.max, a)
		if v < lo {
			d += (lo - v) * (lo - v)
		} else if v > hi {
			d += (v - hi) * (v - hi)
		}
	}
	return d
}

// rayBox is the slab test for orig + t*dir against the node's box, limited
// to t in [0, tmax].
func (n *bvhNode) rayBox(orig, dir r3.Vec, tmax float64) bool {
	t0, t1 := 0.0, tmax
	for a := 0; a < 3; a++ {
		o, d := component(orig, a), component(dir, a)
		lo, hi := component(n.min, a), component(n.max, a)
		if math.Abs(d) < 1e-15 {
			if o < lo || o > hi {
				return false
			}
			continue
		}
		inv := 1 / d
		tn, tf := (lo-o)*inv, (hi-o)*inv
		if tn > tf {
			tn, tf = tf, tn
		}
		t0 = math.Max(t0, tn)
		t1 = math.Min(t1, tf)
		if t0 > t1 {
			return false
		}
	}
	return true
}

func (n *bvhNode) closest(p r3.Vec, best *triangle, bestPoint *r3.Vec, bestD2 *float64) {
	if n == nil || n.boxDistance2(p) > *bestD2 {
		return
	}
	if n.tris != nil {
		for i := range n.tris {
			t := &n.tris[i]
			q := geom.ClosestOnTriangle(p, t.a, t.b, t.c)
			if d2 := r3.Norm2(r3.Sub(q, p)); d2 < *bestD2 {
				*bestD2, *bestPoint, *best = d2, q, *t
			}
		}
		return
	}
	first, second := n.left, n.right
	if second != nil && (first == nil || second.boxDistance2(p) < first.boxDistance2(p)) {
		first, second = second, first
	}
	first.closest(p, best, bestPoint, bestD2)
	second.closest(p, best, bestPoint, bestD2)
}

func (n *bvhNode) raycast(orig, dir r3.Vec, tmax float64, best *triangle, bestT *float64) {
	if n == nil || !n.rayBox(orig, dir, math.Min(tmax, *bestT)) {
		return
	}
	if n.tris != nil {
		for i := range n.tris {
			t := &n.tris[i]
			if d, ok := geom.RayTriangle(orig, dir, t.a, t.b, t.c); ok && d >= 0 && d <= tmax && d < *bestT {
				*bestT, *best = d, *t
			}
		}
		return
	}
	n.left.raycast(orig, dir, tmax, best, bestT)
	n.right.raycast(orig, dir, tmax, best, bestT)
}

func (n *bvhNode) countHits(orig, dir r3.Vec, tmax float64) int {
	if n == nil || !n.rayBox(orig, dir, tmax) {
		return 0
	}
	if n.tris != nil {
		count := 0
		for i := range n.tris {
			t := &n.tris[i]
			if d, ok := geom.RayTriangle(orig, dir, t.a, t.b, t.c); ok && d > 1e-12 && d <= tmax {
				count++
			}
		}
		return count
	}
	return n.left.countHits(orig, dir, tmax) + n.right.countHits(orig, dir, tmax)
}
