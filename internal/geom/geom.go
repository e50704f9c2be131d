// Package geom holds the small set of triangle and segment primitives used by
// the surface mappers: barycentric transforms, tolerant containment tests,
// closest-point queries and ray/triangle intersection.
package geom

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Epsilon is the tolerance used when deciding whether a UV point lies on a
// triangle edge.
const Epsilon = 1e-4

const degenerate = 1e-12

// Weights are barycentric coordinates of a point with respect to a triangle.
type Weights [3]float64

// Barycentric2 returns the barycentric weights of p in the UV triangle
// (a, b, c). ok is false when the triangle has no area.
func Barycentric2(p, a, b, c r2.Vec) (Weights, bool) {
	v0 := r2.Sub(b, a)
	v1 := r2.Sub(c, a)
	v2 := r2.Sub(p, a)
	den := r2.Cross(v0, v1)
	if math.Abs(den) < degenerate {
		return Weights{}, false
	}
	w1 := r2.Cross(v2, v1) / den
	w2 := r2.Cross(v0, v2) / den
	return Weights{1 - w1 - w2, w1, w2}, true
}

// Barycentric3 returns the barycentric weights of the projection of p onto
// the plane of the triangle (a, b, c).
func Barycentric3(p, a, b, c r3.Vec) (Weights, bool) {
	v0 := r3.Sub(b, a)
	v1 := r3.Sub(c, a)
	v2 := r3.Sub(p, a)
	d00 := r3.Dot(v0, v0)
	d01 := r3.Dot(v0, v1)
	d11 := r3.Dot(v1, v1)
	d20 := r3.Dot(v2, v0)
	d21 := r3.Dot(v2, v1)
	den := d00*d11 - d01*d01
	if math.Abs(den) < degenerate {
		return Weights{}, false
	}
	w1 := (d11*d20 - d01*d21) / den
	w2 := (d00*d21 - d01*d20) / den
	return Weights{1 - w1 - w2, w1, w2}, true
}

// Apply2 evaluates the weights on a UV triangle.
func (w Weights) Apply2(a, b, c r2.Vec) r2.Vec {
	return r2.Vec{
		X: w[0]*a.X + w[1]*b.X + w[2]*c.X,
		Y: w[0]*a.Y + w[1]*b.Y + w[2]*c.Y,
	}
}

// Apply3 evaluates the weights on a 3D triangle.
func (w Weights) Apply3(a, b, c r3.Vec) r3.Vec {
	return r3.Vec{
		X: w[0]*a.X + w[1]*b.X + w[2]*c.X,
		Y: w[0]*a.Y + w[1]*b.Y + w[2]*c.Y,
		Z: w[0]*a.Z + w[1]*b.Z + w[2]*c.Z,
	}
}

// Inside reports whether all weights are at least -eps.
func (w Weights) Inside(eps float64) bool {
	return w[0] >= -eps && w[1] >= -eps && w[2] >= -eps
}

// InTriangle2 reports whether p lies in the UV triangle (a, b, c), borders
// included up to eps.
func InTriangle2(p, a, b, c r2.Vec, eps float64) bool {
	w, ok := Barycentric2(p, a, b, c)
	return ok && w.Inside(eps)
}

// SegmentViolation measures how far p is from lying on the segment a-b.
// It returns 0 when p is on the segment within Epsilon and a positive amount
// otherwise: the perpendicular excess first, then the overshoot before a or
// past b.
func SegmentViolation(p, a, b r2.Vec) float64 {
	d := r2.Sub(b, a)
	rel := r2.Sub(p, a)
	l := r2.Norm(d)
	perp := math.Abs(r2.Cross(rel, d))
	if l > 0 {
		perp /= l
	}
	if delta := perp - Epsilon; delta > 0 {
		return delta
	}
	dot := r2.Dot(rel, d)
	if delta := -Epsilon - dot; delta > 0 {
		return delta
	}
	if delta := dot - l*l + Epsilon; delta > 0 {
		return delta
	}
	return 0
}

// TriangleViolation is the smallest SegmentViolation of p over the three
// edges of the UV triangle.
func TriangleViolation(p, a, b, c r2.Vec) float64 {
	return math.Min(SegmentViolation(p, a, b), math.Min(SegmentViolation(p, a, c), SegmentViolation(p, b, c)))
}

// ClosestOnSegment2 returns the point of segment a-b closest to p and its
// parameter t along the segment (unclamped values are clamped to [0,1]).
func ClosestOnSegment2(p, a, b r2.Vec) (r2.Vec, float64) {
	d := r2.Sub(b, a)
	l2 := r2.Norm2(d)
	if l2 == 0 {
		return a, 0
	}
	t := r2.Dot(r2.Sub(p, a), d) / l2
	t = math.Max(0, math.Min(1, t))
	return r2.Add(a, r2.Scale(t, d)), t
}

// Lerp3 interpolates linearly between a and b.
func Lerp3(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// Lerp2 interpolates linearly between a and b.
func Lerp2(a, b r2.Vec, t float64) r2.Vec {
	return r2.Add(a, r2.Scale(t, r2.Sub(b, a)))
}

// ClosestOnTriangle returns the point of triangle (a, b, c) closest to p.
func ClosestOnTriangle(p, a, b, c r3.Vec) r3.Vec {
	ab := r3.Sub(b, a)
	ac := r3.Sub(c, a)
	ap := r3.Sub(p, a)
	d1 := r3.Dot(ab, ap)
	d2 := r3.Dot(ac, ap)
	if d1 <= 0 && d2 <= 0 {
		return a
	}

	bp := r3.Sub(p, b)
	d3 := r3.Dot(ab, bp)
	d4 := r3.Dot(ac, bp)
	if d3 >= 0 && d4 <= d3 {
		return b
	}

	vc := d1*d4 - d3*d2
	if vc <= 0 && d1 >= 0 && d3 <= 0 {
		return r3.Add(a, r3.Scale(d1/(d1-d3), ab))
	}

	cp := r3.Sub(p, c)
	d5 := r3.Dot(ab, cp)
	d6 := r3.Dot(ac, cp)
	if d6 >= 0 && d5 <= d6 {
		return c
	}

	vb := d5*d2 - d1*d6
	if vb <= 0 && d2 >= 0 && d6 <= 0 {
		return r3.Add(a, r3.Scale(d2/(d2-d6), ac))
	}

	va := d3*d6 - d5*d4
	if va <= 0 && (d4-d3) >= 0 && (d5-d6) >= 0 {
		w := (d4 - d3) / ((d4 - d3) + (d5 - d6))
		return r3.Add(b, r3.Scale(w, r3.Sub(c, b)))
	}

	den := 1 / (va + vb + vc)
	v := vb * den
	w := vc * den
	return r3.Add(a, r3.Add(r3.Scale(v, ab), r3.Scale(w, ac)))
}

// RayTriangle intersects the ray orig + t*dir with triangle (a, b, c) and
// returns t. Both faces are hit.
func RayTriangle(orig, dir, a, b, c r3.Vec) (float64, bool) {
	e1 := r3.Sub(b, a)
	e2 := r3.Sub(c, a)
	h := r3.Cross(dir, e2)
	det := r3.Dot(e1, h)
	if math.Abs(det) < degenerate {
		return 0, false
	}
	inv := 1 / det
	s := r3.Sub(orig, a)
	u := inv * r3.Dot(s, h)
	if u < 0 || u > 1 {
		return 0, false
	}
	q := r3.Cross(s, e1)
	v := inv * r3.Dot(dir, q)
	if v < 0 || u+v > 1 {
		return 0, false
	}
	return inv * r3.Dot(e2, q), true
}

// TriangleArea returns the area of triangle (a, b, c).
func TriangleArea(a, b, c r3.Vec) float64 {
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)))
}

// TriangleNormal returns the unit normal of triangle (a, b, c), or the zero
// vector for a degenerate triangle.
func TriangleNormal(a, b, c r3.Vec) r3.Vec {
	n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
	if r3.Norm(n) < degenerate {
		return r3.Vec{}
	}
	return r3.Unit(n)
}

// PathLength sums the distances between consecutive waypoints.
func PathLength(path []r3.Vec) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += r3.Norm(r3.Sub(path[i], path[i-1]))
	}
	return total
}

// Hit is the result of a nearest-point or ray query on a surface.
type Hit struct {
	Point   r3.Vec
	Normal  r3.Vec
	Polygon int
}
