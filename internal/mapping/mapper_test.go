package mapping

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/mesh"
)

func TestNewLayer_Scaling(t *testing.T) {
	l := gridLayer(t, "cortex", 2, 0, 4)
	if math.Abs(l.UVScaling()-2) > 1e-12 {
		t.Errorf("expected scaling 2, got %v", l.UVScaling())
	}
	if len(l.EdgeRatios()) != 16 {
		t.Errorf("expected 16 edge ratios, got %d", len(l.EdgeRatios()))
	}
	if math.Abs(l.Area()-4) > 1e-12 {
		t.Errorf("expected area 4, got %v", l.Area())
	}
	lo, hi := l.UVBounds()
	if lo != (r2.Vec{}) || hi != (r2.Vec{X: 1, Y: 1}) {
		t.Errorf("uv bounds %v %v", lo, hi)
	}
}

func TestNewLayer_NoUV(t *testing.T) {
	m, err := mesh.New("bare", []r3.Vec{{}, {X: 1}, {Y: 1}}, [][]int{{0, 1, 2}}, nil)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	l, err := NewLayer(m)
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	if l.HasUV() || l.UVScaling() != 0 {
		t.Errorf("expected layer without uv, got scaling %v", l.UVScaling())
	}
	mp := NewMapper(Options{}, nil)
	if _, ok := mp.Forward(l, r3.Vec{X: 0.2, Y: 0.2}); ok {
		t.Error("forward must fail without uv")
	}
	if _, ok := mp.Inverse(l, r2.Vec{X: 0.2, Y: 0.2}); ok {
		t.Error("inverse must fail without uv")
	}
}

func TestNewLayer_DegenerateUV(t *testing.T) {
	m, err := mesh.New("flat", []r3.Vec{{}, {X: 1}, {Y: 1}}, [][]int{{0, 1, 2}}, [][]r2.Vec{{{}, {}, {}}})
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	if _, err := NewLayer(m); !errors.Is(err, ErrNoUVScaling) {
		t.Errorf("expected ErrNoUVScaling, got %v", err)
	}
}

func TestForwardInverse_RoundTrip(t *testing.T) {
	l := gridLayer(t, "cortex", 2, 0.5, 4)
	mp := NewMapper(Options{}, nil)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		p := r3.Vec{X: rng.Float64() * 2, Y: rng.Float64() * 2, Z: 0.5}
		uv, ok := mp.Forward(l, p)
		if !ok {
			t.Fatalf("forward failed for %v", p)
		}
		if !uvNear(uv, r2.Vec{X: p.X / 2, Y: p.Y / 2}) {
			t.Errorf("forward(%v) = %v", p, uv)
		}
		back, ok := mp.Inverse(l, uv)
		if !ok {
			t.Fatalf("inverse failed for %v", uv)
		}
		if !vecNear(back, p) {
			t.Errorf("round trip %v -> %v -> %v", p, uv, back)
		}
	}
}

func TestForward_SecondTriangle(t *testing.T) {
	verts := []r3.Vec{{}, {X: 1}, {X: 1, Y: 1}, {Y: 1}}
	uvs := [][]r2.Vec{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 0.5}}}
	m, err := mesh.New("warped", verts, [][]int{{0, 1, 2, 3}}, uvs)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	l, err := NewLayer(m)
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	mp := NewMapper(Options{}, nil)

	p := r3.Vec{X: 0.2, Y: 0.8}
	uv, ok := mp.Forward(l, p)
	if !ok || !uvNear(uv, r2.Vec{X: 0.2, Y: 0.5}) {
		t.Fatalf("forward = %v %v, want (0.2, 0.5)", uv, ok)
	}
	back, ok := mp.Inverse(l, uv)
	if !ok || !vecNear(back, p) {
		t.Errorf("inverse = %v %v, want %v", back, ok, p)
	}

	q := r3.Vec{X: 0.8, Y: 0.2}
	uv, _ = mp.Forward(l, q)
	if !uvNear(uv, r2.Vec{X: 0.8, Y: 0.2}) {
		t.Errorf("first triangle forward = %v", uv)
	}
}

func TestForwardAlong(t *testing.T) {
	l := gridLayer(t, "cortex", 1, 1, 2)
	mp := NewMapper(Options{}, nil)
	uv, ok := mp.ForwardAlong(l, r3.Vec{X: 0.3, Y: 0.6, Z: -4}, r3.Vec{Z: 1})
	if !ok || !uvNear(uv, r2.Vec{X: 0.3, Y: 0.6}) {
		t.Errorf("ForwardAlong = %v %v", uv, ok)
	}
	if _, ok := mp.ForwardAlong(l, r3.Vec{X: 3, Y: 3}, r3.Vec{Z: 1}); ok {
		t.Error("expected miss beside the layer")
	}
}

func TestInverseBatch(t *testing.T) {
	l := gridLayer(t, "cortex", 1, 0, 2)
	mp := NewMapper(Options{}, nil)
	uvs := []r2.Vec{{X: 0.1, Y: 0.1}, {X: 1.5, Y: 0.5}, {X: 0.5, Y: 0.5}}

	all := mp.InverseAll(l, uvs)
	if len(all) != 3 {
		t.Fatalf("expected aligned output, got %d", len(all))
	}
	if !all[0].OK || all[1].OK || !all[2].OK {
		t.Errorf("unexpected resolution flags %+v", all)
	}
	if !vecNear(all[2].Point, r3.Vec{X: 0.5, Y: 0.5}) {
		t.Errorf("shared-corner point %v", all[2].Point)
	}

	if got := mp.InverseResolved(l, uvs); len(got) != 2 {
		t.Errorf("expected cleanup to drop one entry, got %d", len(got))
	}
}

func TestInterpolate(t *testing.T) {
	l := gridLayer(t, "cortex", 2, 0, 4)
	mp := NewMapper(Options{InterpolationQuality: 10}, nil)
	a, b := r3.Vec{X: 0.2, Y: 0.2}, r3.Vec{X: 1.2, Y: 0.2}
	pts := mp.Interpolate(l, a, b)
	if len(pts) != 10 {
		t.Fatalf("expected 10 waypoints, got %d", len(pts))
	}
	if !vecNear(pts[9], b) {
		t.Errorf("last waypoint %v, want %v", pts[9], b)
	}
	if !vecNear(pts[0], r3.Vec{X: 0.3, Y: 0.2}) {
		t.Errorf("first waypoint %v", pts[0])
	}
}

func TestTopological(t *testing.T) {
	small := gridLayer(t, "small", 1, 0, 3)
	large := gridLayer(t, "large", 2, 1, 3)
	mp := NewMapper(Options{}, nil)

	got, ok := mp.Topological(small, large, r3.Vec{X: 0.3, Y: 0.4, Z: 0.2})
	if !ok || !vecNear(got, r3.Vec{X: 0.6, Y: 0.8, Z: 1}) {
		t.Errorf("Topological = %v %v", got, ok)
	}
	got, ok = mp.Topological(small, large, r3.Vec{X: 0.9, Y: 0.1})
	if !ok || !vecNear(got, r3.Vec{X: 1.8, Y: 0.2, Z: 1}) {
		t.Errorf("Topological first triangle = %v %v", got, ok)
	}
	if !SameTopology(small, large) {
		t.Error("expected equal topology")
	}
	if SameTopology(small, gridLayer(t, "other", 1, 0, 2)) {
		t.Error("expected different topology")
	}
}

func TestNormalProject(t *testing.T) {
	lower := gridLayer(t, "lower", 1, 0, 2)
	upper := gridLayer(t, "upper", 1, 2, 2)
	mp := NewMapper(Options{}, nil)

	got, ok := mp.NormalProject(lower, upper, r3.Vec{X: 0.25, Y: 0.75, Z: -1})
	if !ok || !vecNear(got, r3.Vec{X: 0.25, Y: 0.75, Z: 2}) {
		t.Errorf("NormalProject = %v %v", got, ok)
	}

	shifted, err := mesh.Grid("shifted", 5, 5, 1, 1, 2, 1, 1)
	if err != nil {
		t.Fatalf("mesh.Grid: %v", err)
	}
	far, _ := NewLayer(shifted)
	if _, ok := mp.NormalProject(lower, far, r3.Vec{X: 0.5, Y: 0.5}); ok {
		t.Error("expected normal ray to miss a displaced layer")
	}
}

func TestRandomPoint(t *testing.T) {
	l := gridLayer(t, "cortex", 2, 0.5, 3)
	mp := NewMapper(Options{}, nil)
	a, ok := mp.RandomPoint(l, rand.New(rand.NewSource(9)))
	if !ok {
		t.Fatal("expected random point")
	}
	b, _ := mp.RandomPoint(l, rand.New(rand.NewSource(9)))
	if a != b {
		t.Errorf("same seed gave %v and %v", a, b)
	}
	if a.X < 0 || a.X > 2 || a.Y < 0 || a.Y > 2 || math.Abs(a.Z-0.5) > tol {
		t.Errorf("random point %v off the layer", a)
	}
}

func TestFreeze(t *testing.T) {
	l := gridLayer(t, "cortex", 1, 0, 2)
	frozen := NewMapper(Options{}, nil).Freeze(l)
	if _, ok := frozen.frozen["cortex"]; !ok {
		t.Fatal("expected frozen quadtree")
	}
	if _, ok := frozen.Inverse(l, r2.Vec{X: 0.4, Y: 0.4}); !ok {
		t.Error("frozen mapper failed to resolve")
	}
}
