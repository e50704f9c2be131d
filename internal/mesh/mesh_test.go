package mesh

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNew_Validation(t *testing.T) {
	verts := []r3.Vec{{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}, {Z: 1}}

	if _, err := New("bad", verts, [][]int{{0, 1}}, nil); !errors.Is(err, ErrInvalidPolygon) {
		t.Errorf("expected ErrInvalidPolygon, got %v", err)
	}
	if _, err := New("bad", verts, [][]int{{0, 1, 2, 3, 4}}, nil); !errors.Is(err, ErrInvalidPolygon) {
		t.Errorf("expected ErrInvalidPolygon for pentagon, got %v", err)
	}
	if _, err := New("bad", verts, [][]int{{0, 1, 2}}, [][]r2.Vec{{{}, {}}}); !errors.Is(err, ErrInvalidUV) {
		t.Errorf("expected ErrInvalidUV, got %v", err)
	}
	if _, err := New("bad", verts, [][]int{{0, 1, 9}}, nil); err == nil {
		t.Error("expected error for out-of-range vertex")
	}
}

func TestGrid_Topology(t *testing.T) {
	m, err := Grid("plane", 0, 0, 2, 1, 0, 4, 2)
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	if m.NumPolygons() != 8 {
		t.Fatalf("expected 8 polygons, got %d", m.NumPolygons())
	}
	var total float64
	for i := 0; i < m.NumPolygons(); i++ {
		total += m.PolygonArea(i)
		if n := m.PolygonNormal(i); math.Abs(n.Z-1) > 1e-12 {
			t.Errorf("polygon %d normal %v", i, n)
		}
	}
	if math.Abs(total-2) > 1e-12 {
		t.Errorf("total area %v, want 2", total)
	}
	uvs := m.PolygonUVs(7)
	if uvs[2].X != 1 || uvs[2].Y != 1 {
		t.Errorf("last polygon uv corner %v", uvs[2])
	}
}

func TestClosestPoint(t *testing.T) {
	m, err := Grid("plane", 0, 0, 1, 1, 0, 3, 3)
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	hit, ok := m.ClosestPoint(r3.Vec{X: 0.4, Y: 0.7, Z: 2})
	if !ok {
		t.Fatal("expected hit")
	}
	if r3.Norm(r3.Sub(hit.Point, r3.Vec{X: 0.4, Y: 0.7})) > 1e-9 {
		t.Errorf("closest point %v", hit.Point)
	}
	if hit.Polygon != 7 {
		t.Errorf("expected polygon 7, got %d", hit.Polygon)
	}

	hit, _ = m.ClosestPoint(r3.Vec{X: 3, Y: -1, Z: 0})
	if r3.Norm(r3.Sub(hit.Point, r3.Vec{X: 1})) > 1e-9 {
		t.Errorf("corner projection %v", hit.Point)
	}
}

func TestRayCast(t *testing.T) {
	m, err := Grid("plane", 0, 0, 1, 1, 0.5, 2, 2)
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	hit, ok := m.RayCast(r3.Vec{X: 0.3, Y: 0.3, Z: 10}, r3.Vec{X: 0.3, Y: 0.3, Z: -10})
	if !ok {
		t.Fatal("expected hit")
	}
	if math.Abs(hit.Point.Z-0.5) > 1e-9 || hit.Polygon != 0 {
		t.Errorf("hit %+v", hit)
	}
	if _, ok := m.RayCast(r3.Vec{X: 0.3, Y: 0.3, Z: 10}, r3.Vec{X: 0.3, Y: 0.3, Z: 1}); ok {
		t.Error("segment ending above plane must miss")
	}
	if _, ok := m.RayCast(r3.Vec{X: 5, Y: 5, Z: 10}, r3.Vec{X: 5, Y: 5, Z: -10}); ok {
		t.Error("ray outside plane must miss")
	}
}

func TestRayCast_NearestOfSeveral(t *testing.T) {
	m, err := Box("box", r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatalf("Box: %v", err)
	}
	hit, ok := m.RayCast(r3.Vec{X: 0.3, Y: 0.6, Z: 5}, r3.Vec{X: 0.3, Y: 0.6, Z: -5})
	if !ok {
		t.Fatal("expected hit")
	}
	if math.Abs(hit.Point.Z-1) > 1e-9 {
		t.Errorf("expected top face first, got %v", hit.Point)
	}
}

func TestContains(t *testing.T) {
	m, err := Box("box", r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatalf("Box: %v", err)
	}
	tests := []struct {
		name string
		p    r3.Vec
		want bool
	}{
		{"inside", r3.Vec{X: 0.3, Y: 0.6, Z: 0.4}, true},
		{"above", r3.Vec{X: 0.3, Y: 0.6, Z: 1.5}, false},
		{"below", r3.Vec{X: 0.3, Y: 0.6, Z: -0.5}, false},
		{"beside", r3.Vec{X: 1.3, Y: 0.6, Z: 0.4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Contains(tt.p); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestBounds(t *testing.T) {
	m, err := Box("box", r3.Vec{X: -1, Y: -2, Z: -3}, r3.Vec{X: 1, Y: 2, Z: 3})
	if err != nil {
		t.Fatalf("Box: %v", err)
	}
	lo, hi := m.Bounds()
	if lo != (r3.Vec{X: -1, Y: -2, Z: -3}) || hi != (r3.Vec{X: 1, Y: 2, Z: 3}) {
		t.Errorf("bounds %v %v", lo, hi)
	}
}
