package mapping

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/mesh"
)

const tol = 1e-6

func gridLayer(t *testing.T, name string, size, z float64, n int) *Layer {
	t.Helper()
	m, err := mesh.Grid(name, 0, 0, size, size, z, n, n)
	if err != nil {
		t.Fatalf("mesh.Grid(%s): %v", name, err)
	}
	l, err := NewLayer(m)
	if err != nil {
		t.Fatalf("NewLayer(%s): %v", name, err)
	}
	return l
}

func boxLayer(t *testing.T, name string, lo, hi r3.Vec) *Layer {
	t.Helper()
	m, err := mesh.Box(name, lo, hi)
	if err != nil {
		t.Fatalf("mesh.Box(%s): %v", name, err)
	}
	l, err := NewLayer(m)
	if err != nil {
		t.Fatalf("NewLayer(%s): %v", name, err)
	}
	return l
}

func vecNear(a, b r3.Vec) bool { return r3.Norm(r3.Sub(a, b)) < tol }

func uvNear(a, b r2.Vec) bool { return math.Hypot(a.X-b.X, a.Y-b.Y) < tol }
