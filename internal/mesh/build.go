package mesh

import (
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Grid builds a flat w×h rectangle at height z, split into nx×ny quads,
// with origin at (x0, y0). UVs map the rectangle onto [0,1]².
func Grid(name string, x0, y0, w, h, z float64, nx, ny int) (*Mesh, error) {
	if nx < 1 {
		nx = 1
	}
	if ny < 1 {
		ny = 1
	}
	verts := make([]r3.Vec, 0, (nx+1)*(ny+1))
	for j := 0; j <= ny; j++ {
		for i := 0; i <= nx; i++ {
			verts = append(verts, r3.Vec{X: x0 + w*float64(i)/float64(nx), Y: y0 + h*float64(j)/float64(ny), Z: z})
		}
	}
	polys := make([][]int, 0, nx*ny)
	uvs := make([][]r2.Vec, 0, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			v0 := j*(nx+1) + i
			poly := []int{v0, v0 + 1, v0 + nx + 2, v0 + nx + 1}
			polys = append(polys, poly)
			loop := make([]r2.Vec, 4)
			for k, vi := range poly {
				loop[k] = r2.Vec{X: (verts[vi].X - x0) / w, Y: (verts[vi].Y - y0) / h}
			}
			uvs = append(uvs, loop)
		}
	}
	return New(name, verts, polys, uvs)
}

// Box builds a closed axis-aligned box. Each face carries the full unit UV
// square.
func Box(name string, lo, hi r3.Vec) (*Mesh, error) {
	verts := []r3.Vec{
		{X: lo.X, Y: lo.Y, Z: lo.Z}, {X: hi.X, Y: lo.Y, Z: lo.Z}, {X: hi.X, Y: hi.Y, Z: lo.Z}, {X: lo.X, Y: hi.Y, Z: lo.Z},
		{X: lo.X, Y: lo.Y, Z: hi.Z}, {X: hi.X, Y: lo.Y, Z: hi.Z}, {X: hi.X, Y: hi.Y, Z: hi.Z}, {X: lo.X, Y: hi.Y, Z: hi.Z},
	}
	polys := [][]int{
		{0, 3, 2, 1}, // bottom
		{4, 5, 6, 7}, // top
		{0, 1, 5, 4},
		{1, 2, 6, 5},
		{2, 3, 7, 6},
		{3, 0, 4, 7},
	}
	square := []r2.Vec{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	uvs := make([][]r2.Vec, len(polys))
	for i := range uvs {
		uvs[i] = square
	}
	return New(name, verts, polys, uvs)
}
