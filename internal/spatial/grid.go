package spatial

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultResolution is the UV edge length of a grid cell.
const DefaultResolution = 0.02

// Kernel weights a UV offset between a neuron and a synapse cell. Extent
// bounds the offsets where Weight may be non-zero.
type Kernel interface {
	Weight(du, dv float64) float64
	Extent() (lo, hi r2.Vec)
}

// Target is a target neuron mapped onto the synapse layer.
type Target struct {
	Index    int
	UV       r2.Vec
	Point    r3.Vec
	Distance float64
}

// Candidate is a target reachable from a source through one synapse cell.
type Candidate struct {
	Target  Target
	Synapse r2.Vec
	Weight  float64
}

type maskCell struct {
	dc, dr int
	weight float64
}

type slot struct {
	target int
	weight float64
}

// Grid is a uniform grid over the UV bounding box of the synapse layer.
// Targets are inserted during a single-threaded build phase; afterwards the
// grid is read-only and SelectRandom may be called concurrently.
type Grid struct {
	origin     r2.Vec
	limit      r2.Vec
	resolution float64
	cols, rows int

	pre, post []maskCell

	cells   [][]slot
	targets []Target

	valid    func(r2.Vec) bool
	validity []int8 // 0 unknown, 1 valid, -1 invalid
}

// NewGrid covers the box lo-hi with square cells of the given resolution.
// valid, when non-nil, reports whether a cell centre lies on the surface;
// cells failing it never receive targets.
func NewGrid(lo, hi r2.Vec, resolution float64, valid func(r2.Vec) bool) *Grid {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	cols := int(math.Ceil((hi.X-lo.X)/resolution - 1e-9))
	rows := int(math.Ceil((hi.Y-lo.Y)/resolution - 1e-9))
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	g := &Grid{
		origin:     lo,
		limit:      hi,
		resolution: resolution,
		cols:       cols,
		rows:       rows,
		cells:      make([][]slot, cols*rows),
		valid:      valid,
		validity:   make([]int8, cols*rows),
		pre:        pointMask(),
		post:       pointMask(),
	}
	return g
}

func pointMask() []maskCell { return []maskCell{{weight: 1}} }

// Cols returns the number of grid columns (U direction).
func (g *Grid) Cols() int { return g.cols }

// Rows returns the number of grid rows (V direction).
func (g *Grid) Rows() int { return g.rows }

// Resolution returns the cell edge length.
func (g *Grid) Resolution() float64 { return g.resolution }

// Cell returns the column and row containing uv. Points on the upper edge
// of the grid box belong to the last column or row. Otherwise the result may
// lie outside the grid.
func (g *Grid) Cell(uv r2.Vec) (int, int) {
	col := int(math.Floor((uv.X - g.origin.X) / g.resolution))
	row := int(math.Floor((uv.Y - g.origin.Y) / g.resolution))
	eps := 1e-9 * g.resolution
	if col == g.cols && uv.X <= g.limit.X+eps {
		col = g.cols - 1
	}
	if row == g.rows && uv.Y <= g.limit.Y+eps {
		row = g.rows - 1
	}
	return col, row
}

// CellCenter returns the UV centre of a cell.
func (g *Grid) CellCenter(col, row int) r2.Vec {
	return r2.Vec{
		X: g.origin.X + (float64(col)+0.5)*g.resolution,
		Y: g.origin.Y + (float64(row)+0.5)*g.resolution,
	}
}

func (g *Grid) inside(col, row int) bool {
	return col >= 0 && col < g.cols && row >= 0 && row < g.rows
}

// SetSourceKernel computes the source mask. A nil kernel restricts sources
// to the cell they map into.
func (g *Grid) SetSourceKernel(k Kernel) { g.pre = g.mask(k) }

// SetTargetKernel computes the target mask. It must be called before any
// target is inserted.
func (g *Grid) SetTargetKernel(k Kernel) { g.post = g.mask(k) }

func (g *Grid) mask(k Kernel) []maskCell {
	if k == nil {
		return pointMask()
	}
	lo, hi := k.Extent()
	c0 := offset(math.Floor(lo.X/g.resolution)-1, g.cols)
	c1 := offset(math.Ceil(hi.X/g.resolution)+1, g.cols)
	r0 := offset(math.Floor(lo.Y/g.resolution)-1, g.rows)
	r1 := offset(math.Ceil(hi.Y/g.resolution)+1, g.rows)

	var out []maskCell
	for dr := r0; dr <= r1; dr++ {
		for dc := c0; dc <= c1; dc++ {
			w := k.Weight(float64(dc)*g.resolution, float64(dr)*g.resolution)
			if w > 0 && !math.IsInf(w, 0) && !math.IsNaN(w) {
				out = append(out, maskCell{dc: dc, dr: dr, weight: w})
			}
		}
	}
	return out
}

// offset clamps a cell offset to [-n, n]; the extent may be infinite.
func offset(v float64, n int) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Max(-float64(n), math.Min(float64(n), v)))
}

// MaskSize returns the number of non-zero cells of the source and target
// masks.
func (g *Grid) MaskSize() (source, target int) { return len(g.pre), len(g.post) }

func (g *Grid) cellValid(col, row int) bool {
	if g.valid == nil {
		return true
	}
	i := row*g.cols + col
	if g.validity[i] == 0 {
		g.validity[i] = -1
		if g.valid(g.CellCenter(col, row)) {
			g.validity[i] = 1
		}
	}
	return g.validity[i] == 1
}

// InsertTarget registers t with every valid cell covered by the target mask
// around t.UV.
func (g *Grid) InsertTarget(t Target) {
	id := len(g.targets)
	g.targets = append(g.targets, t)
	col, row := g.Cell(t.UV)
	for _, e := range g.post {
		c, r := col+e.dc, row+e.dr
		if !g.inside(c, r) || !g.cellValid(c, r) {
			continue
		}
		i := r*g.cols + c
		g.cells[i] = append(g.cells[i], slot{target: id, weight: e.weight})
	}
}

// Targets returns the inserted targets in insertion order.
func (g *Grid) Targets() []Target { return g.targets }

// Candidates lists every target reachable from a source at uv, weighted by
// the product of the source and target mask weights of the synapse cell.
func (g *Grid) Candidates(uv r2.Vec) []Candidate {
	col, row := g.Cell(uv)
	var out []Candidate
	for _, e := range g.pre {
		c, r := col+e.dc, row+e.dr
		if !g.inside(c, r) {
			continue
		}
		cell := g.cells[r*g.cols+c]
		if len(cell) == 0 {
			continue
		}
		center := g.CellCenter(c, r)
		for _, s := range cell {
			if w := e.weight * s.weight; w > 0 {
				out = append(out, Candidate{Target: g.targets[s.target], Synapse: center, Weight: w})
			}
		}
	}
	return out
}

// SelectRandom draws k candidates for a source at uv, with replacement, with
// probability proportional to their weight. It returns nil when k is not
// positive or no candidate carries weight.
func (g *Grid) SelectRandom(uv r2.Vec, k int, rng *rand.Rand) []Candidate {
	if k <= 0 {
		return nil
	}
	cands := g.Candidates(uv)
	if len(cands) == 0 {
		return nil
	}
	weights := make([]float64, len(cands))
	for i, c := range cands {
		weights[i] = c.Weight
	}
	picks := WeightedIndices(weights, k, rng)
	if picks == nil {
		return nil
	}
	out := make([]Candidate, len(picks))
	for i, p := range picks {
		out[i] = cands[p]
	}
	return out
}

// WeightedIndices draws k indices by inverting independent uniform draws
// against the cumulative weights. Duplicates are kept. It returns nil when
// the total weight is not positive.
func WeightedIndices(weights []float64, k int, rng *rand.Rand) []int {
	if k <= 0 || len(weights) == 0 {
		return nil
	}
	cum := floats.CumSum(make([]float64, len(weights)), weights)
	total := cum[len(cum)-1]
	if !(total > 0) {
		return nil
	}
	out := make([]int, k)
	for i := range out {
		u := rng.Float64() * total
		j := sort.Search(len(cum), func(n int) bool { return cum[n] > u })
		if j == len(cum) {
			j = len(cum) - 1
		}
		out[i] = j
	}
	return out
}
