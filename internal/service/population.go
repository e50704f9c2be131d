package service

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// NearestParticle returns the index of the neuron of a population closest
// to p and its distance. It returns -1 for an empty population.
func (m *Model) NearestParticle(layer, population string, p r3.Vec) (int, float64, error) {
	pos, err := m.positions.Positions(layer, population)
	if err != nil {
		return -1, 0, err
	}
	best, dist := -1, math.Inf(1)
	for i, q := range pos {
		if d := r3.Norm(r3.Sub(q, p)); d < dist {
			best, dist = i, d
		}
	}
	return best, dist, nil
}

// DistanceToMask returns the distance of neuron n of a population to the
// closest point of the mask layer.
func (m *Model) DistanceToMask(layer, population string, n int, mask string) (float64, error) {
	pos, err := m.positions.Positions(layer, population)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= len(pos) {
		return 0, fmt.Errorf("neuron %d out of range [0, %d)", n, len(pos))
	}
	ml, err := m.Layer(mask)
	if err != nil {
		return 0, err
	}
	q, ok := m.Mapper().Nearest(ml, pos[n])
	if !ok {
		return math.Inf(1), nil
	}
	return r3.Norm(r3.Sub(pos[n], q)), nil
}

// MaskParticles returns the neurons of a population that lie closer than
// distance to the mask layer.
func (m *Model) MaskParticles(layer, population, mask string, distance float64) ([]int, error) {
	pos, err := m.positions.Positions(layer, population)
	if err != nil {
		return nil, err
	}
	ml, err := m.Layer(mask)
	if err != nil {
		return nil, err
	}
	mapper := m.Mapper()
	var out []int
	for i, p := range pos {
		q, ok := mapper.Nearest(ml, p)
		if ok && r3.Norm(r3.Sub(p, q)) < distance {
			out = append(out, i)
		}
	}
	return out, nil
}

// SortByUV returns the permutation that orders the neurons of a population
// by their u (axis 'u') or v (axis 'v') coordinate on their own layer.
// Neurons without a UV coordinate go last.
func (m *Model) SortByUV(layer, population string, axis byte) ([]int, error) {
	if axis != 'u' && axis != 'v' {
		return nil, fmt.Errorf("axis must be 'u' or 'v', got %q", axis)
	}
	pos, err := m.positions.Positions(layer, population)
	if err != nil {
		return nil, err
	}
	l, err := m.Layer(layer)
	if err != nil {
		return nil, err
	}
	mapper := m.Mapper()
	keys := make([]float64, len(pos))
	perm := make([]int, len(pos))
	for i, p := range pos {
		perm[i] = i
		keys[i] = math.Inf(1)
		if uv, ok := mapper.Forward(l, p); ok {
			keys[i] = uv.X
			if axis == 'v' {
				keys[i] = uv.Y
			}
		}
	}
	sort.SliceStable(perm, func(a, b int) bool { return keys[perm[a]] < keys[perm[b]] })
	return perm, nil
}
