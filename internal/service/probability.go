package service

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/kernel"
	"github.com/pam-connect/server/internal/mapping"
)

// Probabilities are dense source by target matrices. Pairs where either
// neuron could not be mapped have probability 0 and distance -1.
type Probabilities struct {
	Probability *mat.Dense
	Distance    *mat.Dense
}

// chainEnd is the outcome of mapping one neuron to the synapse layer.
type chainEnd struct {
	res mapping.Result
	ok  bool
}

func (m *Model) mapAll(ctx context.Context, mapper *mapping.Mapper, c mapping.Chain, pos []r3.Vec, ro RunOptions, phase string) ([]chainEnd, error) {
	out := make([]chainEnd, len(pos))
	var progress func(done, total int)
	if ro.Progress != nil {
		progress = func(done, total int) { ro.Progress(phase, done, total) }
	}
	err := forEach(ctx, poolSize(ro.Workers), len(pos), func(i int) {
		res, err := mapper.Map(c, pos[i], neuronRand(i, ro.Seed))
		out[i] = chainEnd{res: res, ok: err == nil}
	}, progress)
	return out, err
}

// ComputeProbabilities evaluates every source and target pair of connection
// i without sampling. The probability is the kernel weight at the offset
// between both neurons on the synapse layer, in real units. k overrides the
// connection's source kernel when it has a name. The distance estimate is
// the straight line between both chain ends when the source side reaches
// the synapse layer directly, and the UV surface distance otherwise.
func (m *Model) ComputeProbabilities(ctx context.Context, i int, k KernelSpec, ro RunOptions) (*Probabilities, error) {
	m.mu.RLock()
	if i < 0 || i >= len(m.connections) {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %d", ErrConnectionNotFound, i)
	}
	p, err := m.resolve(m.connections[i])
	base := m.mapper
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	kern := p.sourceKernel
	if k.Name != "" {
		if kern, err = kernel.New(k.Name, k.Args); err != nil {
			return nil, configError(p.spec, "kernel: %v", err)
		}
	}
	if kern == nil {
		return nil, configError(p.spec, "probabilities need a kernel")
	}
	if len(p.sources) == 0 || len(p.targets) == 0 {
		return &Probabilities{}, nil
	}

	mapper := base.Freeze(p.layers...)
	pre, err := m.mapAll(ctx, mapper, p.pre(), p.sources, ro, PhaseSources)
	if err != nil {
		return nil, err
	}
	post, err := m.mapAll(ctx, mapper, p.post(), p.targets, ro, PhaseTargets)
	if err != nil {
		return nil, err
	}

	scaling := p.synapseLayer().UVScaling()
	_, preDist := p.preSide()
	prob := mat.NewDense(len(pre), len(post), nil)
	dist := mat.NewDense(len(pre), len(post), nil)
	for a, s := range pre {
		for b, t := range post {
			if !s.ok || !t.ok {
				dist.Set(a, b, Unconnected)
				continue
			}
			d := r2.Scale(scaling, r2.Sub(t.res.UV, s.res.UV))
			prob.Set(a, b, kern.Weight(d.X, d.Y))
			lengths := s.res.Length + t.res.Length
			if preDist == mapping.DistDirect {
				dist.Set(a, b, lengths+r3.Norm(r3.Sub(t.res.Last(), s.res.Last())))
			} else {
				dist.Set(a, b, lengths+r2.Norm(d))
			}
		}
	}
	return &Probabilities{Probability: prob, Distance: dist}, nil
}

// PreSynapticDistance returns the path length from source neuron n of
// connection i to the synapse layer, and the path itself. When the last
// source hop measures along the synapse layer's surface, the mean surface
// distance to the neuron's synapses is added. slots selects the synapses;
// nil means all of them.
func (m *Model) PreSynapticDistance(i, n int, slots []int) (float64, []r3.Vec, error) {
	res, err := m.Result(i)
	if err != nil {
		return 0, nil, err
	}
	m.mu.RLock()
	p, err := m.resolve(m.connections[i])
	mapper := m.mapper
	m.mu.RUnlock()
	if err != nil {
		return 0, nil, err
	}
	if n < 0 || n >= len(p.sources) || n >= res.Rows() {
		return 0, nil, fmt.Errorf("source neuron %d out of range", n)
	}

	chain, err := mapper.Map(p.pre(), p.sources[n], neuronRand(n, res.Seed))
	if err != nil {
		return 0, nil, err
	}
	_, op := p.preSide()
	if op != mapping.DistEuclidUV && op != mapping.DistNormalUV {
		return chain.Length, chain.Path, nil
	}

	if slots == nil {
		for j := range res.Synapses[n] {
			slots = append(slots, j)
		}
	}
	var sum float64
	var count int
	for _, j := range slots {
		if j < 0 || j >= len(res.Synapses[n]) || res.Synapses[n][j] == nil {
			continue
		}
		d, _, err := mapper.DistanceToSynapse(p.synapseLayer(), p.synapseLayer(), chain.Last(), *res.Synapses[n][j], op)
		if err != nil {
			continue
		}
		sum += d
		count++
	}
	if count == 0 {
		return chain.Length, chain.Path, nil
	}
	return chain.Length + sum/float64(count), chain.Path, nil
}

// UVDistances returns, for every cell of the result of connection i, the
// distance between the source and the target neuron measured in UV space on
// the common layer and scaled to real units. Neuron positions are mapped
// onto the common layer by their closest point. Unconnected cells and
// neurons that cannot be mapped yield -1.
func (m *Model) UVDistances(ctx context.Context, i int, common string) ([][]float64, error) {
	res, err := m.Result(i)
	if err != nil {
		return nil, err
	}
	layer, err := m.Layer(common)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	p, err := m.resolve(m.connections[i])
	mapper := m.mapper
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	project := func(pos []r3.Vec) ([]r2.Vec, []bool, error) {
		uvs := make([]r2.Vec, len(pos))
		ok := make([]bool, len(pos))
		for n, x := range pos {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			uvs[n], ok[n] = mapper.Forward(layer, x)
		}
		return uvs, ok, nil
	}
	pre, preOK, err := project(p.sources)
	if err != nil {
		return nil, err
	}
	post, postOK, err := project(p.targets)
	if err != nil {
		return nil, err
	}

	scaling := layer.UVScaling()
	out := make([][]float64, res.Rows())
	for a, row := range res.Connections {
		out[a] = make([]float64, len(row))
		for j, b := range row {
			out[a][j] = Unconnected
			if b == Unconnected || a >= len(pre) || b >= len(post) || !preOK[a] || !postOK[b] {
				continue
			}
			out[a][j] = r2.Norm(r2.Sub(post[b], pre[a])) * scaling
		}
	}
	return out, nil
}
