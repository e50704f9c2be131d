package service

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pam-connect/server/internal/mapping"
	"github.com/pam-connect/server/internal/spatial"
)

// Phases reported through RunOptions.Progress.
const (
	PhaseTargets = "mapping_targets"
	PhaseSources = "mapping_sources"
)

// newGrid builds the synapse grid of p with the kernels rescaled to UV
// units. Cells whose centre has no 3D point on the synapse layer stay empty.
func newGrid(mapper *mapping.Mapper, p *plan, resolution float64) *spatial.Grid {
	slayer := p.synapseLayer()
	lo, hi := slayer.UVBounds()
	grid := spatial.NewGrid(lo, hi, resolution, func(uv r2.Vec) bool {
		_, ok := mapper.Inverse(slayer, uv)
		return ok
	})
	scaling := slayer.UVScaling()
	if p.sourceKernel != nil {
		grid.SetSourceKernel(p.sourceKernel.Scaled(scaling))
	}
	if p.targetKernel != nil {
		grid.SetTargetKernel(p.targetKernel.Scaled(scaling))
	}
	return grid
}

// connect runs the two phases of a computation. Target neurons are mapped
// and inserted into the grid first. Source neurons are connected once the
// grid is complete and no longer changes.
func (m *Model) connect(ctx context.Context, base *mapping.Mapper, p *plan, ro RunOptions) (*Result, error) {
	start := time.Now()
	mapper := base.Freeze(p.layers...)
	preLayer, preDist := p.preSide()
	postLayer, postDist := p.postSide()
	wc := &workerContext{
		mapper:    mapper,
		pre:       p.pre(),
		post:      p.post(),
		slayer:    p.synapseLayer(),
		preLayer:  preLayer,
		preDist:   preDist,
		postLayer: postLayer,
		postDist:  postDist,
		synapses:  p.spec.Synapses,
		seed:      ro.Seed,
	}
	workers := poolSize(ro.Workers)
	label := p.spec.Label()
	m.logger.Printf("[Connectivity] %s: %d sources, %d targets, %d synapses each, %d workers",
		label, len(p.sources), len(p.targets), p.spec.Synapses, workers)

	progress := func(phase string) func(done, total int) {
		if ro.Progress == nil {
			return nil
		}
		return func(done, total int) { ro.Progress(phase, done, total) }
	}

	// Phase 1: map target neurons to the synapse layer
	outcomes := make([]targetOutcome, len(p.targets))
	err := forEach(ctx, workers, len(p.targets), func(i int) {
		outcomes[i] = wc.mapTarget(i, p.targets[i])
	}, progress(PhaseTargets))
	if err != nil {
		return nil, fmt.Errorf("mapping targets: %w", err)
	}

	grid := newGrid(mapper, p, m.opts.GridResolution)
	var errs []ConnectionError
	for i, o := range outcomes {
		if o.err != nil {
			errs = append(errs, ConnectionError{Neuron: i, Slot: -1, Stage: StageTarget, Message: o.err.Error()})
			continue
		}
		grid.InsertTarget(o.target)
	}
	m.logger.Printf("[Connectivity] %s: %d of %d targets on the synapse layer",
		label, len(grid.Targets()), len(p.targets))

	// Phase 2: connect source neurons through the completed grid
	wc.grid = grid
	rows := make([]row, len(p.sources))
	err = forEach(ctx, workers, len(p.sources), func(i int) {
		rows[i] = wc.connectSource(i, p.sources[i])
	}, progress(PhaseSources))
	if err != nil {
		return nil, fmt.Errorf("connecting sources: %w", err)
	}

	res := &Result{
		Connection:  label,
		Seed:        ro.Seed,
		Connections: make([][]int, len(rows)),
		Distances:   make([][]float64, len(rows)),
		Synapses:    make([][]*r2.Vec, len(rows)),
	}
	for i, r := range rows {
		res.Connections[i] = r.targets
		res.Distances[i] = r.distances
		res.Synapses[i] = r.synapses
		errs = append(errs, r.errs...)
	}
	res.Errors = errs

	s := res.Summary()
	m.logger.Printf("[Connectivity] %s: %d connected, %d unconnected, %d errors in %v",
		label, s.Connected, s.Unconnected, s.Errors, time.Since(start).Round(time.Millisecond))
	return res, nil
}
