// Package service computes synaptic connectivity between neuron populations
// placed on surface layers.
package service

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/kernel"
	"github.com/pam-connect/server/internal/mapping"
)

// ErrConfiguration marks a connection definition that cannot be computed.
// It is always returned before any neuron is mapped.
var ErrConfiguration = errors.New("invalid connection configuration")

// KernelSpec selects a registered kernel. An empty name stands for a point
// mask that only covers the centre cell.
type KernelSpec struct {
	Name string    `json:"name" yaml:"name"`
	Args []float64 `json:"args" yaml:"args"`
}

// PopulationRef names a neuron population. An empty layer defaults to the
// first (source) or last (target) layer of the connection.
type PopulationRef struct {
	Layer      string `json:"layer" yaml:"layer"`
	Population string `json:"population" yaml:"population"`
}

// ConnectionSpec describes how neurons of a source population connect to
// neurons of a target population through a chain of layers.
type ConnectionSpec struct {
	Name         string               `json:"name" yaml:"name"`
	Layers       []string             `json:"layers" yaml:"layers"`
	Source       PopulationRef        `json:"source" yaml:"source"`
	Target       PopulationRef        `json:"target" yaml:"target"`
	SynapseLayer int                  `json:"synapse_layer" yaml:"synapse_layer"`
	Mapping      []mapping.MappingOp  `json:"mapping" yaml:"mapping"`
	Distance     []mapping.DistanceOp `json:"distance" yaml:"distance"`
	SourceKernel KernelSpec           `json:"source_kernel" yaml:"source_kernel"`
	TargetKernel KernelSpec           `json:"target_kernel" yaml:"target_kernel"`
	Synapses     int                  `json:"synapses" yaml:"synapses"`
}

// SourceLayer returns the layer holding the source population.
func (c ConnectionSpec) SourceLayer() string {
	if c.Source.Layer != "" || len(c.Layers) == 0 {
		return c.Source.Layer
	}
	return c.Layers[0]
}

// TargetLayer returns the layer holding the target population.
func (c ConnectionSpec) TargetLayer() string {
	if c.Target.Layer != "" || len(c.Layers) == 0 {
		return c.Target.Layer
	}
	return c.Layers[len(c.Layers)-1]
}

// Label returns the name of the connection, or the names of its end layers.
func (c ConnectionSpec) Label() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Layers) == 0 {
		return "<empty>"
	}
	return c.Layers[0] + " - " + c.Layers[len(c.Layers)-1]
}

// plan is a validated connection with its layers, kernels and neuron
// positions resolved.
type plan struct {
	spec         ConnectionSpec
	layers       []*mapping.Layer
	s            int
	sourceKernel *kernel.Kernel
	targetKernel *kernel.Kernel
	sources      []r3.Vec
	targets      []r3.Vec
}

func (p *plan) synapseLayer() *mapping.Layer { return p.layers[p.s] }

// pre returns the chain from the first layer to the synapse layer.
func (p *plan) pre() mapping.Chain {
	return mapping.Chain{
		Layers:   p.layers[:p.s+1],
		Mapping:  p.spec.Mapping[:p.s],
		Distance: p.spec.Distance[:p.s],
	}
}

// post returns the chain from the last layer back to the synapse layer.
func (p *plan) post() mapping.Chain {
	return mapping.Chain{
		Layers:   p.layers[p.s:],
		Mapping:  p.spec.Mapping[p.s:],
		Distance: p.spec.Distance[p.s:],
	}.Reverse()
}

// preSide returns the layer before the synapse layer on the source side and
// the distance operator of that last hop. The synapse layer being the first
// layer yields a nil layer and a direct distance.
func (p *plan) preSide() (*mapping.Layer, mapping.DistanceOp) {
	if p.s == 0 {
		return nil, mapping.DistDirect
	}
	return p.layers[p.s-1], p.spec.Distance[p.s-1]
}

// postSide mirrors preSide for the target side.
func (p *plan) postSide() (*mapping.Layer, mapping.DistanceOp) {
	if p.s == len(p.layers)-1 {
		return nil, mapping.DistDirect
	}
	return p.layers[p.s+1], p.spec.Distance[p.s]
}

func configError(c ConnectionSpec, format string, args ...any) error {
	return fmt.Errorf("%w: connection %q: %s", ErrConfiguration, c.Label(), fmt.Sprintf(format, args...))
}

// Validate checks the parts of c that do not depend on a scene.
func (c ConnectionSpec) Validate() error {
	n := len(c.Layers) - 1
	if n < 0 {
		return configError(c, "no layers")
	}
	if len(c.Mapping) != n || len(c.Distance) != n {
		return configError(c, "%d layers need %d mapping and distance operators, got %d and %d",
			len(c.Layers), n, len(c.Mapping), len(c.Distance))
	}
	if c.SynapseLayer < 0 || c.SynapseLayer > n {
		return configError(c, "synapse layer %d out of range [0, %d]", c.SynapseLayer, n)
	}
	for i := 0; i < n; i++ {
		if !c.Mapping[i].Valid() {
			return configError(c, "hop %d: unsupported mapping operator %d", i, int(c.Mapping[i]))
		}
		if !c.Distance[i].Valid() {
			return configError(c, "hop %d: unsupported distance operator %d", i, int(c.Distance[i]))
		}
	}
	if c.Synapses <= 0 {
		return configError(c, "synapse count must be positive, got %d", c.Synapses)
	}
	if err := validKernel(c.SourceKernel); err != nil {
		return configError(c, "source kernel: %v", err)
	}
	if err := validKernel(c.TargetKernel); err != nil {
		return configError(c, "target kernel: %v", err)
	}
	if c.Source.Population == "" || c.Target.Population == "" {
		return configError(c, "source and target populations are required")
	}
	return nil
}

func validKernel(k KernelSpec) error {
	if k.Name == "" {
		return nil
	}
	return kernel.Validate(k.Name, k.Args)
}

func newKernel(k KernelSpec) (*kernel.Kernel, error) {
	if k.Name == "" {
		return nil, nil
	}
	return kernel.New(k.Name, k.Args)
}

// resolve validates c against the model's layers and populations.
func (m *Model) resolve(c ConnectionSpec) (*plan, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	p := &plan{spec: c, s: c.SynapseLayer, layers: make([]*mapping.Layer, len(c.Layers))}
	for i, name := range c.Layers {
		l, ok := m.byName[name]
		if !ok {
			return nil, configError(c, "unknown layer %q", name)
		}
		p.layers[i] = l
	}

	slayer := p.synapseLayer()
	if !slayer.HasUV() {
		return nil, configError(c, "synapse layer %q has no uv layout", slayer.Name())
	}
	if !(slayer.UVScaling() > 0) {
		return nil, configError(c, "synapse layer %q: %v", slayer.Name(), mapping.ErrNoUVScaling)
	}
	for i, op := range c.Mapping {
		from, to := p.layers[i], p.layers[i+1]
		switch op {
		case mapping.MapTopology:
			if !mapping.SameTopology(from, to) {
				return nil, configError(c, "hop %d: %s and %s differ in topology", i, from.Name(), to.Name())
			}
		case mapping.MapUV:
			if !from.HasUV() || !to.HasUV() {
				return nil, configError(c, "hop %d: uv mapping between %s and %s needs uv layouts", i, from.Name(), to.Name())
			}
		}
	}

	var err error
	if p.sourceKernel, err = newKernel(c.SourceKernel); err != nil {
		return nil, configError(c, "source kernel: %v", err)
	}
	if p.targetKernel, err = newKernel(c.TargetKernel); err != nil {
		return nil, configError(c, "target kernel: %v", err)
	}

	if p.sources, err = m.positions.Positions(c.SourceLayer(), c.Source.Population); err != nil {
		return nil, configError(c, "source population: %v", err)
	}
	if p.targets, err = m.positions.Positions(c.TargetLayer(), c.Target.Population); err != nil {
		return nil, configError(c, "target population: %v", err)
	}
	return p, nil
}
